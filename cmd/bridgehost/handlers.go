package main

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rexliu/hostbridge/pkg/config"
	"github.com/rexliu/hostbridge/pkg/ipc"
	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/storage/sqlite"
	"github.com/rexliu/hostbridge/pkg/value"
)

// Error codes reported by the reference host.
const (
	codeStorageKeyMissing  = "NE_ST_NOSTKEX"
	codeStorageKeyInvalid  = "NE_ST_INVSTKY"
	codeStorageFailure     = "NE_ST_STKEYWE"
	codeWatcherMissing     = "NE_FS_NOWATRE"
	codeExtensionNotLinked = "NE_EX_EXTNOTC"
)

// exitDelay lets the app.exit response reach the client before the host
// tears its connections down.
const exitDelay = 50 * time.Millisecond

type host struct {
	cfg        *config.ProfileConfig
	store      *sqlite.Store
	srv        *ipc.Host
	stop       context.CancelFunc
	logger     *logging.Logger
	extensions *extensionHub

	mu          sync.Mutex
	watchers    map[int64]string
	nextWatcher int64
}

func newHost(cfg *config.ProfileConfig, store *sqlite.Store, srv *ipc.Host, stop context.CancelFunc, logger *logging.Logger) *host {
	return &host{
		cfg:        cfg,
		store:      store,
		srv:        srv,
		stop:       stop,
		logger:     logger,
		extensions: newExtensionHub(cfg.Host.Extensions),
		watchers:   make(map[int64]string),
	}
}

func (h *host) registerHandlers() {
	h.srv.Register("app.getConfig", h.handleGetConfig)
	h.srv.Register("app.exit", h.handleExit)
	h.srv.Register("app.broadcast", h.handleBroadcast)
	h.srv.Register("debug.log", h.handleDebugLog)
	h.srv.Register("storage.setData", h.handleSetData)
	h.srv.Register("storage.getData", h.handleGetData)
	h.srv.Register("storage.getKeys", h.handleGetKeys)
	h.srv.Register("events.broadcast", h.handleBroadcast)
	h.srv.Register("extensions.getStats", h.handleExtensionStats)
	h.srv.Register("extensions.dispatch", h.handleExtensionDispatch)
	h.srv.Register("extensions.broadcast", h.handleBroadcast)
	h.srv.Register("extensions.connect", h.handleExtensionConnect)
	h.srv.Register("extensions.disconnect", h.handleExtensionDisconnect)
	h.srv.Register("filesystem.createWatcher", h.handleCreateWatcher)
	h.srv.Register("filesystem.removeWatcher", h.handleRemoveWatcher)
	h.srv.Register("filesystem.getWatchers", h.handleGetWatchers)
	h.srv.Register("custom.getMethods", h.handleCustomMethods)
	h.srv.Register("custom.echo", func(_ context.Context, args value.Value) (value.Value, *ipc.Error) {
		return args, nil
	})
}

func (h *host) handleGetConfig(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	return value.Map(
		value.Pair("applicationId", value.String(h.cfg.Host.ApplicationID)),
		value.Pair("version", value.String(h.cfg.Host.Version)),
		value.Pair("profileName", value.String(h.cfg.ProfileName)),
		value.Pair("defaultTimeout", value.String(h.cfg.Bridge.DefaultTimeout)),
	), nil
}

func (h *host) handleExit(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	code, _ := intArg(args, "code")
	h.logger.Infof("exit requested with code %d", code)
	if h.stop != nil {
		time.AfterFunc(exitDelay, h.stop)
	}
	return value.Null(), nil
}

func (h *host) handleBroadcast(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	event, rpcErr := stringArg(args, "event")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	data, _ := args.Get("data")
	n := h.srv.Notify(event, data)
	h.logger.Debugw("broadcast", "event", event, "clients", n)
	return value.Null(), nil
}

func (h *host) handleDebugLog(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	message, rpcErr := stringArg(args, "message")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	level := "INFO"
	if v, ok := args.Get("type"); ok {
		if s, ok := v.AsString(); ok && s != "" {
			level = strings.ToUpper(s)
		}
	}
	switch level {
	case "ERROR":
		h.logger.Errorw(message, "source", "client")
	case "WARNING":
		h.logger.Warnw(message, "source", "client")
	default:
		h.logger.Infow(message, "source", "client")
	}
	return value.Null(), nil
}

func (h *host) handleSetData(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	key, rpcErr := stringArg(args, "key")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	if err := sqlite.ValidateKey(key); err != nil {
		return value.Null(), ipc.Errorf(codeStorageKeyInvalid, err.Error(), nil)
	}
	data, ok := args.Get("data")
	if !ok || data.IsNull() {
		// a missing value clears the key
		if err := h.store.Delete(ctx, key); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			return value.Null(), ipc.Errorf(codeStorageFailure, err.Error(), nil)
		}
		return value.Null(), nil
	}
	s, ok := data.AsString()
	if !ok {
		s = data.String()
	}
	if err := h.store.SetData(ctx, key, s); err != nil {
		return value.Null(), ipc.Errorf(codeStorageFailure, err.Error(), nil)
	}
	return value.Null(), nil
}

func (h *host) handleGetData(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	key, rpcErr := stringArg(args, "key")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	data, err := h.store.GetData(ctx, key)
	if errors.Is(err, sqlite.ErrNotFound) {
		return value.Null(), ipc.Errorf(codeStorageKeyMissing, "Unable to find storage key: "+key, map[string]any{"key": key})
	}
	if err != nil {
		return value.Null(), ipc.Errorf(codeStorageKeyInvalid, err.Error(), nil)
	}
	return value.String(data), nil
}

func (h *host) handleGetKeys(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	keys, err := h.store.Keys(ctx)
	if err != nil {
		return value.Null(), ipc.Errorf(codeStorageFailure, err.Error(), nil)
	}
	return stringList(keys), nil
}

func (h *host) handleExtensionStats(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	loaded, connected := h.extensions.stats()
	return value.Map(
		value.Pair("loaded", stringList(loaded)),
		value.Pair("connected", stringList(connected)),
	), nil
}

func (h *host) handleExtensionDispatch(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	id, rpcErr := stringArg(args, "extensionId")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	event, rpcErr := stringArg(args, "event")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	if !h.extensions.isConnected(id) {
		return value.Null(), ipc.Errorf(codeExtensionNotLinked, id+" is not connected yet", map[string]any{"extensionId": id})
	}
	data, _ := args.Get("data")
	h.srv.Notify(event, data)
	return value.Null(), nil
}

func (h *host) handleExtensionConnect(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	id, rpcErr := stringArg(args, "extensionId")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	h.extensions.connect(id)
	h.srv.Notify("extClientConnect", value.String(id))
	return value.Null(), nil
}

func (h *host) handleExtensionDisconnect(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	id, rpcErr := stringArg(args, "extensionId")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	h.extensions.disconnect(id)
	h.srv.Notify("extClientDisconnect", value.String(id))
	return value.Null(), nil
}

func (h *host) handleCreateWatcher(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	path, rpcErr := stringArg(args, "path")
	if rpcErr != nil {
		return value.Null(), rpcErr
	}
	h.mu.Lock()
	h.nextWatcher++
	id := h.nextWatcher
	h.watchers[id] = path
	h.mu.Unlock()
	return value.Int(id), nil
}

func (h *host) handleRemoveWatcher(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	id, ok := intArg(args, "id")
	if !ok {
		return value.Null(), ipc.Errorf(ipc.CodeInvalidRequest, "id required", nil)
	}
	h.mu.Lock()
	_, found := h.watchers[id]
	delete(h.watchers, id)
	h.mu.Unlock()
	if !found {
		return value.Null(), ipc.Errorf(codeWatcherMissing, "Unable to find watcher", map[string]any{"id": id})
	}
	return value.Int(id), nil
}

func (h *host) handleGetWatchers(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	h.mu.Lock()
	ids := make([]int64, 0, len(h.watchers))
	for id := range h.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	items := make([]value.Value, 0, len(ids))
	for _, id := range ids {
		items = append(items, value.Map(
			value.Pair("id", value.Int(id)),
			value.Pair("path", value.String(h.watchers[id])),
		))
	}
	h.mu.Unlock()
	return value.List(items...), nil
}

func (h *host) handleCustomMethods(ctx context.Context, args value.Value) (value.Value, *ipc.Error) {
	var custom []string
	for _, m := range h.srv.Methods() {
		if strings.HasPrefix(m, "custom.") && m != "custom.getMethods" {
			custom = append(custom, strings.TrimPrefix(m, "custom."))
		}
	}
	return stringList(custom), nil
}

func stringArg(args value.Value, name string) (string, *ipc.Error) {
	v, ok := args.Get(name)
	if !ok {
		return "", ipc.Errorf(ipc.CodeInvalidRequest, name+" required", nil)
	}
	s, ok := v.AsString()
	if !ok || s == "" {
		return "", ipc.Errorf(ipc.CodeInvalidRequest, name+" must be a non-empty string", nil)
	}
	return s, nil
}

func intArg(args value.Value, name string) (int64, bool) {
	v, ok := args.Get(name)
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func stringList(items []string) value.Value {
	out := make([]value.Value, len(items))
	for i, s := range items {
		out[i] = value.String(s)
	}
	return value.List(out...)
}
