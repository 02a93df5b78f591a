// Package resource tracks host-owned handles (file watchers, opened files,
// spawned processes) on the client side of the bridge.
package resource

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rexliu/hostbridge/pkg/ipc"
	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/value"
)

// Kind names a class of host resource.
type Kind string

const (
	KindWatcher        Kind = "watcher"
	KindOpenedFile     Kind = "openedFile"
	KindSpawnedProcess Kind = "spawnedProcess"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWatcher, KindOpenedFile, KindSpawnedProcess:
		return true
	}
	return false
}

// Host method names used by the registry.
const (
	MethodCreateWatcher        = "filesystem.createWatcher"
	MethodRemoveWatcher        = "filesystem.removeWatcher"
	MethodGetWatchers          = "filesystem.getWatchers"
	MethodOpenFile             = "filesystem.openFile"
	MethodUpdateOpenedFile     = "filesystem.updateOpenedFile"
	MethodGetOpenedFileInfo    = "filesystem.getOpenedFileInfo"
	MethodSpawnProcess         = "os.spawnProcess"
	MethodUpdateSpawnedProcess = "os.updateSpawnedProcess"
	MethodGetSpawnedProcesses  = "os.getSpawnedProcesses"
)

// Notification events that carry resource activity.
const (
	EventOpenedFile     = "openedFile"
	EventSpawnedProcess = "spawnedProcess"
	EventWatchFile      = "watchFile"
)

// Terminal update events.
const (
	FileEventClose   = "close"
	ProcessEventExit = "exit"
)

// Actions reported in resource notifications.
const (
	fileActionData    = "data"
	fileActionBinary  = "dataBinary"
	fileActionEnd     = "end"
	processActionOut  = "stdOut"
	processActionErr  = "stdErr"
	processActionExit = "exit"
)

// Caller issues host calls; the bridge dispatcher satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, args value.Value, timeout time.Duration) (value.Value, error)
}

// WatchChange is the last filesystem change a watcher reported.
type WatchChange struct {
	Action   string
	Dir      string
	Filename string
	At       time.Time
}

// Handle is the client's view of one host resource. Only the fields that
// apply to Kind are set.
type Handle struct {
	ID        int64
	Kind      Kind
	CreatedAt time.Time

	// watcher and openedFile
	Path string

	// watcher
	LastChange *WatchChange

	// openedFile
	Pos      int64
	LastRead int64
	EOF      bool

	// spawnedProcess
	Command  string
	Cwd      string
	PID      int64
	Output   int64
	ExitCode *int64
}

type key struct {
	kind Kind
	id   int64
}

// Registry maps (kind, id) to handle metadata. Ids are allocated by the
// host and are never assumed to be dense or ordered.
type Registry struct {
	caller Caller
	logger *logging.Logger

	mu      sync.Mutex
	handles map[key]*Handle
	early   []earlyEvent // notifications for ids whose create has not returned
	exited  []Handle     // last state of processes that reported exit, oldest first
}

// earlyEvent is a notification that named a handle before its create call
// returned. The host may emit activity before the create response.
type earlyEvent struct {
	key    key
	action string
	data   value.Value
	at     time.Time
}

const (
	maxEarlyEvents = 64
	earlyEventTTL  = 5 * time.Second
	maxExited      = 128
)

// New creates an empty registry that issues host calls through caller.
func New(caller Caller, logger *logging.Logger) *Registry {
	return &Registry{
		caller:  caller,
		logger:  logging.OrNop(logger),
		handles: make(map[key]*Handle),
	}
}

// Create asks the host for a new resource and tracks it. params is a map:
// watchers and opened files need "path", processes need "command" and
// accept "cwd".
func (r *Registry) Create(ctx context.Context, kind Kind, params value.Value) (int64, error) {
	h := &Handle{Kind: kind, CreatedAt: time.Now()}
	var (
		method string
		args   value.Value
	)
	switch kind {
	case KindWatcher, KindOpenedFile:
		h.Path = stringField(params, "path")
		if h.Path == "" {
			return 0, fmt.Errorf("resource: create %s: path required", kind)
		}
		method = MethodCreateWatcher
		if kind == KindOpenedFile {
			method = MethodOpenFile
		}
		args = value.Map(value.Pair("path", value.String(h.Path)))
	case KindSpawnedProcess:
		h.Command = stringField(params, "command")
		if h.Command == "" {
			return 0, fmt.Errorf("resource: create %s: command required", kind)
		}
		h.Cwd = stringField(params, "cwd")
		method = MethodSpawnProcess
		args = value.Map(value.Pair("command", value.String(h.Command)))
		if h.Cwd != "" {
			args = args.With("cwd", value.String(h.Cwd))
		}
	default:
		return 0, fmt.Errorf("resource: unknown kind %q", kind)
	}

	res, err := r.caller.Call(ctx, method, args, 0)
	if err != nil {
		return 0, err
	}
	if kind == KindSpawnedProcess {
		id, ok := intField(res, "id")
		if !ok {
			return 0, fmt.Errorf("resource: %s returned no id: %s", method, res)
		}
		h.ID = id
		h.PID, _ = intField(res, "pid")
	} else {
		id, ok := res.AsInt()
		if !ok {
			return 0, fmt.Errorf("resource: %s returned non-integer id: %s", method, res)
		}
		h.ID = id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind, h.ID}
	for _, ev := range r.takeEarly(k) {
		if r.apply(h, ev.action, ev.data) {
			// finished before the create response was handled
			r.logger.Debugw("resource ended before create returned", "kind", kind, "id", h.ID)
			return h.ID, nil
		}
	}
	r.handles[k] = h
	r.logger.Debugw("resource created", "kind", kind, "id", h.ID)
	return h.ID, nil
}

// Exited returns the final state of a spawned process that reported exit.
// Only the most recent exits are kept.
func (r *Registry) Exited(id int64) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.exited) - 1; i >= 0; i-- {
		if r.exited[i].ID == id {
			return r.exited[i].clone(), true
		}
	}
	return Handle{}, false
}

// Query returns a copy of the handle's metadata.
func (r *Registry) Query(kind Kind, id int64) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key{kind, id}]
	if !ok {
		return Handle{}, invalid(kind, id)
	}
	return h.clone(), nil
}

// Update sends a control event to a live opened file or spawned process.
// A terminal event ("close" for files, "exit" for processes) stops
// tracking the handle once the host accepts it.
func (r *Registry) Update(ctx context.Context, kind Kind, id int64, event string, data value.Value) error {
	var method, terminal string
	switch kind {
	case KindOpenedFile:
		method, terminal = MethodUpdateOpenedFile, FileEventClose
	case KindSpawnedProcess:
		method, terminal = MethodUpdateSpawnedProcess, ProcessEventExit
	default:
		return invalid(kind, id)
	}
	if !r.has(kind, id) {
		return invalid(kind, id)
	}
	if _, err := r.caller.Call(ctx, method, updateArgs(id, event, data), 0); err != nil {
		return err
	}
	if event == terminal {
		r.forget(kind, id)
	}
	return nil
}

// Refresh reloads an opened file's position and eof state from the host.
func (r *Registry) Refresh(ctx context.Context, id int64) (Handle, error) {
	if !r.has(KindOpenedFile, id) {
		return Handle{}, invalid(KindOpenedFile, id)
	}
	res, err := r.caller.Call(ctx, MethodGetOpenedFileInfo, value.Map(value.Pair("id", value.Int(id))), 0)
	if err != nil {
		return Handle{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key{KindOpenedFile, id}]
	if !ok {
		return Handle{}, invalid(KindOpenedFile, id)
	}
	if pos, ok := intField(res, "pos"); ok {
		h.Pos = pos
	}
	if last, ok := intField(res, "lastRead"); ok {
		h.LastRead = last
	}
	if eof, ok := res.Get("eof"); ok {
		h.EOF, _ = eof.AsBool()
	}
	return h.clone(), nil
}

// Remove releases a handle. The local entry is dropped whatever the host
// answers, so a handle is never valid after Remove returns.
func (r *Registry) Remove(ctx context.Context, kind Kind, id int64) error {
	if !r.forget(kind, id) {
		return invalid(kind, id)
	}
	var err error
	switch kind {
	case KindWatcher:
		_, err = r.caller.Call(ctx, MethodRemoveWatcher, value.Map(value.Pair("id", value.Int(id))), 0)
	case KindOpenedFile:
		_, err = r.caller.Call(ctx, MethodUpdateOpenedFile, updateArgs(id, FileEventClose, value.Null()), 0)
	case KindSpawnedProcess:
		_, err = r.caller.Call(ctx, MethodUpdateSpawnedProcess, updateArgs(id, ProcessEventExit, value.Null()), 0)
	}
	if err != nil {
		r.logger.Warnw("host release failed", "kind", kind, "id", id, "error", err)
		return fmt.Errorf("resource: release %s %d: %w", kind, id, err)
	}
	return nil
}

// List returns handles of the given kinds, or of every kind when none are
// given, ordered by kind and then id.
func (r *Registry) List(kinds ...Kind) []Handle {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	r.mu.Lock()
	out := make([]Handle, 0, len(r.handles))
	for k, h := range r.handles {
		if len(want) == 0 || want[k.kind] {
			out = append(out, h.clone())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len reports the number of tracked handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Sync replaces the tracked watchers or processes with the host's own list.
func (r *Registry) Sync(ctx context.Context, kind Kind) (int, error) {
	var method string
	switch kind {
	case KindWatcher:
		method = MethodGetWatchers
	case KindSpawnedProcess:
		method = MethodGetSpawnedProcesses
	default:
		return 0, fmt.Errorf("resource: %s cannot be listed by the host", kind)
	}
	res, err := r.caller.Call(ctx, method, value.Null(), 0)
	if err != nil {
		return 0, err
	}
	if res.Kind() != value.KindList {
		return 0, fmt.Errorf("resource: %s returned %s, want list", method, res.Kind())
	}

	fresh := make(map[key]*Handle, res.Len())
	for _, item := range res.Items() {
		id, ok := intField(item, "id")
		if !ok {
			continue
		}
		h := &Handle{ID: id, Kind: kind, CreatedAt: time.Now()}
		if kind == KindWatcher {
			h.Path = stringField(item, "path")
		} else {
			h.PID, _ = intField(item, "pid")
		}
		fresh[key{kind, id}] = h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, h := range r.handles {
		if k.kind != kind {
			continue
		}
		if nh, ok := fresh[k]; ok {
			// keep client-side metadata for handles both sides know
			if nh.Path == "" {
				nh.Path = h.Path
			}
			nh.Command, nh.Cwd, nh.CreatedAt = h.Command, h.Cwd, h.CreatedAt
			nh.LastChange, nh.Output = h.LastChange, h.Output
			continue
		}
		delete(r.handles, k)
	}
	for k, h := range fresh {
		r.handles[k] = h
	}
	return len(fresh), nil
}

// HandleNotification applies resource activity carried by a host event.
// It reports the handle's state after the update, and false when the event
// is not a resource event or names an untracked handle. Events for untracked
// ids are held briefly in case their create call has not returned yet.
func (r *Registry) HandleNotification(event string, data value.Value) (Handle, bool) {
	var kind Kind
	switch event {
	case EventOpenedFile:
		kind = KindOpenedFile
	case EventSpawnedProcess:
		kind = KindSpawnedProcess
	case EventWatchFile:
		kind = KindWatcher
	default:
		return Handle{}, false
	}
	id, ok := intField(data, "id")
	if !ok {
		return Handle{}, false
	}
	action := stringField(data, "action")
	k := key{kind, id}

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[k]
	if !ok {
		r.logger.Debugw("event for untracked handle", "event", event, "id", id)
		r.holdEarly(earlyEvent{key: k, action: action, data: data, at: time.Now()})
		return Handle{}, false
	}
	if r.apply(h, action, data) {
		delete(r.handles, k)
	}
	return h.clone(), true
}

// apply folds one notification into h and reports whether it ended the
// resource. Exited processes are remembered for Exited. r.mu must be held.
func (r *Registry) apply(h *Handle, action string, data value.Value) bool {
	payload, _ := data.Get("data")
	switch h.Kind {
	case KindOpenedFile:
		switch action {
		case fileActionData:
			n := int64(payloadLen(payload, false))
			h.Pos += n
			h.LastRead = n
		case fileActionBinary:
			n := int64(payloadLen(payload, true))
			h.Pos += n
			h.LastRead = n
		case fileActionEnd:
			h.EOF = true
		}
	case KindSpawnedProcess:
		switch action {
		case processActionOut, processActionErr:
			h.Output += int64(payloadLen(payload, false))
		case processActionExit:
			if code, ok := payload.AsInt(); ok {
				h.ExitCode = &code
			}
			r.exited = append(r.exited, h.clone())
			if len(r.exited) > maxExited {
				r.exited = r.exited[len(r.exited)-maxExited:]
			}
			return true
		}
	case KindWatcher:
		h.LastChange = &WatchChange{
			Action:   action,
			Dir:      stringField(data, "dir"),
			Filename: stringField(data, "filename"),
			At:       time.Now(),
		}
	}
	return false
}

// holdEarly buffers ev, dropping expired entries and then the oldest ones
// beyond the cap. r.mu must be held.
func (r *Registry) holdEarly(ev earlyEvent) {
	r.pruneEarly(ev.at)
	r.early = append(r.early, ev)
	if len(r.early) > maxEarlyEvents {
		r.early = r.early[len(r.early)-maxEarlyEvents:]
	}
}

// takeEarly removes and returns the buffered events for k in arrival order.
// r.mu must be held.
func (r *Registry) takeEarly(k key) []earlyEvent {
	r.pruneEarly(time.Now())
	var out []earlyEvent
	kept := r.early[:0]
	for _, ev := range r.early {
		if ev.key == k {
			out = append(out, ev)
			continue
		}
		kept = append(kept, ev)
	}
	r.early = kept
	return out
}

func (r *Registry) pruneEarly(now time.Time) {
	i := 0
	for i < len(r.early) && now.Sub(r.early[i].at) > earlyEventTTL {
		i++
	}
	if i > 0 {
		r.early = append(r.early[:0], r.early[i:]...)
	}
}

func (r *Registry) has(kind Kind, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[key{kind, id}]
	return ok
}

func (r *Registry) forget(kind Kind, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind, id}
	if _, ok := r.handles[k]; !ok {
		return false
	}
	delete(r.handles, k)
	return true
}

func (h *Handle) clone() Handle {
	c := *h
	if h.LastChange != nil {
		lc := *h.LastChange
		c.LastChange = &lc
	}
	if h.ExitCode != nil {
		code := *h.ExitCode
		c.ExitCode = &code
	}
	return c
}

func invalid(kind Kind, id int64) error {
	return &ipc.InvalidHandleError{Kind: string(kind), ID: id}
}

func updateArgs(id int64, event string, data value.Value) value.Value {
	args := value.Map(
		value.Pair("id", value.Int(id)),
		value.Pair("event", value.String(event)),
	)
	if !data.IsNull() {
		args = args.With("data", data)
	}
	return args
}

func stringField(v value.Value, name string) string {
	f, ok := v.Get(name)
	if !ok {
		return ""
	}
	s, _ := f.AsString()
	return s
}

func intField(v value.Value, name string) (int64, bool) {
	f, ok := v.Get(name)
	if !ok {
		return 0, false
	}
	return f.AsInt()
}

// payloadLen measures a data payload. Binary payloads arrive base64
// encoded and are measured by their decoded size.
func payloadLen(v value.Value, binary bool) int {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		if binary {
			if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
				return len(raw)
			}
			return base64.StdEncoding.DecodedLen(len(s))
		}
		return len(s)
	case value.KindList:
		return v.Len()
	}
	return 0
}
