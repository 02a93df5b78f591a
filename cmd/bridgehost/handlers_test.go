package main

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/hostbridge/pkg/bridge"
	"github.com/rexliu/hostbridge/pkg/config"
	"github.com/rexliu/hostbridge/pkg/ipc"
	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/storage/sqlite"
	"github.com/rexliu/hostbridge/pkg/value"
)

func startHost(t *testing.T, cfg *config.ProfileConfig) (*bridge.Bridge, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))

	stopped := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopped) })
		cancel()
	}

	srv := ipc.NewHost(logging.Nop())
	newHost(cfg, store, srv, stop, logging.Nop()).registerHandlers()

	clientSide, hostSide := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.ServeConn(ctx, hostSide)
	}()
	b, err := bridge.New(clientSide, bridge.Options{DefaultTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		b.Close()
		cancel()
		<-served
		store.Close()
	})
	return b, stopped
}

func TestStorageHandlers(t *testing.T) {
	b, _ := startHost(t, config.DefaultProfile("test"))
	ctx := context.Background()

	require.NoError(t, b.Storage.SetData(ctx, "session", "abc"))
	require.NoError(t, b.Storage.SetData(ctx, "prefs", "{}"))
	got, err := b.Storage.GetData(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	keys, err := b.Storage.GetKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"prefs", "session"}, keys)

	// setData without data clears the key
	_, err = b.Call(ctx, "storage.setData", value.Map(value.Pair("key", value.String("session"))))
	require.NoError(t, err)
	_, err = b.Storage.GetData(ctx, "session")
	var merr *ipc.MethodError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, codeStorageKeyMissing, merr.Code)

	err = b.Storage.SetData(ctx, "bad key!", "x")
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, codeStorageKeyInvalid, merr.Code)
}

func TestExtensionHandlers(t *testing.T) {
	cfg := config.DefaultProfile("test")
	cfg.Host.Extensions.Loaded = []string{"js.ext.fs"}
	cfg.Host.Extensions.Connected = []string{"js.ext.worker"}
	b, _ := startHost(t, cfg)
	ctx := context.Background()

	stats, err := b.Extensions.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"js.ext.fs", "js.ext.worker"}, stats.Loaded)
	assert.Equal(t, []string{"js.ext.worker"}, stats.Connected)

	err = b.Extensions.Dispatch(ctx, "js.ext.fs", "scan", value.Null())
	var merr *ipc.MethodError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, codeExtensionNotLinked, merr.Code)

	require.NoError(t, b.Extensions.Dispatch(ctx, "js.ext.worker", "scan", value.Null()))
}

func TestWatcherHandlers(t *testing.T) {
	b, _ := startHost(t, config.DefaultProfile("test"))
	ctx := context.Background()

	first, err := b.Filesystem.CreateWatcher(ctx, "/tmp/one")
	require.NoError(t, err)
	second, err := b.Filesystem.CreateWatcher(ctx, "/tmp/two")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	watchers, err := b.Filesystem.GetWatchers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bridge.Watcher{{ID: first, Path: "/tmp/one"}, {ID: second, Path: "/tmp/two"}}, watchers)

	_, err = b.Filesystem.RemoveWatcher(ctx, first)
	require.NoError(t, err)
	_, err = b.Filesystem.RemoveWatcher(ctx, first)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))

	// the host forgets too
	_, err = b.Call(ctx, "filesystem.removeWatcher", value.Map(value.Pair("id", value.Int(first))))
	var merr *ipc.MethodError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, codeWatcherMissing, merr.Code)
}

func TestAppHandlers(t *testing.T) {
	b, stopped := startHost(t, config.DefaultProfile("test"))
	ctx := context.Background()

	cfg, err := b.GetConfig(ctx)
	require.NoError(t, err)
	name, _ := cfg.Get("profileName")
	s, _ := name.AsString()
	assert.Equal(t, "test", s)

	methods, err := b.Custom.GetMethods(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, methods)

	require.NoError(t, b.Debug.Log(ctx, "hello from test", bridge.LogWarning))

	require.NoError(t, b.Exit(ctx, 0))
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("app.exit did not stop the host")
	}
}
