package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/hostbridge/pkg/ipc"
	"github.com/rexliu/hostbridge/pkg/value"
)

type recordedCall struct {
	method string
	args   value.Value
}

type fakeCaller struct {
	mu      sync.Mutex
	calls   []recordedCall
	replies map[string]func(args value.Value) (value.Value, error)
	nextID  int64
}

func newFakeCaller() *fakeCaller {
	f := &fakeCaller{replies: make(map[string]func(value.Value) (value.Value, error)), nextID: 100}
	alloc := func(value.Value) (value.Value, error) {
		f.nextID++
		return value.Int(f.nextID), nil
	}
	f.replies[MethodCreateWatcher] = alloc
	f.replies[MethodOpenFile] = alloc
	f.replies[MethodSpawnProcess] = func(value.Value) (value.Value, error) {
		f.nextID++
		return value.Map(value.Pair("id", value.Int(f.nextID)), value.Pair("pid", value.Int(4242))), nil
	}
	return f
}

func (f *fakeCaller) Call(_ context.Context, method string, args value.Value, _ time.Duration) (value.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{method, args})
	if reply, ok := f.replies[method]; ok {
		return reply(args)
	}
	return value.Null(), nil
}

func (f *fakeCaller) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

func pathArgs(path string) value.Value {
	return value.Map(value.Pair("path", value.String(path)))
}

func TestWatcherLifecycle(t *testing.T) {
	ctx := context.Background()
	caller := newFakeCaller()
	reg := New(caller, nil)

	id, err := reg.Create(ctx, KindWatcher, pathArgs("/tmp/a"))
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)

	h, err := reg.Query(KindWatcher, id)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a", h.Path)
	assert.Equal(t, KindWatcher, h.Kind)

	require.NoError(t, reg.Remove(ctx, KindWatcher, id))
	assert.Equal(t, []string{MethodCreateWatcher, MethodRemoveWatcher}, caller.methods())

	_, err = reg.Query(KindWatcher, id)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
	var herr *ipc.InvalidHandleError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "watcher", herr.Kind)
	assert.Equal(t, id, herr.ID)

	err = reg.Remove(ctx, KindWatcher, id)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
}

func TestRemovedHandleRejectsUpdate(t *testing.T) {
	ctx := context.Background()
	reg := New(newFakeCaller(), nil)

	id, err := reg.Create(ctx, KindOpenedFile, pathArgs("/tmp/log.txt"))
	require.NoError(t, err)
	require.NoError(t, reg.Update(ctx, KindOpenedFile, id, "read", value.Int(64)))
	require.NoError(t, reg.Remove(ctx, KindOpenedFile, id))

	err = reg.Update(ctx, KindOpenedFile, id, "read", value.Int(64))
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
	_, err = reg.Query(KindOpenedFile, id)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
}

func TestRemoveDropsEntryEvenWhenHostFails(t *testing.T) {
	ctx := context.Background()
	caller := newFakeCaller()
	caller.replies[MethodRemoveWatcher] = func(value.Value) (value.Value, error) {
		return value.Null(), errors.New("host says no")
	}
	reg := New(caller, nil)

	id, err := reg.Create(ctx, KindWatcher, pathArgs("/srv"))
	require.NoError(t, err)
	assert.Error(t, reg.Remove(ctx, KindWatcher, id))
	_, err = reg.Query(KindWatcher, id)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
}

func TestKindMismatchIsInvalid(t *testing.T) {
	ctx := context.Background()
	reg := New(newFakeCaller(), nil)

	id, err := reg.Create(ctx, KindWatcher, pathArgs("/srv"))
	require.NoError(t, err)

	_, err = reg.Query(KindOpenedFile, id)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
	err = reg.Update(ctx, KindWatcher, id, "poke", value.Null())
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
}

func TestSpawnedProcessTerminalUpdate(t *testing.T) {
	ctx := context.Background()
	caller := newFakeCaller()
	reg := New(caller, nil)

	args := value.Map(value.Pair("command", value.String("sleep 10")), value.Pair("cwd", value.String("/tmp")))
	id, err := reg.Create(ctx, KindSpawnedProcess, args)
	require.NoError(t, err)

	h, err := reg.Query(KindSpawnedProcess, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), h.PID)
	assert.Equal(t, "/tmp", h.Cwd)

	require.NoError(t, reg.Update(ctx, KindSpawnedProcess, id, "stdIn", value.String("hi")))
	require.NoError(t, reg.Update(ctx, KindSpawnedProcess, id, ProcessEventExit, value.Null()))
	_, err = reg.Query(KindSpawnedProcess, id)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))

	last := caller.calls[len(caller.calls)-1]
	assert.Equal(t, MethodUpdateSpawnedProcess, last.method)
	ev, _ := last.args.Get("event")
	s, _ := ev.AsString()
	assert.Equal(t, "exit", s)
}

func TestCreateValidatesParams(t *testing.T) {
	ctx := context.Background()
	caller := newFakeCaller()
	reg := New(caller, nil)

	_, err := reg.Create(ctx, KindWatcher, value.Null())
	assert.Error(t, err)
	_, err = reg.Create(ctx, KindSpawnedProcess, value.Map())
	assert.Error(t, err)
	_, err = reg.Create(ctx, Kind("socket"), pathArgs("/x"))
	assert.Error(t, err)
	assert.Empty(t, caller.methods())
}

func TestListOrdersByKindThenID(t *testing.T) {
	ctx := context.Background()
	reg := New(newFakeCaller(), nil)

	w1, _ := reg.Create(ctx, KindWatcher, pathArgs("/a"))
	f1, _ := reg.Create(ctx, KindOpenedFile, pathArgs("/b"))
	w2, _ := reg.Create(ctx, KindWatcher, pathArgs("/c"))

	all := reg.List()
	require.Len(t, all, 3)
	assert.Equal(t, KindOpenedFile, all[0].Kind)
	assert.Equal(t, f1, all[0].ID)
	assert.Equal(t, []int64{w1, w2}, []int64{all[1].ID, all[2].ID})

	watchers := reg.List(KindWatcher)
	assert.Len(t, watchers, 2)
	assert.Equal(t, 3, reg.Len())
}

func TestNotificationsUpdateHandles(t *testing.T) {
	ctx := context.Background()
	reg := New(newFakeCaller(), nil)

	fid, _ := reg.Create(ctx, KindOpenedFile, pathArgs("/var/log/app"))
	h, ok := reg.HandleNotification(EventOpenedFile, value.Map(
		value.Pair("id", value.Int(fid)),
		value.Pair("action", value.String("data")),
		value.Pair("data", value.String("hello")),
	))
	require.True(t, ok)
	assert.Equal(t, int64(5), h.Pos)
	assert.False(t, h.EOF)

	h, _ = reg.HandleNotification(EventOpenedFile, value.Map(
		value.Pair("id", value.Int(fid)),
		value.Pair("action", value.String("end")),
	))
	assert.True(t, h.EOF)

	wid, _ := reg.Create(ctx, KindWatcher, pathArgs("/etc"))
	h, ok = reg.HandleNotification(EventWatchFile, value.Map(
		value.Pair("id", value.Int(wid)),
		value.Pair("action", value.String("modify")),
		value.Pair("dir", value.String("/etc")),
		value.Pair("filename", value.String("hosts")),
	))
	require.True(t, ok)
	require.NotNil(t, h.LastChange)
	assert.Equal(t, "hosts", h.LastChange.Filename)

	pid, _ := reg.Create(ctx, KindSpawnedProcess, value.Map(value.Pair("command", value.String("ls"))))
	h, ok = reg.HandleNotification(EventSpawnedProcess, value.Map(
		value.Pair("id", value.Int(pid)),
		value.Pair("action", value.String("exit")),
		value.Pair("data", value.Int(3)),
	))
	require.True(t, ok)
	require.NotNil(t, h.ExitCode)
	assert.Equal(t, int64(3), *h.ExitCode)
	_, err := reg.Query(KindSpawnedProcess, pid)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))

	_, ok = reg.HandleNotification(EventWatchFile, value.Map(value.Pair("id", value.Int(999))))
	assert.False(t, ok)
	_, ok = reg.HandleNotification("windowClose", value.Null())
	assert.False(t, ok)
}

func TestRefreshOpenedFile(t *testing.T) {
	ctx := context.Background()
	caller := newFakeCaller()
	caller.replies[MethodGetOpenedFileInfo] = func(args value.Value) (value.Value, error) {
		id, _ := args.Get("id")
		return value.Map(
			value.Pair("id", id),
			value.Pair("eof", value.Bool(true)),
			value.Pair("pos", value.Int(128)),
			value.Pair("lastRead", value.Int(28)),
		), nil
	}
	reg := New(caller, nil)

	id, _ := reg.Create(ctx, KindOpenedFile, pathArgs("/data.bin"))
	h, err := reg.Refresh(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(128), h.Pos)
	assert.Equal(t, int64(28), h.LastRead)
	assert.True(t, h.EOF)

	_, err = reg.Refresh(ctx, id+50)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
}

func TestSyncWatchersWithHost(t *testing.T) {
	ctx := context.Background()
	caller := newFakeCaller()
	reg := New(caller, nil)

	kept, _ := reg.Create(ctx, KindWatcher, pathArgs("/kept"))
	gone, _ := reg.Create(ctx, KindWatcher, pathArgs("/gone"))
	caller.replies[MethodGetWatchers] = func(value.Value) (value.Value, error) {
		return value.List(
			value.Map(value.Pair("id", value.Int(kept)), value.Pair("path", value.String("/kept"))),
			value.Map(value.Pair("id", value.Int(7)), value.Pair("path", value.String("/other"))),
		), nil
	}

	n, err := reg.Sync(ctx, KindWatcher)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = reg.Query(KindWatcher, gone)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
	h, err := reg.Query(KindWatcher, 7)
	require.NoError(t, err)
	assert.Equal(t, "/other", h.Path)

	_, err = reg.Sync(ctx, KindOpenedFile)
	assert.Error(t, err)
}

func TestExitBeforeCreateReturnsIsNotTracked(t *testing.T) {
	ctx := context.Background()
	caller := newFakeCaller()
	reg := New(caller, nil)
	// the host reports the exit ahead of the spawn response
	caller.replies[MethodSpawnProcess] = func(value.Value) (value.Value, error) {
		_, ok := reg.HandleNotification(EventSpawnedProcess, value.Map(
			value.Pair("id", value.Int(5)),
			value.Pair("action", value.String("exit")),
			value.Pair("data", value.Int(0)),
		))
		assert.False(t, ok)
		return value.Map(value.Pair("id", value.Int(5)), value.Pair("pid", value.Int(99))), nil
	}

	id, err := reg.Create(ctx, KindSpawnedProcess, value.Map(value.Pair("command", value.String("true"))))
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)

	_, err = reg.Query(KindSpawnedProcess, id)
	assert.True(t, errors.Is(err, ipc.ErrInvalidHandle))
	assert.True(t, errors.Is(reg.Update(ctx, KindSpawnedProcess, id, "stdIn", value.String("x")), ipc.ErrInvalidHandle))

	h, ok := reg.Exited(id)
	require.True(t, ok)
	assert.Equal(t, int64(99), h.PID)
	require.NotNil(t, h.ExitCode)
	assert.Equal(t, int64(0), *h.ExitCode)
}

func TestEarlyFileEventsAppliedOnCreate(t *testing.T) {
	ctx := context.Background()
	caller := newFakeCaller()
	reg := New(caller, nil)
	caller.replies[MethodOpenFile] = func(value.Value) (value.Value, error) {
		reg.HandleNotification(EventOpenedFile, value.Map(
			value.Pair("id", value.Int(12)),
			value.Pair("action", value.String("data")),
			value.Pair("data", value.String("abc")),
		))
		reg.HandleNotification(EventOpenedFile, value.Map(
			value.Pair("id", value.Int(12)),
			value.Pair("action", value.String("end")),
		))
		return value.Int(12), nil
	}

	id, err := reg.Create(ctx, KindOpenedFile, pathArgs("/tmp/short"))
	require.NoError(t, err)
	h, err := reg.Query(KindOpenedFile, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.Pos)
	assert.True(t, h.EOF)
}

func TestEarlyEventsAreBounded(t *testing.T) {
	reg := New(newFakeCaller(), nil)
	for i := 0; i < maxEarlyEvents+10; i++ {
		reg.HandleNotification(EventWatchFile, value.Map(
			value.Pair("id", value.Int(int64(1000+i))),
			value.Pair("action", value.String("modify")),
		))
	}
	reg.mu.Lock()
	n := len(reg.early)
	oldest := reg.early[0].key.id
	reg.mu.Unlock()
	assert.Equal(t, maxEarlyEvents, n)
	assert.Equal(t, int64(1010), oldest)
}

func TestExitCodeVisibleAfterExit(t *testing.T) {
	ctx := context.Background()
	reg := New(newFakeCaller(), nil)

	id, err := reg.Create(ctx, KindSpawnedProcess, value.Map(value.Pair("command", value.String("make"))))
	require.NoError(t, err)
	_, ok := reg.Exited(id)
	assert.False(t, ok)

	reg.HandleNotification(EventSpawnedProcess, value.Map(
		value.Pair("id", value.Int(id)),
		value.Pair("action", value.String("stdOut")),
		value.Pair("data", value.String("ok\n")),
	))
	reg.HandleNotification(EventSpawnedProcess, value.Map(
		value.Pair("id", value.Int(id)),
		value.Pair("action", value.String("exit")),
		value.Pair("data", value.Int(2)),
	))

	h, ok := reg.Exited(id)
	require.True(t, ok)
	require.NotNil(t, h.ExitCode)
	assert.Equal(t, int64(2), *h.ExitCode)
	assert.Equal(t, int64(3), h.Output)
	assert.Equal(t, "make", h.Command)
}

func TestBinaryDataAdvancesByDecodedSize(t *testing.T) {
	ctx := context.Background()
	reg := New(newFakeCaller(), nil)
	id, _ := reg.Create(ctx, KindOpenedFile, pathArgs("/data.bin"))

	// "AAECAwQF" is six bytes encoded
	h, ok := reg.HandleNotification(EventOpenedFile, value.Map(
		value.Pair("id", value.Int(id)),
		value.Pair("action", value.String("dataBinary")),
		value.Pair("data", value.String("AAECAwQF")),
	))
	require.True(t, ok)
	assert.Equal(t, int64(6), h.Pos)
	assert.Equal(t, int64(6), h.LastRead)
}
