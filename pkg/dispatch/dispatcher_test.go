package dispatch

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

type captureSender struct {
	mu   sync.Mutex
	reqs []ipc.Request
	err  error
	sent chan ipc.Request
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(chan ipc.Request, 256)}
}

func (s *captureSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	msg, err := ipc.Decode(payload)
	if err != nil {
		return err
	}
	s.reqs = append(s.reqs, *msg.Request)
	s.sent <- *msg.Request
	return nil
}

func ok(id uint64, data value.Value) ipc.Response {
	return ipc.Response{ID: id, Success: true, Data: data}
}

func TestCallResolvesWithResponse(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, time.Second, nil)

	call := d.Start("os.getEnv", value.Map(value.Pair("key", value.String("HOME"))), 0)
	req := <-sender.sent
	assert.Equal(t, call.ID(), req.ID)
	assert.Equal(t, "os.getEnv", req.Method)
	assert.Equal(t, 1, d.Pending())

	require.True(t, d.Resolve(ok(req.ID, value.String("/home/me"))))
	got, err := call.Wait(context.Background())
	require.NoError(t, err)
	s, _ := got.AsString()
	assert.Equal(t, "/home/me", s)
	assert.Equal(t, 0, d.Pending())
}

func TestConcurrentCallsGetTheirOwnResults(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, 5*time.Second, nil)

	const n = 50
	var wg sync.WaitGroup
	results := make([]int64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.Call(context.Background(), "debug.echo", value.Int(int64(i)), 0)
			errs[i] = err
			results[i], _ = v.AsInt()
		}(i)
	}

	// Answer in reverse arrival order with the request's own argument.
	reqs := make([]ipc.Request, 0, n)
	for len(reqs) < n {
		reqs = append(reqs, <-sender.sent)
	}
	seen := make(map[uint64]bool)
	for i := len(reqs) - 1; i >= 0; i-- {
		assert.False(t, seen[reqs[i].ID], "duplicate id %d", reqs[i].ID)
		seen[reqs[i].ID] = true
		assert.True(t, d.Resolve(ok(reqs[i].ID, reqs[i].Args)))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(i), results[i])
	}
}

func TestMethodErrorCarriesPayload(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, time.Second, nil)

	call := d.Start("filesystem.readFile", value.Null(), 0)
	req := <-sender.sent
	payload := value.Map(
		value.Pair("code", value.String("NE_FS_FILRDER")),
		value.Pair("message", value.String("unable to read")),
	)
	d.Resolve(ipc.Response{ID: req.ID, Success: false, Error: payload})

	_, err := call.Result()
	var merr *ipc.MethodError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "filesystem.readFile", merr.Method)
	assert.Equal(t, "NE_FS_FILRDER", merr.Code)
	assert.Equal(t, "unable to read", merr.Message)
	assert.True(t, value.Equal(payload, merr.Data))
}

func TestTimeoutThenLateResponseIsDropped(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, time.Second, nil)

	call := d.Start("computer.getCPUInfo", value.Null(), 20*time.Millisecond)
	req := <-sender.sent
	deadline, has := call.Deadline()
	assert.True(t, has)
	assert.False(t, deadline.IsZero())

	_, err := call.Result()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ipc.ErrTimeout))
	var terr *ipc.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, req.ID, terr.ID)

	assert.False(t, d.Resolve(ok(req.ID, value.String("late"))))
	_, err = call.Result()
	assert.True(t, errors.Is(err, ipc.ErrTimeout))
	assert.Equal(t, 0, d.Pending())
}

func TestZeroDefaultMeansNoDeadline(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, 0, nil)

	call := d.Start("app.getConfig", value.Null(), 0)
	_, has := call.Deadline()
	assert.False(t, has)

	select {
	case <-call.Done():
		t.Fatal("call settled without a response")
	case <-time.After(30 * time.Millisecond):
	}
	req := <-sender.sent
	d.Resolve(ok(req.ID, value.Bool(true)))
	<-call.Done()
}

func TestCloseFailsPendingCalls(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, time.Minute, nil)

	calls := []*Call{
		d.Start("window.show", value.Null(), 0),
		d.Start("window.hide", value.Null(), 0),
	}
	cause := errors.New("socket reset")
	d.Close(cause)

	for _, c := range calls {
		_, err := c.Result()
		assert.True(t, errors.Is(err, ipc.ErrConnectionClosed))
		assert.True(t, errors.Is(err, cause))
	}
	assert.Equal(t, 0, d.Pending())

	_, err := d.Call(context.Background(), "window.focus", value.Null(), 0)
	assert.True(t, errors.Is(err, ipc.ErrConnectionClosed))

	// Responses after close find nothing to settle.
	assert.False(t, d.Resolve(ok(calls[0].ID(), value.Null())))
}

func TestSendFailureSettlesCall(t *testing.T) {
	sender := newCaptureSender()
	sender.err = &ipc.ConnectionClosedError{Cause: errors.New("gone")}
	d := New(sender, time.Second, nil)

	_, err := d.Call(context.Background(), "os.open", value.Null(), 0)
	assert.True(t, errors.Is(err, ipc.ErrConnectionClosed))
	assert.Equal(t, 0, d.Pending())
}

func TestWaitAbandonsOnContextEnd(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	call := d.Start("os.execCommand", value.Null(), 0)
	cancel()
	_, err := call.Wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, d.Pending())
	assert.False(t, d.Resolve(ok(call.ID(), value.Null())))
}

func TestIDsAreUniqueAndIncreasing(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, time.Second, nil)
	a := d.Start("a.b", value.Null(), 0)
	b := d.Start("a.c", value.Null(), 0)
	assert.Greater(t, b.ID(), a.ID())
	d.Close(nil)
}

func TestUnknownResponseIDIsIgnored(t *testing.T) {
	sender := newCaptureSender()
	d := New(sender, time.Second, nil)

	first := d.Start("window.getTitle", value.Null(), 0)
	second := d.Start("window.isVisible", value.Null(), 0)
	<-sender.sent
	<-sender.sent
	require.Equal(t, 2, d.Pending())

	// an id never issued here, as a previous host incarnation might send
	assert.False(t, d.Resolve(ok(second.ID()+1000, value.String("stale"))))
	assert.False(t, d.Resolve(ipc.Response{ID: 0, Error: value.String("boom")}))
	assert.Equal(t, 2, d.Pending())
	select {
	case <-first.Done():
		t.Fatal("unrelated response settled a pending call")
	case <-second.Done():
		t.Fatal("unrelated response settled a pending call")
	default:
	}

	require.True(t, d.Resolve(ok(first.ID(), value.String("Main"))))
	got, err := first.Result()
	require.NoError(t, err)
	s, _ := got.AsString()
	assert.Equal(t, "Main", s)
	assert.Equal(t, 1, d.Pending())
	second.Cancel(nil)
}
