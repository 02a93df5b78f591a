package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/hostbridge/pkg/ipc"
)

type recorder struct {
	mu     sync.Mutex
	frames []string
	closes []error
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 64)}
}

func (r *recorder) HandleFrame(payload []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(payload))
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) HandleClose(cause error) {
	r.mu.Lock()
	r.closes = append(r.closes, cause)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...), append([]error(nil), r.closes...)
}

func waitFrames(t *testing.T, r *recorder, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not close")
	}
}

func TestSendRequiresConnected(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()
	c := New(client, nil)
	assert.Equal(t, StateConnecting, c.State())

	err := c.Send([]byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ipc.ErrConnectionClosed))
}

func TestFramesDeliveredInOrder(t *testing.T) {
	client, peer := net.Pipe()
	c := New(client, nil)
	rec := newRecorder()
	require.NoError(t, c.Start(rec))
	assert.Equal(t, StateConnected, c.State())

	go func() {
		for _, msg := range []string{"one", "two", "three"} {
			_ = ipc.WriteFrame(peer, []byte(msg))
		}
	}()
	waitFrames(t, rec, 3)

	frames, _ := rec.snapshot()
	assert.Equal(t, []string{"one", "two", "three"}, frames)

	require.NoError(t, c.Close())
	waitDone(t, c)
	peer.Close()
}

func TestSendWritesFrame(t *testing.T) {
	client, peer := net.Pipe()
	c := New(client, nil)
	require.NoError(t, c.Start(newRecorder()))

	got := make(chan []byte, 1)
	go func() {
		payload, err := ipc.ReadFrame(peer)
		if err == nil {
			got <- payload
		}
	}()
	require.NoError(t, c.Send([]byte(`{"kind":"request"}`)))
	select {
	case payload := <-got:
		assert.Equal(t, `{"kind":"request"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received frame")
	}
	c.Close()
	peer.Close()
}

func TestPeerCloseNotifiesConsumerOnce(t *testing.T) {
	client, peer := net.Pipe()
	c := New(client, nil)
	rec := newRecorder()
	require.NoError(t, c.Start(rec))

	peer.Close()
	waitDone(t, c)

	assert.Equal(t, StateClosed, c.State())
	_, closes := rec.snapshot()
	require.Len(t, closes, 1)
	assert.Error(t, closes[0])
	assert.Equal(t, closes[0], c.Err())

	// A second close is a no-op and never re-notifies.
	require.NoError(t, c.Close())
	_, closes = rec.snapshot()
	assert.Len(t, closes, 1)

	err := c.Send([]byte(`{}`))
	assert.True(t, errors.Is(err, ipc.ErrConnectionClosed))
}

func TestLocalCloseReportsCause(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()
	c := New(client, nil)
	rec := newRecorder()
	require.NoError(t, c.Start(rec))

	require.NoError(t, c.Close())
	waitDone(t, c)

	_, closes := rec.snapshot()
	require.Len(t, closes, 1)
	assert.True(t, errors.Is(closes[0], ErrClosedLocally))
}

func TestCloseBeforeStart(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()
	c := New(client, nil)

	require.NoError(t, c.Close())
	waitDone(t, c)
	assert.Equal(t, StateClosed, c.State())
	assert.Error(t, c.Start(newRecorder()))
}

func TestStartTwiceFails(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()
	c := New(client, nil)
	require.NoError(t, c.Start(newRecorder()))
	assert.Error(t, c.Start(newRecorder()))
	c.Close()
}
