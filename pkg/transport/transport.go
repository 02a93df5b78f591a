// Package transport carries framed messages between a bridge and its native
// host over any duplex byte stream.
//
// A Conn moves through Connecting, Connected, Closing, and Closed exactly
// once; there is no reconnection. Inbound frames are handed, in arrival
// order, to a single Consumer from one reader goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rexliu/hostbridge/pkg/ipc"
	"github.com/rexliu/hostbridge/pkg/logging"
)

// State is the lifecycle position of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrClosedLocally is the close cause reported when Close was called.
var ErrClosedLocally = errors.New("transport: closed locally")

// Consumer receives everything the reader loop produces. HandleFrame is
// never called concurrently with itself, and HandleClose is called exactly
// once, after the last HandleFrame.
type Consumer interface {
	HandleFrame(payload []byte)
	HandleClose(cause error)
}

// Conn is a framed duplex channel to the host.
type Conn struct {
	rwc      io.ReadWriteCloser
	state    atomic.Int32
	writeMu  sync.Mutex
	logger   *logging.Logger
	consumer Consumer

	mu         sync.Mutex
	localCause error

	finishOnce sync.Once
	done       chan struct{}
	cause      error
}

// New wraps an established stream. The Conn starts in StateConnecting.
func New(rwc io.ReadWriteCloser, logger *logging.Logger) *Conn {
	return &Conn{
		rwc:    rwc,
		logger: logging.OrNop(logger),
		done:   make(chan struct{}),
	}
}

// Dial connects to a host listening on network/address.
func Dial(ctx context.Context, network, address string, logger *logging.Logger) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return New(conn, logger), nil
}

// Start moves the Conn to StateConnected and launches the reader loop.
func (c *Conn) Start(consumer Consumer) error {
	if consumer == nil {
		return errors.New("transport: nil consumer")
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return fmt.Errorf("transport: cannot start in state %s", c.State())
	}
	c.consumer = consumer
	go c.readLoop()
	return nil
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once the Conn reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the close cause once Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// Send writes one message. It only hands the frame to the stream; delivery
// is not confirmed.
func (c *Conn) Send(payload []byte) error {
	if st := c.State(); st != StateConnected {
		return &ipc.ConnectionClosedError{Cause: fmt.Errorf("transport %s", st)}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if st := c.State(); st != StateConnected {
		return &ipc.ConnectionClosedError{Cause: fmt.Errorf("transport %s", st)}
	}
	if err := ipc.WriteFrame(c.rwc, payload); err != nil {
		if errors.Is(err, ipc.ErrFrameTooLarge) {
			return err
		}
		c.logger.Warnf("write failed, closing transport: %v", err)
		c.shutdown(err)
		return &ipc.ConnectionClosedError{Cause: err}
	}
	return nil
}

// Close shuts the stream down. It does not wait for the reader loop; use
// Done for that.
func (c *Conn) Close() error {
	prev, ok := c.beginClosing()
	if !ok {
		return nil
	}
	c.setLocalCause(ErrClosedLocally)
	err := c.rwc.Close()
	if prev == StateConnecting {
		c.finish(nil)
	}
	return err
}

func (c *Conn) shutdown(cause error) {
	if _, ok := c.beginClosing(); !ok {
		return
	}
	c.setLocalCause(cause)
	c.rwc.Close()
}

func (c *Conn) beginClosing() (State, bool) {
	for {
		cur := State(c.state.Load())
		if cur == StateClosing || cur == StateClosed {
			return cur, false
		}
		if c.state.CompareAndSwap(int32(cur), int32(StateClosing)) {
			return cur, true
		}
	}
}

func (c *Conn) setLocalCause(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localCause == nil {
		c.localCause = err
	}
}

func (c *Conn) readLoop() {
	for {
		payload, err := ipc.ReadFrame(c.rwc)
		if err != nil {
			c.finish(err)
			return
		}
		c.consumer.HandleFrame(payload)
	}
}

func (c *Conn) finish(readErr error) {
	c.finishOnce.Do(func() {
		c.beginClosing()
		c.mu.Lock()
		cause := c.localCause
		c.mu.Unlock()
		if cause == nil {
			switch {
			case readErr == nil:
				cause = ErrClosedLocally
			case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
				cause = fmt.Errorf("transport: peer closed: %w", readErr)
			default:
				cause = fmt.Errorf("transport: read: %w", readErr)
			}
		}
		c.rwc.Close()
		c.cause = cause
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.logger.Debugf("transport closed: %v", cause)
		if c.consumer != nil {
			c.consumer.HandleClose(cause)
		}
	})
}
