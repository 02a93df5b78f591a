// Package dispatch correlates bridge requests with host responses.
//
// Each call gets a fresh id and a pending entry; a response, deadline,
// abandonment or transport close settles it, and whichever comes first wins.
// Responses for ids that are not pending are logged and ignored.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexliu/hostbridge/pkg/ipc"
	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/value"
)

// Sender hands an encoded request to the transport.
type Sender interface {
	Send(payload []byte) error
}

// Dispatcher correlates requests with responses. Every call it starts is
// settled exactly once: by its response, by its deadline, by abandonment,
// or by the transport closing.
type Dispatcher struct {
	sender         Sender
	defaultTimeout time.Duration
	logger         *logging.Logger
	nextID         atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*Call
	closed  error
}

// New creates a Dispatcher. Calls started with a non-positive timeout use
// defaultTimeout; a zero default means such calls have no deadline.
func New(sender Sender, defaultTimeout time.Duration, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		sender:         sender,
		defaultTimeout: defaultTimeout,
		logger:         logging.OrNop(logger),
		pending:        make(map[uint64]*Call),
	}
}

// Call issues method and blocks until it settles or ctx ends.
func (d *Dispatcher) Call(ctx context.Context, method string, args value.Value, timeout time.Duration) (value.Value, error) {
	return d.Start(method, args, timeout).Wait(ctx)
}

// Start registers and sends a call without waiting for it.
func (d *Dispatcher) Start(method string, args value.Value, timeout time.Duration) *Call {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	c := &Call{
		id:      d.nextID.Add(1),
		method:  method,
		timeout: timeout,
		done:    make(chan struct{}),
		d:       d,
	}
	if timeout > 0 {
		c.deadline = time.Now().Add(timeout)
	}

	payload, err := ipc.EncodeRequest(ipc.Request{ID: c.id, Method: method, Args: args})
	if err != nil {
		c.complete(value.Null(), fmt.Errorf("encode %s: %w", method, err))
		return c
	}

	d.mu.Lock()
	if d.closed != nil {
		closed := d.closed
		d.mu.Unlock()
		c.complete(value.Null(), closed)
		return c
	}
	d.pending[c.id] = c
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			d.settle(c.id, value.Null(), &ipc.TimeoutError{Method: method, ID: c.id, Timeout: timeout})
		})
	}
	d.mu.Unlock()

	if err := d.sender.Send(payload); err != nil {
		d.settle(c.id, value.Null(), err)
	}
	return c
}

// Resolve settles the call matching resp. Responses for unknown or already
// settled ids are dropped and reported as false.
func (d *Dispatcher) Resolve(resp ipc.Response) bool {
	d.mu.Lock()
	c, ok := d.pending[resp.ID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debugf("dropping response for unmatched call %d", resp.ID)
		return false
	}
	var err error
	data := resp.Data
	if !resp.Success {
		err = ipc.NewMethodError(c.method, resp.Error)
		data = value.Null()
	}
	if !d.settle(resp.ID, data, err) {
		d.logger.Debugf("dropping late response for call %d (%s)", resp.ID, c.method)
		return false
	}
	return true
}

// Close fails every pending call with a connection-closed error and rejects
// calls started afterwards.
func (d *Dispatcher) Close(cause error) {
	closed := &ipc.ConnectionClosedError{Cause: cause}
	d.mu.Lock()
	if d.closed != nil {
		d.mu.Unlock()
		return
	}
	d.closed = closed
	calls := make([]*Call, 0, len(d.pending))
	for id, c := range d.pending {
		calls = append(calls, c)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if len(calls) > 0 {
		d.logger.Infof("failing %d pending calls: %v", len(calls), cause)
	}
	for _, c := range calls {
		c.complete(value.Null(), closed)
	}
}

// Pending reports the number of unsettled calls.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// settle removes id from the pending table and completes it. Only the
// caller that removes the entry completes the call.
func (d *Dispatcher) settle(id uint64, data value.Value, err error) bool {
	d.mu.Lock()
	c, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	if err != nil && errors.Is(err, ipc.ErrTimeout) {
		d.logger.Warnf("call %d (%s) timed out after %s", id, c.method, c.timeout)
	}
	c.complete(data, err)
	return true
}

// Call is one in-flight request with single-use completion.
type Call struct {
	id       uint64
	method   string
	timeout  time.Duration
	deadline time.Time
	timer    *time.Timer
	d        *Dispatcher

	done chan struct{}
	data value.Value
	err  error
}

// ID returns the correlation id.
func (c *Call) ID() uint64 { return c.id }

// Method returns the called method name.
func (c *Call) Method() string { return c.method }

// Deadline reports when the call times out, if it has a deadline.
func (c *Call) Deadline() (time.Time, bool) {
	return c.deadline, !c.deadline.IsZero()
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result blocks until the call settles and returns its outcome.
func (c *Call) Result() (value.Value, error) {
	<-c.done
	return c.data, c.err
}

// Wait blocks until the call settles or ctx ends. When ctx ends first the
// call is abandoned; if its response won the race, that response is returned.
func (c *Call) Wait(ctx context.Context) (value.Value, error) {
	select {
	case <-c.done:
		return c.data, c.err
	case <-ctx.Done():
		c.Cancel(ctx.Err())
		<-c.done
		return c.data, c.err
	}
}

// Cancel abandons the call with cause unless it has already settled. A
// response arriving afterwards is dropped.
func (c *Call) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	if c.d == nil {
		return
	}
	c.d.settle(c.id, value.Null(), fmt.Errorf("%s (call %d) abandoned: %w", c.method, c.id, cause))
}

func (c *Call) complete(data value.Value, err error) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.data = data
	c.err = err
	close(c.done)
}
