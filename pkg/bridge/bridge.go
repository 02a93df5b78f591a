// Package bridge is the client facade over a native host connection.
//
// A Bridge owns one transport, one dispatcher, one event bus and one
// resource registry. Inbound responses are settled on the transport's
// reader goroutine; notifications update the resource registry there and
// are then handed, in arrival order, to a separate pump goroutine that runs
// event handlers. Handlers may therefore issue calls through the same
// Bridge without stalling response delivery.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rexliu/hostbridge/pkg/config"
	"github.com/rexliu/hostbridge/pkg/dispatch"
	"github.com/rexliu/hostbridge/pkg/events"
	"github.com/rexliu/hostbridge/pkg/ipc"
	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/resource"
	"github.com/rexliu/hostbridge/pkg/transport"
	"github.com/rexliu/hostbridge/pkg/value"
)

// EventBridgeClosed is dispatched locally once the transport has closed.
// Its data is a map holding the close "reason".
const EventBridgeClosed = "bridgeClosed"

// Options tune a Bridge.
type Options struct {
	// DefaultTimeout applies to calls made without an explicit timeout.
	// Zero disables the default deadline.
	DefaultTimeout time.Duration
}

// OptionsFromConfig derives Options from a profile.
func OptionsFromConfig(cfg *config.ProfileConfig) Options {
	return Options{DefaultTimeout: cfg.CallTimeout()}
}

// Bridge is a connected client session.
type Bridge struct {
	sessionID string
	logger    *logging.Logger
	opts      Options

	conn      *transport.Conn
	disp      *dispatch.Dispatcher
	bus       *events.Bus
	resources *resource.Registry

	queueMu sync.Mutex
	queue   []ipc.Notification
	closing error
	wake    chan struct{}
	done    chan struct{}

	Clipboard  Clipboard
	Computer   Computer
	Custom     Custom
	Debug      Debug
	Events     Events
	Extensions Extensions
	Filesystem Filesystem
	OS         OS
	Storage    Storage
	Updater    Updater
	Window     Window
}

// Open dials the host named by cfg. Relative unix socket paths resolve
// against profileDir.
func Open(ctx context.Context, cfg *config.ProfileConfig, profileDir string, logger *logging.Logger) (*Bridge, error) {
	address := cfg.Transport.Address
	if cfg.Transport.Network == "unix" {
		address = config.ResolvePath(profileDir, address)
	}
	dialCtx := ctx
	if d := cfg.DialTimeout(); d > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	conn, err := transport.Dial(dialCtx, cfg.Transport.Network, address, logger)
	if err != nil {
		return nil, err
	}
	return start(conn, OptionsFromConfig(cfg), logger)
}

// New starts a Bridge over an established duplex stream.
func New(rwc io.ReadWriteCloser, opts Options, logger *logging.Logger) (*Bridge, error) {
	return start(transport.New(rwc, logger), opts, logger)
}

func start(conn *transport.Conn, opts Options, logger *logging.Logger) (*Bridge, error) {
	sessionID := ipc.NewSessionID()
	log := logging.OrNop(logger).With("session", sessionID)
	b := &Bridge{
		sessionID: sessionID,
		logger:    log,
		opts:      opts,
		conn:      conn,
		bus:       events.NewBus(log),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	b.disp = dispatch.New(conn, opts.DefaultTimeout, log)
	b.resources = resource.New(b.disp, log)
	b.Clipboard = Clipboard{b}
	b.Computer = Computer{b}
	b.Custom = Custom{b}
	b.Debug = Debug{b}
	b.Events = Events{b}
	b.Extensions = Extensions{b}
	b.Filesystem = Filesystem{b}
	b.OS = OS{b}
	b.Storage = Storage{b}
	b.Updater = Updater{b}
	b.Window = Window{b}

	go b.pump()
	if err := conn.Start(consumer{b}); err != nil {
		conn.Close()
		b.shutdown(err)
		return nil, err
	}
	log.Debugf("bridge connected")
	return b, nil
}

// SessionID identifies this bridge in logs.
func (b *Bridge) SessionID() string { return b.sessionID }

// State reports the transport state.
func (b *Bridge) State() transport.State { return b.conn.State() }

// Resources exposes the handle registry.
func (b *Bridge) Resources() *resource.Registry { return b.resources }

// Bus exposes the local event bus.
func (b *Bridge) Bus() *events.Bus { return b.bus }

// Pending reports the number of calls awaiting a response.
func (b *Bridge) Pending() int { return b.disp.Pending() }

// Call invokes any host method with the default timeout.
func (b *Bridge) Call(ctx context.Context, method string, args value.Value) (value.Value, error) {
	return b.disp.Call(ctx, method, args, 0)
}

// CallTimeout invokes a host method with its own timeout.
func (b *Bridge) CallTimeout(ctx context.Context, method string, args value.Value, timeout time.Duration) (value.Value, error) {
	return b.disp.Call(ctx, method, args, timeout)
}

// Close shuts the transport down. Pending calls fail with
// ipc.ErrConnectionClosed; use Done to wait for the event pump to drain.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// Done is closed after the transport has closed and every queued event,
// including the final bridgeClosed event, has been dispatched.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err returns the transport's close cause once Done is closed.
func (b *Bridge) Err() error { return b.conn.Err() }

// consumer keeps the transport callbacks off the Bridge's public surface.
type consumer struct{ b *Bridge }

func (c consumer) HandleFrame(payload []byte) {
	b := c.b
	msg, err := ipc.Decode(payload)
	if err != nil {
		b.logger.Warnf("dropping malformed frame: %v", err)
		return
	}
	switch msg.Kind {
	case ipc.KindResponse:
		b.disp.Resolve(*msg.Response)
	case ipc.KindEvent:
		n := *msg.Notification
		if h, ok := b.resources.HandleNotification(n.Event, n.Data); ok {
			b.logger.Debugw("resource event", "event", n.Event, "kind", h.Kind, "id", h.ID)
		}
		b.enqueue(n)
	default:
		b.logger.Warnf("ignoring %s message from host", msg.Kind)
	}
}

func (c consumer) HandleClose(cause error) {
	c.b.shutdown(cause)
}

func (b *Bridge) shutdown(cause error) {
	b.disp.Close(cause)
	b.queueMu.Lock()
	if b.closing == nil {
		if cause == nil {
			cause = transport.ErrClosedLocally
		}
		b.closing = cause
	}
	b.queueMu.Unlock()
	b.signal()
}

func (b *Bridge) enqueue(n ipc.Notification) {
	b.queueMu.Lock()
	b.queue = append(b.queue, n)
	b.queueMu.Unlock()
	b.signal()
}

func (b *Bridge) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) pump() {
	defer close(b.done)
	for range b.wake {
		b.queueMu.Lock()
		batch := b.queue
		b.queue = nil
		cause := b.closing
		b.queueMu.Unlock()

		for _, n := range batch {
			b.bus.Dispatch(n.Event, n.Data)
		}
		if cause == nil {
			continue
		}
		// frames cannot arrive after close, but drain anything queued
		// between the batch above and the close signal
		b.queueMu.Lock()
		rest := b.queue
		b.queue = nil
		b.queueMu.Unlock()
		for _, n := range rest {
			b.bus.Dispatch(n.Event, n.Data)
		}
		reason := cause.Error()
		if errors.Is(cause, transport.ErrClosedLocally) {
			reason = "closed"
		}
		b.logger.Infof("bridge closed: %v", cause)
		b.bus.Dispatch(EventBridgeClosed, value.Map(value.Pair("reason", value.String(reason))))
		b.bus.Close()
		return
	}
}

// decodeCall invokes method and decodes its result into T.
func decodeCall[T any](ctx context.Context, b *Bridge, method string, args value.Value) (T, error) {
	var out T
	res, err := b.Call(ctx, method, args)
	if err != nil {
		return out, err
	}
	if err := res.Decode(&out); err != nil {
		return out, fmt.Errorf("bridge: decode %s result: %w", method, err)
	}
	return out, nil
}

func voidCall(ctx context.Context, b *Bridge, method string, args value.Value) error {
	_, err := b.Call(ctx, method, args)
	return err
}

func obj(fields ...value.Field) value.Value {
	return value.Map(fields...)
}

// merge folds the fields of an options struct into base. Zero-valued
// options tagged omitempty are left out.
func merge(base value.Value, opts any) (value.Value, error) {
	if opts == nil {
		return base, nil
	}
	v, err := value.From(opts)
	if err != nil {
		return base, fmt.Errorf("bridge: encode options: %w", err)
	}
	for _, f := range v.Fields() {
		base = base.With(f.Key, f.Value)
	}
	return base, nil
}
