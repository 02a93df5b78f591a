package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"

	"github.com/rexliu/hostbridge/pkg/value"
)

// HandlerFunc processes call args and returns a result or structured error.
type HandlerFunc func(context.Context, value.Value) (value.Value, *Error)

// Logger is satisfied by logging.Logger; kept minimal to avoid dependency cycles.
type Logger interface {
	Printf(format string, v ...any)
}

// Host is the native side of the bridge: it serves method calls over framed
// connections and pushes notifications to every connected client. Requests
// on one connection are handled concurrently, so responses may be reordered.
type Host struct {
	ln       net.Listener
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	conns    map[*hostConn]struct{}
	closed   bool
	logger   Logger
}

type hostConn struct {
	id      string
	rwc     io.ReadWriteCloser
	writeMu sync.Mutex
}

// NewHost constructs a host with no registered methods.
func NewHost(logger Logger) *Host {
	return &Host{
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*hostConn]struct{}),
		logger:   logger,
	}
}

// Register installs a handler for a method.
func (h *Host) Register(method string, handler HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = handler
}

// Methods lists registered method names in sorted order.
func (h *Host) Methods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start begins accepting connections on a unix socket at endpoint.
func (h *Host) Start(ctx context.Context, endpoint string) error {
	if h == nil {
		return errors.New("nil host")
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()
	go h.acceptLoop(ctx, ln)
	return nil
}

func (h *Host) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || h.isClosed() {
				return
			}
			h.logf("accept error: %v", err)
			continue
		}
		go func() {
			if err := h.ServeConn(ctx, conn); err != nil {
				h.logf("connection ended: %v", err)
			}
		}()
	}
}

// ServeConn serves requests read from rwc until the stream ends, ctx is
// cancelled, or the host stops. rwc is closed on return.
func (h *Host) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	c := &hostConn{id: NewSessionID(), rwc: rwc}
	if !h.track(c) {
		rwc.Close()
		return errors.New("ipc: host stopped")
	}
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer h.untrack(c)
	defer wg.Wait()
	defer cancel()

	go func() {
		<-connCtx.Done()
		rwc.Close()
	}()

	for {
		payload, err := readFrame(rwc)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || connCtx.Err() != nil {
				return nil
			}
			return err
		}
		msg, err := Decode(payload)
		if err != nil {
			h.logf("conn %s: dropping malformed message: %v", c.id, err)
			continue
		}
		if msg.Kind != KindRequest {
			h.logf("conn %s: ignoring %s message from client", c.id, msg.Kind)
			continue
		}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			h.handle(connCtx, c, req)
		}(*msg.Request)
	}
}

func (h *Host) handle(ctx context.Context, c *hostConn, req Request) {
	handler := h.lookupHandler(req.Method)
	if handler == nil {
		h.writeError(c, req.ID, Errorf(CodeUnknownMethod, "unknown method", map[string]any{"method": req.Method}))
		return
	}
	result, rpcErr := h.invoke(ctx, handler, req)
	resp := Response{ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr.Value()
	} else {
		resp.Success = true
		resp.Data = result
	}
	if err := h.writeResponse(c, resp); err != nil {
		h.logf("conn %s: write response for %s (call %d): %v", c.id, req.Method, req.ID, err)
	}
}

func (h *Host) invoke(ctx context.Context, handler HandlerFunc, req Request) (result value.Value, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			h.logf("handler %s panicked: %v", req.Method, r)
			result, rpcErr = value.Null(), Errorf(CodeInternal, fmt.Sprint(r), nil)
		}
	}()
	return handler(ctx, req.Args)
}

func (h *Host) lookupHandler(method string) HandlerFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[method]
}

func (h *Host) writeResponse(c *hostConn, resp Response) error {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (h *Host) writeError(c *hostConn, id uint64, rpcErr *Error) {
	if err := h.writeResponse(c, Response{ID: id, Error: rpcErr.Value()}); err != nil {
		h.logf("conn %s: write error response: %v", c.id, err)
	}
}

func (c *hostConn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.rwc, payload)
}

// Notify sends an event to every live connection and reports how many
// connections accepted it.
func (h *Host) Notify(event string, data value.Value) int {
	payload, err := EncodeNotification(Notification{Event: event, Data: data})
	if err != nil {
		h.logf("event encode error: %v", err)
		return 0
	}
	h.mu.RLock()
	conns := make([]*hostConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if err := c.write(payload); err != nil {
			h.logf("conn %s: dropping event %s: %v", c.id, event, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Connections reports the number of live connections.
func (h *Host) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Host) track(c *hostConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Host) untrack(c *hostConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.rwc.Close()
}

// Stop shuts down the listener and every live connection.
func (h *Host) Stop() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*hostConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	ln := h.ln
	h.mu.Unlock()

	for _, c := range conns {
		c.rwc.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (h *Host) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Host) logf(format string, v ...any) {
	if h.logger != nil {
		h.logger.Printf(format, v...)
	} else {
		log.Printf(format, v...)
	}
}
