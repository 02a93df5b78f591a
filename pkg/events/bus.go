// Package events is the bridge's local publish/subscribe bus.
//
// Each event name owns an immutable subscriber slice that is replaced on
// every On/Off, so a dispatch iterates the slice it loaded at its start and
// is unaffected by changes made while it runs.
package events

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/value"
)

// Event is what a handler receives.
type Event struct {
	Name string
	Data value.Value
}

// Handler reacts to an event. A returned error is reported, never
// propagated to the dispatcher of the event.
type Handler func(Event) error

// Subscription is the token returned by On and accepted by Off.
type Subscription struct {
	event   string
	handler Handler
}

// Event returns the subscribed event name.
func (s *Subscription) Event() string { return s.event }

// HandlerError describes a handler that failed or panicked.
type HandlerError struct {
	Event string
	Index int
	Err   error
	Panic any
	Stack []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("events: handler %d for %q panicked: %v", e.Index, e.Event, e.Panic)
	}
	return fmt.Sprintf("events: handler %d for %q failed: %v", e.Index, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Bus fans events out to subscribers.
type Bus struct {
	logger *logging.Logger

	mu      sync.Mutex
	subs    map[string][]*Subscription
	closed  bool
	onError func(*HandlerError)
}

// NewBus creates an empty bus. Handler failures are logged at warn level
// until OnHandlerError installs another hook.
func NewBus(logger *logging.Logger) *Bus {
	return &Bus{
		logger: logging.OrNop(logger),
		subs:   make(map[string][]*Subscription),
	}
}

// OnHandlerError replaces the diagnostic hook. A nil hook restores logging.
func (b *Bus) OnHandlerError(hook func(*HandlerError)) {
	b.mu.Lock()
	b.onError = hook
	b.mu.Unlock()
}

// On registers handler for event. The same function may be registered
// more than once; each registration gets its own Subscription.
func (b *Bus) On(event string, handler Handler) *Subscription {
	sub := &Subscription{event: event, handler: handler}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || handler == nil {
		return sub
	}
	cur := b.subs[event]
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[event] = append(next, sub)
	return sub
}

// Off removes sub from event. It reports whether anything was removed.
func (b *Bus) Off(event string, sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.subs[event]
	for i, s := range cur {
		if s != sub {
			continue
		}
		if len(cur) == 1 {
			delete(b.subs, event)
			return true
		}
		next := make([]*Subscription, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		b.subs[event] = next
		return true
	}
	return false
}

// Dispatch invokes, in registration order, every handler subscribed to
// event when the call began. It returns the number of handlers invoked.
func (b *Bus) Dispatch(event string, data value.Value) int {
	b.mu.Lock()
	snapshot := b.subs[event]
	hook := b.onError
	b.mu.Unlock()

	ev := Event{Name: event, Data: data}
	for i, sub := range snapshot {
		if herr := invoke(sub.handler, ev, i); herr != nil {
			b.report(hook, herr)
		}
	}
	return len(snapshot)
}

// Count reports the number of subscribers for event.
func (b *Bus) Count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Events lists event names with at least one subscriber.
func (b *Bus) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, name)
	}
	return names
}

// Close drops every subscription. Later dispatches deliver nothing and
// later registrations are never invoked.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()
}

func invoke(h Handler, ev Event, index int) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{Event: ev.Name, Index: index, Panic: r, Stack: debug.Stack()}
		}
	}()
	if err := h(ev); err != nil {
		return &HandlerError{Event: ev.Name, Index: index, Err: err}
	}
	return nil
}

func (b *Bus) report(hook func(*HandlerError), herr *HandlerError) {
	if hook != nil {
		hook(herr)
		return
	}
	b.logger.Warnw("event handler failed", "event", herr.Event, "handler", herr.Index, "error", herr.Error())
}
