package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rexliu/hostbridge/pkg/logging"
	"github.com/rexliu/hostbridge/pkg/value"
)

func TestOnOffRemovesOnlyThatSubscription(t *testing.T) {
	b := NewBus(nil)
	var calls []string
	h := func(name string) Handler {
		return func(Event) error {
			calls = append(calls, name)
			return nil
		}
	}

	first := b.On("windowFocus", h("first"))
	second := b.On("windowFocus", h("second"))
	assert.Equal(t, 2, b.Count("windowFocus"))

	assert.True(t, b.Off("windowFocus", first))
	assert.False(t, b.Off("windowFocus", first))
	assert.False(t, b.Off("windowBlur", second))

	n := b.Dispatch("windowFocus", value.Null())
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"second"}, calls)
}

func TestDuplicateRegistrationRemovedOneAtATime(t *testing.T) {
	b := NewBus(nil)
	count := 0
	handler := func(Event) error { count++; return nil }

	a := b.On("ready", handler)
	b.On("ready", handler)
	assert.Equal(t, 2, b.Dispatch("ready", value.Null()))
	assert.True(t, b.Off("ready", a))
	assert.Equal(t, 1, b.Dispatch("ready", value.Null()))
	assert.Equal(t, 3, count)
}

func TestOffDuringDispatchAffectsOnlyLaterDispatches(t *testing.T) {
	b := NewBus(nil)
	var order []string
	var second *Subscription

	b.On("tick", func(Event) error {
		order = append(order, "a")
		b.Off("tick", second)
		b.On("tick", func(Event) error {
			order = append(order, "late")
			return nil
		})
		return nil
	})
	second = b.On("tick", func(Event) error {
		order = append(order, "b")
		return nil
	})

	assert.Equal(t, 2, b.Dispatch("tick", value.Null()))
	assert.Equal(t, []string{"a", "b"}, order)

	order = nil
	b.Dispatch("tick", value.Null())
	assert.Equal(t, []string{"a", "late"}, order)
}

func TestFailingHandlerDoesNotStopOthers(t *testing.T) {
	b := NewBus(nil)
	var reported []*HandlerError
	b.OnHandlerError(func(herr *HandlerError) { reported = append(reported, herr) })

	boom := errors.New("boom")
	var order []string
	b.On("serverOffline", func(Event) error {
		order = append(order, "a")
		return boom
	})
	b.On("serverOffline", func(Event) error {
		order = append(order, "b")
		panic("kaboom")
	})
	b.On("serverOffline", func(ev Event) error {
		s, _ := ev.Data.AsString()
		order = append(order, "c:"+s)
		return nil
	})

	n := b.Dispatch("serverOffline", value.String("x"))
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c:x"}, order)

	require.Len(t, reported, 2)
	assert.True(t, errors.Is(reported[0], boom))
	assert.Equal(t, 0, reported[0].Index)
	assert.Equal(t, "kaboom", reported[1].Panic)
	assert.Equal(t, 1, reported[1].Index)
	assert.NotEmpty(t, reported[1].Stack)
}

func TestHandlerErrorLoggedByDefault(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := NewBus(logging.FromZap(zap.New(core)))

	b.On("trayMenuItemClicked", func(Event) error { return errors.New("nope") })
	b.Dispatch("trayMenuItemClicked", value.Null())

	entries := logs.FilterMessage("event handler failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "trayMenuItemClicked", entries[0].ContextMap()["event"])
}

func TestCloseQuiescesBus(t *testing.T) {
	b := NewBus(nil)
	called := false
	b.On("ready", func(Event) error { called = true; return nil })
	b.Close()

	assert.Equal(t, 0, b.Dispatch("ready", value.Null()))
	sub := b.On("ready", func(Event) error { called = true; return nil })
	require.NotNil(t, sub)
	assert.Equal(t, 0, b.Dispatch("ready", value.Null()))
	assert.False(t, called)
	assert.Empty(t, b.Events())
}

func TestConcurrentRegistrationAndDispatch(t *testing.T) {
	b := NewBus(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := b.On("spin", func(Event) error { return nil })
			b.Off("spin", sub)
		}()
		go func() {
			defer wg.Done()
			b.Dispatch("spin", value.Null())
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Count("spin"))
}
