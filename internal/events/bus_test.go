package events

import (
	"sync"
	"testing"

	"github.com/soyeahso/parley/internal/logging"
	"github.com/stretchr/testify/assert"
)

func testBus() *Bus[string] {
	return NewBus[string](logging.New(nil, "silent"))
}

func TestEmitFollowsSubscriptionOrder(t *testing.T) {
	b := testBus()

	var order []string
	b.On("chat:deliver", func(_ string, v string) { order = append(order, "first:"+v) })
	b.On(Any, func(ev string, v string) { order = append(order, "any:"+ev) })
	b.On("chat:deliver", func(_ string, v string) { order = append(order, "second:"+v) })
	b.On("chat:typing", func(_ string, v string) { order = append(order, "typing") })

	b.Emit("chat:deliver", "m1")
	assert.Equal(t, []string{"first:m1", "any:chat:deliver", "second:m1"}, order)
}

func TestDisposerRemovesExactlyOneHandler(t *testing.T) {
	b := testBus()

	var calls []string
	h := func(name string) Handler[string] {
		return func(string, string) { calls = append(calls, name) }
	}
	b.On("x", h("a"))
	disposeB := b.On("x", h("b"))
	b.On("x", h("c"))

	disposeB()
	disposeB()
	b.Emit("x", "")

	assert.Equal(t, []string{"a", "c"}, calls)
	assert.Equal(t, 2, b.Count("x"))
}

func TestDisposerAfterClearIsNoop(t *testing.T) {
	b := testBus()
	dispose := b.On("x", func(string, string) {})
	b.Clear()
	b.On("x", func(string, string) {})

	dispose()
	assert.Equal(t, 1, b.Count("x"))
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := testBus()
	var reached bool
	b.On("x", func(string, string) { panic("boom") })
	b.On("x", func(string, string) { reached = true })

	assert.NotPanics(t, func() { b.Emit("x", "") })
	assert.True(t, reached)
}

func TestSubscribeDuringEmit(t *testing.T) {
	b := testBus()
	var late int
	b.On("x", func(string, string) {
		b.On("x", func(string, string) { late++ })
	})

	b.Emit("x", "")
	assert.Equal(t, 0, late)
	b.Emit("x", "")
	assert.Equal(t, 1, late)
}

func TestEvents(t *testing.T) {
	b := testBus()
	b.On("a", func(string, string) {})
	b.On("b", func(string, string) {})
	b.On("a", func(string, string) {})
	assert.ElementsMatch(t, []string{"a", "b"}, b.Events())
}

func TestConcurrentOnAndEmit(t *testing.T) {
	b := testBus()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			dispose := b.On("x", func(string, string) {})
			dispose()
		}()
		go func() {
			defer wg.Done()
			b.Emit("x", "v")
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Count("x"))
}
