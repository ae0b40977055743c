// Package events provides a small typed observer bus. Subscriptions return
// disposers; delivery is synchronous and follows subscription order.
package events

import (
	"sync"

	"github.com/soyeahso/parley/internal/logging"
)

// Any subscribes to every event name.
const Any = "*"

// Handler receives one event.
type Handler[T any] func(event string, v T)

type entry[T any] struct {
	id      uint64
	event   string
	handler Handler[T]
}

// Bus dispatches named events to subscribers.
type Bus[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
	nextID  uint64
	log     *logging.Logger
}

// NewBus creates an empty bus. Handler panics are logged against log.
func NewBus[T any](log *logging.Logger) *Bus[T] {
	return &Bus[T]{log: log}
}

// On subscribes h to event (or Any). The returned disposer removes exactly
// this subscription; calling it again, or after Clear, is a no-op.
func (b *Bus[T]) On(event string, h Handler[T]) (dispose func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.entries = append(b.entries, entry[T]{id: id, event: event, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.id == id {
			b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
			return
		}
	}
}

// Emit delivers v to every matching subscriber in subscription order.
// Subscribers added or removed during delivery take effect on the next Emit.
// A panicking handler is logged and does not stop the others.
func (b *Bus[T]) Emit(event string, v T) {
	b.mu.RLock()
	snapshot := make([]entry[T], 0, len(b.entries))
	for _, e := range b.entries {
		if e.event == event || e.event == Any {
			snapshot = append(snapshot, e)
		}
	}
	b.mu.RUnlock()

	for _, e := range snapshot {
		b.call(e, event, v)
	}
}

func (b *Bus[T]) call(e entry[T], event string, v T) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Error().Interface("panic", r).Str("event", event).Msg("event handler panicked")
		}
	}()
	e.handler(event, v)
}

// Count returns how many subscribers event has, excluding Any subscribers.
func (b *Bus[T]) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, e := range b.entries {
		if e.event == event {
			n++
		}
	}
	return n
}

// Events lists event names with at least one subscriber.
func (b *Bus[T]) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range b.entries {
		if !seen[e.event] {
			seen[e.event] = true
			out = append(out, e.event)
		}
	}
	return out
}

// Clear drops every subscription.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}
