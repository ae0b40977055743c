package events

import "sync"

// Queue feeds values to a sink from a single goroutine in push order. Push
// never blocks, so producers such as socket readers cannot be stalled by a
// slow consumer.
type Queue[T any] struct {
	sink func(T)

	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewQueue starts the delivery goroutine.
func NewQueue[T any](sink func(T)) *Queue[T] {
	q := &Queue[T]{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push appends v. It reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, v := range batch {
			q.sink(v)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

// Close stops accepting values. Already queued values are still delivered.
// Close does not wait, so a sink may close its own queue.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the goroutine has delivered everything and exited.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }
