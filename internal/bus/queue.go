package bus

import (
	"context"
	"sync"

	"marketmaker/pkg/exception"
)

// Queue is a bounded in-memory queue with a single consumer. Items are delivered in
// publish order.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// TryPublish enqueues an item without blocking.
func (q *Queue[T]) TryPublish(item T) error {
	select {
	case <-q.done:
		return exception.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return exception.ErrQueueClosed
	default:
		return exception.ErrQueueFull
	}
}

// Publish enqueues an item, waiting for room until ctx is done or the queue closes.
func (q *Queue[T]) Publish(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return exception.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return exception.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C returns the receive side for select loops.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new items. Queued items stay readable.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Done is closed by Close.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Run consumes items until ctx is done or the queue is closed and drained.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.ch:
			handler(item)
		case <-q.done:
			for {
				select {
				case item := <-q.ch:
					handler(item)
				default:
					return
				}
			}
		}
	}
}
