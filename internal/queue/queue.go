package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Pop once the queue is closed and drained.
	ErrClosed = errors.New("queue closed")
)

// Queue is an unbounded FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	mutex     sync.Mutex
	items     []T
	closed    bool
	notify    chan struct{}
	closeChan chan struct{}
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push appends v. It reports false when the queue is already closed.
func (q *Queue[T]) Push(v T) bool {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mutex.Unlock()
	q.signal()
	return true
}

// TryPop removes the head without blocking.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.items) == 0 {
		return
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return v, true
}

// Pop blocks until an item is available, the queue is closed and empty, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (v T, err error) {
	var ok bool
	for {
		if v, ok = q.TryPop(); ok {
			return
		}
		q.mutex.Lock()
		closed := q.closed && len(q.items) == 0
		q.mutex.Unlock()
		if closed {
			err = ErrClosed
			return
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-q.notify:
		case <-q.closeChan:
		}
	}
}

// Drain removes and returns everything currently buffered.
func (q *Queue[T]) Drain() []T {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

func (q *Queue[T]) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

// Close stops accepting new items. Buffered items can still be popped.
func (q *Queue[T]) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeChan)
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		notify:    make(chan struct{}, 1),
		closeChan: make(chan struct{}),
	}
}
