package queue

import (
	"errors"
	"sync"
)

// ErrFull is returned by Push when the queue already holds capacity items.
var ErrFull = errors.New("queue full")

// Queue is a fixed-capacity FIFO buffer. Push fails once capacity is reached;
// items are never evicted, overwritten, or reordered.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int
}

// New returns an empty queue holding at most capacity items. Capacities below
// one are raised to one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Push appends item at the tail, or fails with ErrFull.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.buf) {
		return ErrFull
	}
	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	return nil
}

// Pop removes and returns the oldest item; the bool is false when the queue
// is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item, true
}

// Drain removes and returns every queued item in arrival order. Returns nil
// when the queue is empty.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	out := make([]T, 0, q.count)
	var zero T
	for q.count > 0 {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	return out
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap reports the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}
