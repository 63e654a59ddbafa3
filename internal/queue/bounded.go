// Package queue provides the bounded in-memory queues that carry slices to
// workers and results back to the coordinator.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrFull is returned by Offer when the queue is at capacity.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Bounded is a fixed-capacity FIFO queue with non-blocking Offer/Poll and
// context-aware Put/Take. Capacity is set once and never grows.
type Bounded[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewBounded constructs a queue with the provided capacity.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Bounded[T]{ch: make(chan T, capacity), done: make(chan struct{})}
}

// Offer adds item without blocking.
func (q *Bounded[T]) Offer(item T) error {
	if q.Closed() {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Put adds item, blocking while the queue is full, until ctx ends or the
// queue is closed.
func (q *Bounded[T]) Put(ctx context.Context, item T) error {
	if q.Closed() {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("put canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Poll removes the head without blocking. ok is false when the queue is empty.
// Concurrent pollers never receive the same item.
func (q *Bounded[T]) Poll() (item T, ok bool) {
	select {
	case item, ok = <-q.ch:
		return item, ok
	default:
		return item, false
	}
}

// Take removes the head, blocking until an item arrives or ctx ends. A closed
// empty queue returns ErrClosed.
func (q *Bounded[T]) Take(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("take canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		// Closed queues still hand out what they hold.
		if item, ok := q.Poll(); ok {
			return item, nil
		}
		return zero, ErrClosed
	}
}

// Len returns the number of queued items.
func (q *Bounded[T]) Len() int {
	return len(q.ch)
}

// Cap returns the fixed capacity.
func (q *Bounded[T]) Cap() int {
	return cap(q.ch)
}

// Clear discards queued items and returns how many were removed.
func (q *Bounded[T]) Clear() int {
	n := 0
	for {
		if _, ok := q.Poll(); !ok {
			return n
		}
		n++
	}
}

// Close rejects further puts and wakes blocked Put calls. Items already
// queued can still be taken. Close is idempotent.
func (q *Bounded[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Closed reports whether Close was called.
func (q *Bounded[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
