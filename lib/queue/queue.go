// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides a fixed-capacity blocking FIFO.
//
// [Queue] is the synchronization primitive under the runtime's token
// pools: the object table keeps its free slot tokens in one, and each
// endpoint keeps its free call-correlation slots in another. It is also
// a plain rendezvous between goroutines (the bootstrap handle exchange
// arrives through a capacity-one queue).
//
// Push blocks while the queue is full and Pop blocks while it is empty.
// Neither ever drops an item. Closing a queue is terminal: it exists so
// that blocked goroutines can be released when the owning link dies,
// and any operation on a closed queue reports [ErrClosed].
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
)

var (
	// ErrTimeout is returned by PopTimeout when no item arrived in
	// time.
	ErrTimeout = errors.New("queue: pop timed out")

	// ErrClosed is returned by every blocking operation once Close
	// has been called.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a bounded multi-producer multi-consumer FIFO. The zero value
// is not usable; construct with New.
type Queue[T any] struct {
	items     chan T
	closed    chan struct{}
	closeOnce sync.Once
	clock     clock.Clock
}

// New returns an empty queue holding at most capacity items. Panics if
// capacity is not positive.
func New[T any](capacity int) *Queue[T] {
	return NewWithClock[T](capacity, clock.Real())
}

// NewWithClock is New with an explicit clock for PopTimeout.
func NewWithClock[T any](capacity int, c clock.Clock) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue[T]{
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
		clock:  clock.OrReal(c),
	}
}

// Push appends item, blocking while the queue is full.
func (q *Queue[T]) Push(item T) error {
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.items <- item:
		return nil
	case <-q.closed:
		return ErrClosed
	}
}

// Pop removes and returns the oldest item, blocking until one is
// available.
func (q *Queue[T]) Pop() (T, error) {
	var zero T
	if q.isClosed() {
		return zero, ErrClosed
	}
	select {
	case item := <-q.items:
		return item, nil
	case <-q.closed:
		return zero, ErrClosed
	}
}

// PopTimeout is Pop bounded by timeout. A non-positive timeout only
// succeeds if an item is already queued.
func (q *Queue[T]) PopTimeout(timeout time.Duration) (T, error) {
	var zero T
	if q.isClosed() {
		return zero, ErrClosed
	}
	if item, ok := q.TryPop(); ok {
		return item, nil
	}
	if timeout <= 0 {
		return zero, ErrTimeout
	}
	select {
	case item := <-q.items:
		return item, nil
	case <-q.closed:
		return zero, ErrClosed
	case <-q.clock.After(timeout):
		return zero, ErrTimeout
	}
}

// TryPop removes the oldest item if one is queued, without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Close releases every blocked Push and Pop with ErrClosed. Items still
// queued are abandoned. Idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

func (q *Queue[T]) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
