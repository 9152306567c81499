// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package objtable is the per-port table of locally owned objects
// reachable through remote handles.
//
// The table has a fixed number of slots chosen when the port is
// created. Free slot tokens live in a [queue.Queue], so Create pops a
// token and Remove pushes it back, both in O(1). Running out of tokens
// is a hard failure: Create waits at most TokenTimeout for another
// goroutine to free a slot and then panics with [*ExhaustedError],
// since a port that has exported that many live handles almost
// certainly leaks them.
//
// The table does not count imports. The importer sends exactly one
// delete per handle, and that delete is the only event that removes a
// slot. Removing an empty slot, or reading one, is a double free or a
// use after free of a remote reference; both panic with [*SlotError].
package objtable

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/queue"
)

// DefaultTokenTimeout bounds how long Create waits for a free token
// when Options.TokenTimeout is zero.
const DefaultTokenTimeout = time.Second

// Options configures a Table.
type Options struct {
	// TokenTimeout bounds Create's wait for a free token.
	TokenTimeout time.Duration

	// Clock drives TokenTimeout. Nil means wall-clock time.
	Clock clock.Clock
}

// ExhaustedError is the panic value of a Create that found no free
// token in time.
type ExhaustedError struct {
	Size    int
	Timeout time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("objtable: all %d slots in use after waiting %v (handle leak?)", e.Size, e.Timeout)
}

// SlotError is the panic value of an operation on a slot that holds no
// object.
type SlotError struct {
	Operation string
	Object    handle.ObjectID
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("objtable: %s of empty slot %d", e.Operation, e.Object)
}

type slot[T any] struct {
	object   T
	occupied bool
}

// Table maps slot tokens to objects of type T.
type Table[T any] struct {
	mu      sync.RWMutex
	slots   []slot[T]
	live    int
	free    *queue.Queue[handle.ObjectID]
	timeout time.Duration
}

// New returns a table with size free slots. Panics if size is not
// positive.
func New[T any](size int, options Options) *Table[T] {
	if size <= 0 {
		panic("objtable: size must be positive")
	}
	timeout := options.TokenTimeout
	if timeout <= 0 {
		timeout = DefaultTokenTimeout
	}
	free := queue.NewWithClock[handle.ObjectID](size, options.Clock)
	for token := 0; token < size; token++ {
		free.Push(handle.ObjectID(token))
	}
	return &Table[T]{
		slots:   make([]slot[T], size),
		free:    free,
		timeout: timeout,
	}
}

// Create stores object in a free slot and returns its token.
func (t *Table[T]) Create(object T) handle.ObjectID {
	token, err := t.free.PopTimeout(t.timeout)
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			panic(&ExhaustedError{Size: len(t.slots), Timeout: t.timeout})
		}
		panic(fmt.Sprintf("objtable: free token queue: %v", err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[token].occupied {
		panic(fmt.Sprintf("objtable: free token %d names an occupied slot", token))
	}
	t.slots[token] = slot[T]{object: object, occupied: true}
	t.live++
	return token
}

// Remove clears the slot and returns its object. The token becomes
// available to Create.
func (t *Table[T]) Remove(token handle.ObjectID) T {
	t.mu.Lock()
	if !t.inRange(token) || !t.slots[token].occupied {
		t.mu.Unlock()
		panic(&SlotError{Operation: "remove", Object: token})
	}
	object := t.slots[token].object
	t.slots[token] = slot[T]{}
	t.live--
	t.mu.Unlock()

	// Cannot block: at most size tokens exist and this one was out
	// of the queue.
	t.free.Push(token)
	return object
}

// Get returns the object in an occupied slot.
func (t *Table[T]) Get(token handle.ObjectID) T {
	object, ok := t.Lookup(token)
	if !ok {
		panic(&SlotError{Operation: "get", Object: token})
	}
	return object
}

// Lookup returns the object in the slot, or false if the slot is empty
// or out of range.
func (t *Table[T]) Lookup(token handle.ObjectID) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.inRange(token) || !t.slots[token].occupied {
		var zero T
		return zero, false
	}
	return t.slots[token].object, true
}

// Len returns the number of occupied slots.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Size returns the fixed slot count.
func (t *Table[T]) Size() int { return len(t.slots) }

func (t *Table[T]) inRange(token handle.ObjectID) bool {
	return int(token) < len(t.slots)
}
