// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
)

// Compile-time interface check.
var _ Conn = (*MemoryConn)(nil)

// memoryBuffer is the per-direction frame capacity of a memory pipe,
// standing in for a socket's kernel buffer.
const memoryBuffer = 256

// Stats counts the frames one end has sent and received.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
}

// MemoryConn is one end of an in-process pipe.
type MemoryConn struct {
	out   chan<- []byte
	in    <-chan []byte
	done  chan struct{} // shared by both ends
	once  *sync.Once
	clock clock.Clock

	framesSent, framesReceived atomic.Uint64
	bytesSent, bytesReceived   atomic.Uint64
}

// MemoryPipe returns two connected ends. Closing either end closes the
// pipe for both. c drives Recv timeouts; nil means wall-clock time.
func MemoryPipe(c clock.Clock) (*MemoryConn, *MemoryConn) {
	c = clock.OrReal(c)
	aToB := make(chan []byte, memoryBuffer)
	bToA := make(chan []byte, memoryBuffer)
	done := make(chan struct{})
	once := new(sync.Once)
	a := &MemoryConn{out: aToB, in: bToA, done: done, once: once, clock: c}
	b := &MemoryConn{out: bToA, in: aToB, done: done, once: once, clock: c}
	return a, b
}

// Send copies data into the pipe.
func (m *MemoryConn) Send(data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.out <- bytes.Clone(data):
		m.framesSent.Add(1)
		m.bytesSent.Add(uint64(len(data)))
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Recv returns the next frame. Frames sent before the pipe closed are
// still delivered.
func (m *MemoryConn) Recv(timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		expired = m.clock.After(timeout)
	}
	select {
	case frame := <-m.in:
		return m.received(frame), nil
	case <-m.done:
		select {
		case frame := <-m.in:
			return m.received(frame), nil
		default:
			return nil, ErrClosed
		}
	case <-expired:
		return nil, ErrTimeout
	}
}

// Close closes the pipe. Idempotent.
func (m *MemoryConn) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// Stats returns this end's counters.
func (m *MemoryConn) Stats() Stats {
	return Stats{
		FramesSent:     m.framesSent.Load(),
		FramesReceived: m.framesReceived.Load(),
		BytesSent:      m.bytesSent.Load(),
		BytesReceived:  m.bytesReceived.Load(),
	}
}

func (m *MemoryConn) received(frame []byte) []byte {
	m.framesReceived.Add(1)
	m.bytesReceived.Add(uint64(len(frame)))
	return frame
}

// MemoryHub is a namespace of in-process listeners addressed by network
// "memory". Dialing a name connects a fresh MemoryPipe to that name's
// listener.
type MemoryHub struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	clock     clock.Clock
}

// NewMemoryHub returns an empty hub. c is given to every pipe the hub
// creates.
func NewMemoryHub(c clock.Clock) *MemoryHub {
	return &MemoryHub{listeners: make(map[string]*memoryListener), clock: clock.OrReal(c)}
}

// DefaultHub serves memory addresses when no hub is configured. It is
// the in-process counterpart of the filesystem namespace unix sockets
// live in.
var DefaultHub = NewMemoryHub(nil)

// Listen registers name. Fails if name is already listening.
func (h *MemoryHub) Listen(name string) (Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.listeners[name]; exists {
		return nil, fmt.Errorf("transport: memory address %q already in use", name)
	}
	listener := &memoryListener{
		hub:     h,
		name:    name,
		pending: make(chan Conn, 16),
		closed:  make(chan struct{}),
	}
	h.listeners[name] = listener
	return listener, nil
}

// Dial connects to the listener registered under name.
func (h *MemoryHub) Dial(name string) (Conn, error) {
	h.mu.Lock()
	listener, exists := h.listeners[name]
	h.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("transport: no memory listener at %q", name)
	}
	local, remote := MemoryPipe(h.clock)
	select {
	case listener.pending <- remote:
		return local, nil
	case <-listener.closed:
		return nil, fmt.Errorf("transport: memory listener %q closed", name)
	}
}

type memoryListener struct {
	hub       *MemoryHub
	name      string
	pending   chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memoryListener) Accept(timeout time.Duration) (Conn, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		expired = l.hub.clock.After(timeout)
	}
	select {
	case conn := <-l.pending:
		return conn, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-expired:
		return nil, ErrTimeout
	}
}

func (l *memoryListener) Address() Address {
	return Address{Network: NetworkMemory, Path: l.name}
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.hub.mu.Lock()
		delete(l.hub.listeners, l.name)
		l.hub.mu.Unlock()
	})
	return nil
}
