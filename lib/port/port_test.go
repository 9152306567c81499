// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package port

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/testutil"
	"github.com/bureau-foundation/modrpc/lib/wire"
	"github.com/bureau-foundation/modrpc/transport"
)

var fingerprint = bytes.Repeat([]byte{0x5A}, 32)

func hello(module string, id handle.PortID) Hello {
	return Hello{Module: module, Port: id, MaxHandles: 16, Fingerprint: fingerprint, Version: 1}
}

// recorder collects packets delivered by the read loop.
type recorder struct {
	mu      sync.Mutex
	packets []packet
	arrived chan struct{}
}

type packet struct {
	header  wire.Header
	payload []byte
}

func newRecorder() *recorder { return &recorder{arrived: make(chan struct{}, 64)} }

func (r *recorder) Receive(header wire.Header, payload []byte) {
	r.mu.Lock()
	r.packets = append(r.packets, packet{header, payload})
	r.mu.Unlock()
	r.arrived <- struct{}{}
}

func (r *recorder) snapshot() []packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet(nil), r.packets...)
}

// linkedPair handshakes and links two ports over a memory pipe.
func linkedPair(t *testing.T, options Options) (*Port, *recorder, *Port, *recorder) {
	t.Helper()
	connA, connB := transport.MemoryPipe(nil)
	a := New(1, connA, options)
	b := New(2, connB, options)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	type result struct {
		hello Hello
		err   error
	}
	fromB := make(chan result, 1)
	go func() {
		remote, err := b.Handshake(hello("b", 2), time.Second)
		fromB <- result{remote, err}
	}()
	remoteOfA, err := a.Handshake(hello("a", 1), time.Second)
	if err != nil {
		t.Fatalf("a.Handshake: %v", err)
	}
	got := testutil.RequireReceive(t, fromB, 5*time.Second, "b handshake")
	if got.err != nil {
		t.Fatalf("b.Handshake: %v", got.err)
	}
	if remoteOfA.Module != "b" || remoteOfA.Port != 2 {
		t.Errorf("a saw remote %+v", remoteOfA)
	}
	if got.hello.Module != "a" || got.hello.Port != 1 || got.hello.MaxHandles != 16 {
		t.Errorf("b saw remote %+v", got.hello)
	}

	recordA, recordB := newRecorder(), newRecorder()
	a.Link(recordA)
	b.Link(recordB)
	return a, recordA, b, recordB
}

func TestHandshakeRejectsMismatches(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Hello)
	}{
		{"version", func(h *Hello) { h.Version = 2 }},
		{"fingerprint", func(h *Hello) { h.Fingerprint = []byte{1, 2, 3} }},
		{"handle ceiling", func(h *Hello) { h.MaxHandles = 0 }},
		{"port zero", func(h *Hello) { h.Port = 0 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			connA, connB := transport.MemoryPipe(nil)
			a := New(1, connA, Options{})
			b := New(2, connB, Options{})
			defer a.Close()
			defer b.Close()

			local := hello("b", 2)
			test.mutate(&local)
			go b.Handshake(local, time.Second)

			_, err := a.Handshake(hello("a", 1), time.Second)
			var protocolError *wire.ProtocolError
			if !errors.As(err, &protocolError) {
				t.Fatalf("Handshake error = %v, want *wire.ProtocolError", err)
			}
		})
	}
}

func TestHandshakeRejectsNonHelloFirstPacket(t *testing.T) {
	connA, connB := transport.MemoryPipe(nil)
	a := New(1, connA, Options{})
	defer a.Close()

	frame := make([]byte, wire.HeaderSize)
	wire.Header{Kind: wire.KindCall}.Put(frame)
	connB.Send(frame)

	_, err := a.Handshake(hello("a", 1), time.Second)
	var protocolError *wire.ProtocolError
	if !errors.As(err, &protocolError) {
		t.Fatalf("Handshake error = %v, want *wire.ProtocolError", err)
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	connA, _ := transport.MemoryPipe(fake)
	a := New(1, connA, Options{Clock: fake})
	defer a.Close()

	result := make(chan error, 1)
	go func() {
		_, err := a.Handshake(hello("a", 1), 500*time.Millisecond)
		result <- err
	}()
	fake.WaitForTimers(1)
	fake.Advance(500 * time.Millisecond)

	if err := testutil.RequireReceive(t, result, 5*time.Second, "handshake timeout"); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("Handshake error = %v, want transport.ErrTimeout", err)
	}
}

func TestPacketsArriveInOrder(t *testing.T) {
	for _, compressor := range []wire.Compressor{
		{},
		{Mode: wire.CompressionLZ4, Threshold: 64},
		{Mode: wire.CompressionZstd, Threshold: 64},
	} {
		t.Run(string(compressor.Mode), func(t *testing.T) {
			a, _, _, recordB := linkedPair(t, Options{Compressor: compressor})

			const count = 20
			for i := 0; i < count; i++ {
				buffer := make([]byte, wire.HeaderSize+i*50)
				for j := wire.HeaderSize; j < len(buffer); j++ {
					buffer[j] = 'a'
				}
				if err := a.Send(wire.Header{Kind: wire.KindCall, Slot: uint32(i)}, buffer); err != nil {
					t.Fatalf("Send %d: %v", i, err)
				}
			}
			for i := 0; i < count; i++ {
				testutil.RequireReceive(t, recordB.arrived, 5*time.Second, "packet %d", i)
			}

			for i, received := range recordB.snapshot() {
				if received.header.Slot != uint32(i) {
					t.Fatalf("packet %d carries slot %d", i, received.header.Slot)
				}
				if received.header.Flags != 0 && compressor.Mode == "" {
					t.Errorf("packet %d flagged %#x without compression", i, received.header.Flags)
				}
				if len(received.payload) != i*50 || !bytes.Equal(received.payload, bytes.Repeat([]byte{'a'}, i*50)) {
					t.Fatalf("packet %d payload is %d bytes, want %d", i, len(received.payload), i*50)
				}
			}
		})
	}
}

func TestLinkTwicePanics(t *testing.T) {
	a, _, _, _ := linkedPair(t, Options{})
	testutil.RequirePanic(t, func() { a.Link(newRecorder()) }, "second Link")
}

func TestTerminateHandshake(t *testing.T) {
	a, _, b, _ := linkedPair(t, Options{})

	if err := a.Terminate(5 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	testutil.RequireClosed(t, a.Done(), 5*time.Second, "terminating side")
	testutil.RequireClosed(t, b.Done(), 5*time.Second, "echoing side")
	if a.Err() != nil || b.Err() != nil {
		t.Errorf("clean terminate left errors %v / %v", a.Err(), b.Err())
	}
	if err := a.Terminate(time.Second); !errors.Is(err, ErrTerminating) {
		t.Errorf("second Terminate = %v, want ErrTerminating", err)
	}
}

func TestTerminateTimesOutWithoutEcho(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	connA, connB := transport.MemoryPipe(fake)
	defer connB.Close()
	a := New(1, connA, Options{Clock: fake})
	a.Link(newRecorder())

	result := make(chan error, 1)
	go func() { result <- a.Terminate(time.Second) }()

	// The counterpart reads the sentinel and never answers.
	frame, err := connB.Recv(5 * time.Second)
	if err != nil || !wire.IsSentinel(frame, wire.SentinelTerminate) {
		t.Fatalf("counterpart received %q, %v", frame, err)
	}
	// One timer is the counterpart's own Recv, the other Terminate's.
	fake.WaitForTimers(2)
	fake.Advance(time.Second)

	if err := testutil.RequireReceive(t, result, 5*time.Second, "terminate timeout"); !errors.Is(err, ErrTerminateTimeout) {
		t.Fatalf("Terminate = %v, want ErrTerminateTimeout", err)
	}
	testutil.RequireClosed(t, a.Done(), time.Second, "port after terminate timeout")
}

func TestCounterpartCloseIsNotAFailure(t *testing.T) {
	failures := make(chan error, 1)
	a, _, b, _ := linkedPair(t, Options{OnFailure: func(err error) { failures <- err }})

	b.Close()
	testutil.RequireClosed(t, a.Done(), 5*time.Second, "port after counterpart close")
	if !errors.Is(a.Err(), transport.ErrClosed) {
		t.Errorf("Err = %v, want transport.ErrClosed", a.Err())
	}
	testutil.RequireNoReceive(t, failures, 50*time.Millisecond, "OnFailure after a plain close")
}

func TestCorruptFrameFailsLink(t *testing.T) {
	failures := make(chan error, 1)
	connA, connB := transport.MemoryPipe(nil)
	defer connB.Close()
	a := New(1, connA, Options{OnFailure: func(err error) { failures <- err }})
	a.Link(newRecorder())

	connB.Send([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})

	err := testutil.RequireReceive(t, failures, 5*time.Second, "OnFailure")
	var protocolError *wire.ProtocolError
	if !errors.As(err, &protocolError) {
		t.Fatalf("failure = %v, want *wire.ProtocolError", err)
	}
	testutil.RequireClosed(t, a.Done(), time.Second, "port after corrupt frame")
	if !errors.As(a.Err(), &protocolError) {
		t.Errorf("Err = %v, want *wire.ProtocolError", a.Err())
	}
	if err := a.Send(wire.Header{Kind: wire.KindCall}, make([]byte, wire.HeaderSize)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after failure = %v, want transport.ErrClosed", err)
	}
}

func TestInitSentinelAfterLinkFailsLink(t *testing.T) {
	failures := make(chan error, 1)
	connA, connB := transport.MemoryPipe(nil)
	defer connB.Close()
	a := New(1, connA, Options{OnFailure: func(err error) { failures <- err }})
	a.Link(newRecorder())

	connB.Send(wire.SentinelInit)
	testutil.RequireReceive(t, failures, 5*time.Second, "OnFailure")
}
