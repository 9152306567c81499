// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
)

func socketPair(t *testing.T) (*SocketConn, *SocketConn) {
	t.Helper()
	left, right := net.Pipe()
	a := NewSocketConn(left, nil)
	b := NewSocketConn(right, nil)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSocketConnPreservesFramesAndOrder(t *testing.T) {
	a, b := socketPair(t)

	frames := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte{0xAB}, 100_000),
		[]byte("last"),
	}
	go func() {
		for _, frame := range frames {
			if err := a.Send(frame); err != nil {
				t.Errorf("Send: %v", err)
				return
			}
		}
	}()

	for i, want := range frames {
		got, err := b.Recv(5 * time.Second)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestSocketConnRecvTimeout(t *testing.T) {
	left, right := net.Pipe()
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	conn := NewSocketConn(left, fake)
	defer conn.Close()
	defer right.Close()

	result := make(chan error, 1)
	go func() {
		_, err := conn.Recv(time.Second)
		result <- err
	}()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	select {
	case err := <-result:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Recv error = %v, want ErrTimeout", err)
		}
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("Recv did not time out")
	}
}

func TestSocketConnPeerClose(t *testing.T) {
	a, b := socketPair(t)
	a.Close()

	if _, err := b.Recv(5 * time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after peer close = %v, want ErrClosed", err)
	}
	// Repeated receives keep reporting the same condition.
	if _, err := b.Recv(5 * time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Recv = %v, want ErrClosed", err)
	}
}

func TestUnixSocketSendAfterPeerDeath(t *testing.T) {
	address := Address{Network: NetworkUnix, Path: filepath.Join(t.TempDir(), "link.sock")}
	listener, err := Listen(address)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	dialed := make(chan Conn, 1)
	go func() {
		conn, err := Dial(listener.Address())
		if err != nil {
			t.Errorf("Dial: %v", err)
			close(dialed)
			return
		}
		dialed <- conn
	}()
	server, err := listener.Accept(5 * time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	client, ok := <-dialed
	if !ok {
		t.Fatal("dial failed")
	}
	defer client.Close()

	server.Close()
	if _, err := client.Recv(5 * time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after peer death = %v, want ErrClosed", err)
	}
	// The kernel may buffer a write or two before reporting the broken
	// pipe.
	for range 100 {
		err = client.Send([]byte("reply"))
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after peer death = %v, want ErrClosed", err)
	}
}

func TestSocketConnClassifiesResetAsClosed(t *testing.T) {
	conn := &SocketConn{closed: make(chan struct{})}
	reset := &net.OpError{Op: "read", Net: "unix", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	if err := conn.classify(reset); !errors.Is(err, ErrClosed) {
		t.Errorf("classify(ECONNRESET) = %v, want ErrClosed", err)
	}
	damaged := &net.OpError{Op: "read", Net: "unix", Err: os.NewSyscallError("read", syscall.EIO)}
	if err := conn.classify(damaged); errors.Is(err, ErrClosed) {
		t.Errorf("classify(EIO) = %v, want a non-closed error", err)
	}
}

func TestSocketConnRejectsOversizedFrame(t *testing.T) {
	left, right := net.Pipe()
	conn := NewSocketConn(left, nil)
	defer conn.Close()

	go func() {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
		right.Write(prefix[:])
	}()

	if _, err := conn.Recv(5 * time.Second); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Recv = %v, want ErrFrameTooLarge", err)
	}
	right.Close()
}

func TestUnixListenDialAndPeerPID(t *testing.T) {
	address := Address{Network: NetworkUnix, Path: filepath.Join(t.TempDir(), "link.sock")}
	listener, err := Listen(address)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	dialed := make(chan Conn, 1)
	go func() {
		conn, err := Dial(listener.Address())
		if err != nil {
			t.Errorf("Dial: %v", err)
			close(dialed)
			return
		}
		dialed <- conn
	}()

	server, err := listener.Accept(5 * time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer server.Close()
	client, ok := <-dialed
	if !ok {
		t.Fatal("dial failed")
	}
	defer client.Close()

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := server.Recv(5 * time.Second)
	if err != nil || string(got) != "hello" {
		t.Fatalf("Recv = %q, %v", got, err)
	}

	pid, err := PeerPID(server)
	if errors.Is(err, ErrPeerCredentialsUnsupported) {
		t.Skip(err)
	}
	if err != nil {
		t.Fatalf("PeerPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("PeerPID = %d, want %d", pid, os.Getpid())
	}
}

func TestListenAcceptTimeout(t *testing.T) {
	listener, err := Listen(Address{Network: NetworkTCP, Path: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	if listener.Address().Path == "127.0.0.1:0" {
		t.Errorf("Address() did not resolve the bound port: %v", listener.Address())
	}
	if _, err := listener.Accept(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Accept = %v, want ErrTimeout", err)
	}
}
