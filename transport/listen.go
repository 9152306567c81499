// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
)

// Listener accepts inbound channels.
type Listener interface {
	// Accept waits for the next connection. A timeout <= 0 waits
	// until Close.
	Accept(timeout time.Duration) (Conn, error)

	// Address returns the address peers dial. For tcp ":0" this is
	// the bound port.
	Address() Address

	// Close stops accepting. Unix listeners remove their socket file.
	Close() error
}

// Dialer connects to Addresses.
type Dialer struct {
	// Timeout bounds socket connects. Zero means no limit.
	Timeout time.Duration

	// Hub resolves memory addresses. Nil means DefaultHub.
	Hub *MemoryHub

	// Clock is given to socket connections for Recv timeouts.
	Clock clock.Clock
}

// Dial connects to address.
func (d Dialer) Dial(address Address) (Conn, error) {
	if err := address.Validate(); err != nil {
		return nil, err
	}
	if address.Network == NetworkMemory {
		return d.hub().Dial(address.Path)
	}
	conn, err := (&net.Dialer{Timeout: d.Timeout}).Dial(address.Network, address.Path)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", address, err)
	}
	return NewSocketConn(conn, d.Clock), nil
}

// Listen starts a listener at address. Uses the same Hub and Clock
// resolution as Dial.
func (d Dialer) Listen(address Address) (Listener, error) {
	if err := address.Validate(); err != nil {
		return nil, err
	}
	switch address.Network {
	case NetworkMemory:
		return d.hub().Listen(address.Path)
	case NetworkUnix:
		if err := os.Remove(address.Path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("transport: removing stale socket %s: %w", address.Path, err)
		}
	}
	listener, err := net.Listen(address.Network, address.Path)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", address, err)
	}
	return &socketListener{listener: listener, network: address.Network, clock: d.Clock}, nil
}

func (d Dialer) hub() *MemoryHub {
	if d.Hub != nil {
		return d.Hub
	}
	return DefaultHub
}

// Dial connects with a zero Dialer.
func Dial(address Address) (Conn, error) { return Dialer{}.Dial(address) }

// Listen listens with a zero Dialer.
func Listen(address Address) (Listener, error) { return Dialer{}.Listen(address) }

type deadlineListener interface {
	SetDeadline(time.Time) error
}

type socketListener struct {
	listener net.Listener
	network  string
	clock    clock.Clock
}

// Accept uses the socket deadline, which is wall-clock time
// regardless of the configured clock.
func (l *socketListener) Accept(timeout time.Duration) (Conn, error) {
	if withDeadline, ok := l.listener.(deadlineListener); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := withDeadline.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("transport: setting accept deadline: %w", err)
		}
	}
	conn, err := l.listener.Accept()
	if err != nil {
		var netError net.Error
		if errors.As(err, &netError) && netError.Timeout() {
			return nil, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("transport: accepting: %w", err)
	}
	return NewSocketConn(conn, l.clock), nil
}

func (l *socketListener) Address() Address {
	return Address{Network: l.network, Path: l.listener.Addr().String()}
}

func (l *socketListener) Close() error {
	return l.listener.Close()
}
