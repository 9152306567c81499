// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executee is the child side of module bootstrap.
//
// A spawned module receives one argument, the hex-encoded address of a
// channel its parent is listening on. Start decodes it, connects, and
// sends the init sentinel; the parent then knows the module is
// listening. At shutdown, Terminate sends the terminate sentinel and
// waits briefly for the parent to echo it, so the parent has seen the
// shutdown before the module's process disappears.
package executee

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/modrpc/lib/rpc"
	"github.com/bureau-foundation/modrpc/lib/wire"
	"github.com/bureau-foundation/modrpc/transport"
)

// Defaults for zero Options fields.
const (
	DefaultTerminateTimeout = time.Second
	DefaultDialTimeout      = 5 * time.Second
)

var (
	// ErrBootstrapArgument is returned by Start when argv[1] is
	// missing or does not decode to an address.
	ErrBootstrapArgument = errors.New("executee: bad bootstrap argument")

	// ErrTerminateHandshake is returned by Terminate when the parent
	// does not echo the terminate sentinel.
	ErrTerminateHandshake = errors.New("executee: terminate handshake failed")
)

// State is the bootstrap state.
type State int32

const (
	Initializing State = iota
	Ready
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures Start.
type Options struct {
	// Dialer connects to the bootstrap address. Thread-mode modules
	// must use the dialer their executor passes in, so memory
	// addresses resolve in the executor's hub.
	Dialer transport.Dialer

	// TerminateTimeout bounds the wait for the terminate echo.
	TerminateTimeout time.Duration

	Logger *slog.Logger
}

// Executee is a started module's bootstrap channel.
type Executee struct {
	address          transport.Address
	conn             transport.Conn
	terminateTimeout time.Duration
	logger           *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	endpoint *rpc.Endpoint
}

// Start runs the bootstrap from args, the module's argv. It fails
// without blocking if args[1] is missing or malformed, and fails
// within the dial timeout if nothing listens at the address.
func Start(args []string, options Options) (*Executee, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: no address argument", ErrBootstrapArgument)
	}
	address, err := transport.DecodeAddress(args[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBootstrapArgument, err)
	}

	if options.TerminateTimeout <= 0 {
		options.TerminateTimeout = DefaultTerminateTimeout
	}
	if options.Dialer.Timeout <= 0 {
		options.Dialer.Timeout = DefaultDialTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	x := &Executee{
		address:          address,
		terminateTimeout: options.TerminateTimeout,
		logger:           logger.With("bootstrap", address.String()),
	}

	conn, err := options.Dialer.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("executee: connecting to parent: %w", err)
	}
	if err := conn.Send(wire.SentinelInit); err != nil {
		conn.Close()
		return nil, fmt.Errorf("executee: sending init sentinel: %w", err)
	}
	x.conn = conn
	x.state.Store(int32(Ready))
	x.logger.Debug("executee ready")
	return x, nil
}

// State returns the current bootstrap state.
func (x *Executee) State() State { return State(x.state.Load()) }

// Address returns the decoded bootstrap address.
func (x *Executee) Address() transport.Address { return x.address }

// Conn returns the channel to the parent.
func (x *Executee) Conn() transport.Conn { return x.conn }

// Link opens an rpc link to the parent over the bootstrap channel.
// From then on Terminate runs through the link.
func (x *Executee) Link(runtime *rpc.Runtime) (*rpc.Endpoint, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if state := x.State(); state != Ready {
		return nil, fmt.Errorf("executee: Link in state %s", state)
	}
	if x.endpoint != nil {
		return nil, errors.New("executee: already linked")
	}
	endpoint, err := runtime.Open(x.conn)
	if err != nil {
		return nil, err
	}
	x.endpoint = endpoint
	return endpoint, nil
}

// Terminate sends the terminate sentinel, waits up to the terminate
// timeout for the echo, and closes the channel. A missing echo returns
// an error wrapping ErrTerminateHandshake; treat it as a failed
// shutdown, not a warning.
func (x *Executee) Terminate() error {
	if !x.state.CompareAndSwap(int32(Ready), int32(Terminating)) {
		return fmt.Errorf("%w: Terminate in state %s", ErrTerminateHandshake, x.State())
	}
	defer x.state.Store(int32(Terminated))

	x.mu.Lock()
	endpoint := x.endpoint
	x.mu.Unlock()

	var err error
	if endpoint != nil {
		err = endpoint.Terminate(x.terminateTimeout)
	} else {
		err = x.terminateUnlinked()
	}
	x.conn.Close()
	if err != nil {
		x.logger.Error("terminate handshake failed", "error", err)
		return fmt.Errorf("%w: %w", ErrTerminateHandshake, err)
	}
	x.logger.Debug("executee terminated")
	return nil
}

// terminateUnlinked runs the sentinel exchange directly on the channel.
// Without a link nothing but the echo may arrive.
func (x *Executee) terminateUnlinked() error {
	if err := x.conn.Send(wire.SentinelTerminate); err != nil {
		return err
	}
	frame, err := x.conn.Recv(x.terminateTimeout)
	if err != nil {
		return err
	}
	if !wire.IsSentinel(frame, wire.SentinelTerminate) {
		return wire.Violation("expected terminate echo, got a %d-byte frame", len(frame))
	}
	return nil
}
