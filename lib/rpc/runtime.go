// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/objtable"
	"github.com/bureau-foundation/modrpc/lib/port"
	"github.com/bureau-foundation/modrpc/lib/version"
	"github.com/bureau-foundation/modrpc/lib/wire"
	"github.com/bureau-foundation/modrpc/transport"
)

// Defaults applied to zero Options fields.
const (
	DefaultMaxHandles       = 4096
	DefaultMaxInflightCalls = 256
	DefaultHandshakeTimeout = time.Second
)

// ErrTooManyPorts is returned by Open when every port id is in use.
var ErrTooManyPorts = errors.New("rpc: no free port id")

// Options configures a Runtime. Zero fields take the defaults above
// and objtable.DefaultTokenTimeout.
type Options struct {
	// MaxHandles sizes every endpoint's object table.
	MaxHandles int

	// MaxInflightCalls bounds concurrent outbound calls per
	// endpoint. Further calls wait for a free call slot.
	MaxInflightCalls int

	// TokenTimeout is how long Export waits for a free table slot
	// before panicking with *objtable.ExhaustedError.
	TokenTimeout time.Duration

	// HandshakeTimeout bounds the wait for the counterpart's Hello.
	HandshakeTimeout time.Duration

	// Compressor is applied to outbound payloads.
	Compressor wire.Compressor

	// OnFailure, if set, runs once for each link that closes because
	// the counterpart broke the protocol. A module whose handles may
	// be corrupt typically aborts here.
	OnFailure func(port handle.PortID, err error)

	Logger *slog.Logger
	Clock  clock.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxHandles <= 0 {
		o.MaxHandles = DefaultMaxHandles
	}
	if o.MaxInflightCalls <= 0 {
		o.MaxInflightCalls = DefaultMaxInflightCalls
	}
	if o.TokenTimeout <= 0 {
		o.TokenTimeout = objtable.DefaultTokenTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	o.Clock = clock.OrReal(o.Clock)
	return o
}

// Runtime is the process-scoped context for one module: its name, its
// sealed registry, and the endpoints of every open link. Create one
// per module and pass it to whatever opens links.
type Runtime struct {
	module   string
	registry *Registry
	options  Options
	logger   *slog.Logger

	mu        sync.Mutex
	endpoints map[handle.PortID]*Endpoint
	nextPort  handle.PortID
	closed    bool
}

// NewRuntime seals registry and returns a runtime for module.
func NewRuntime(module string, registry *Registry, options Options) *Runtime {
	registry.Seal()
	options = options.withDefaults()
	return &Runtime{
		module:    module,
		registry:  registry,
		options:   options,
		logger:    options.Logger.With("module", module),
		endpoints: make(map[handle.PortID]*Endpoint),
		nextPort:  1,
	}
}

// Module returns the module name announced in handshakes.
func (r *Runtime) Module() string { return r.module }

// Registry returns the sealed registry.
func (r *Runtime) Registry() *Registry { return r.registry }

// Open runs the base-link handshake over conn and links a new
// endpoint. On failure conn is closed.
func (r *Runtime) Open(conn transport.Conn) (*Endpoint, error) {
	id, err := r.reservePort()
	if err != nil {
		conn.Close()
		return nil, err
	}

	var onFailure func(error)
	if r.options.OnFailure != nil {
		onFailure = func(err error) { r.options.OnFailure(id, err) }
	}
	link := port.New(id, conn, port.Options{
		Logger:     r.logger,
		Clock:      r.options.Clock,
		Compressor: r.options.Compressor,
		OnFailure:  onFailure,
	})

	fingerprint := r.registry.Fingerprint()
	remote, err := link.Handshake(port.Hello{
		Module:      r.module,
		Port:        id,
		MaxHandles:  r.options.MaxHandles,
		Fingerprint: fingerprint[:],
		Version:     version.ProtocolVersion,
	}, r.options.HandshakeTimeout)
	if err != nil {
		link.Close()
		r.releasePort(id)
		return nil, fmt.Errorf("rpc: opening link: %w", err)
	}

	endpoint := newEndpoint(r, link, remote)
	r.mu.Lock()
	if r.closed {
		delete(r.endpoints, id)
		r.mu.Unlock()
		link.Close()
		return nil, fmt.Errorf("rpc: opening link: %w", transport.ErrClosed)
	}
	r.endpoints[id] = endpoint
	r.mu.Unlock()

	link.Link(endpoint)
	go endpoint.watch()

	r.logger.Info("link open",
		"port", id,
		"remote_module", remote.Module,
		"remote_port", remote.Port,
	)
	return endpoint, nil
}

// Endpoint returns the open endpoint for id.
func (r *Runtime) Endpoint(id handle.PortID) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoint := r.endpoints[id]
	return endpoint, endpoint != nil
}

// Endpoints returns the open endpoints ordered by port id.
func (r *Runtime) Endpoints() []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoints := make([]*Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		if endpoint != nil {
			endpoints = append(endpoints, endpoint)
		}
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].id < endpoints[j].id })
	return endpoints
}

// Close closes every endpoint without a terminate handshake and
// refuses further Opens.
func (r *Runtime) Close() {
	r.mu.Lock()
	r.closed = true
	endpoints := make([]*Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		if endpoint != nil {
			endpoints = append(endpoints, endpoint)
		}
	}
	r.mu.Unlock()

	for _, endpoint := range endpoints {
		endpoint.Close()
	}
}

// reservePort claims the next free port id. A reserved id maps to nil
// until the handshake succeeds.
func (r *Runtime) reservePort() (handle.PortID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("rpc: runtime closed: %w", transport.ErrClosed)
	}
	for range 1 << 16 {
		id := r.nextPort
		r.nextPort++
		if r.nextPort == 0 {
			r.nextPort = 1
		}
		if _, inUse := r.endpoints[id]; !inUse && id != 0 {
			r.endpoints[id] = nil
			return id, nil
		}
	}
	return 0, ErrTooManyPorts
}

func (r *Runtime) releasePort(id handle.PortID) {
	r.mu.Lock()
	delete(r.endpoints, id)
	r.mu.Unlock()
}
