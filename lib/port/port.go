// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package port

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
	"github.com/bureau-foundation/modrpc/lib/codec"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/wire"
	"github.com/bureau-foundation/modrpc/transport"
)

var (
	// ErrTerminateTimeout is returned by Terminate when the
	// counterpart does not echo the sentinel in time.
	ErrTerminateTimeout = errors.New("port: terminate sentinel was not echoed in time")

	// ErrTerminating is returned by a second Terminate call.
	ErrTerminating = errors.New("port: terminate already in progress")
)

// Hello is the base-link handshake packet. Each side announces the
// port id the other must stamp into handles it exports here, and the
// handle ceiling of its own object table.
type Hello struct {
	Module      string        `cbor:"module"`
	Port        handle.PortID `cbor:"port"`
	MaxHandles  int           `cbor:"max_handles"`
	Fingerprint []byte        `cbor:"fingerprint"`
	Version     int           `cbor:"version"`
}

// Receiver consumes inbound packets. Receive runs on the read loop, one
// packet at a time, in arrival order; it must not block on anything
// that needs the read loop to make progress.
type Receiver interface {
	Receive(header wire.Header, payload []byte)
}

// Options configures a Port.
type Options struct {
	// Logger receives link lifecycle events. Nil discards them.
	Logger *slog.Logger

	// Clock drives handshake and terminate timeouts.
	Clock clock.Clock

	// Compressor is applied to outbound payloads. Inbound payloads
	// are decompressed according to their flags regardless.
	Compressor wire.Compressor

	// OnFailure runs once, after the connection is closed, when the
	// port fails with a protocol violation or transport error.
	OnFailure func(err error)
}

// Port is one endpoint of a duplex link.
type Port struct {
	id         handle.PortID
	conn       transport.Conn
	logger     *slog.Logger
	clock      clock.Clock
	compressor wire.Compressor
	onFailure  func(error)

	sendMu sync.Mutex

	linked      atomic.Bool
	terminating atomic.Bool
	echoed      chan struct{} // closed when our terminate is echoed

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// New wraps conn. The caller owns conn until New returns; afterwards
// the Port closes it.
func New(id handle.PortID, conn transport.Conn, options Options) *Port {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Port{
		id:         id,
		conn:       conn,
		logger:     logger.With("port", id),
		clock:      clock.OrReal(options.Clock),
		compressor: options.Compressor,
		onFailure:  options.OnFailure,
		echoed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the local port id.
func (p *Port) ID() handle.PortID { return p.id }

// Handshake sends local and waits up to timeout for the counterpart's
// Hello. It must be called before Link. A version or fingerprint
// mismatch returns a *wire.ProtocolError. On any error the caller
// should Close the port.
func (p *Port) Handshake(local Hello, timeout time.Duration) (Hello, error) {
	if p.linked.Load() {
		panic("port: Handshake after Link")
	}
	buffer, err := codec.MarshalAfter(wire.HeaderSize, local)
	if err != nil {
		return Hello{}, fmt.Errorf("port: encoding hello: %w", err)
	}
	if err := p.Send(wire.Header{Kind: wire.KindHello}, buffer); err != nil {
		return Hello{}, fmt.Errorf("port: sending hello: %w", err)
	}

	frame, err := p.conn.Recv(timeout)
	if err != nil {
		return Hello{}, fmt.Errorf("port: waiting for hello: %w", err)
	}
	header, payload, err := p.decode(frame)
	if err != nil {
		return Hello{}, err
	}
	if header.Kind != wire.KindHello {
		return Hello{}, wire.Violation("expected hello, got %s packet", header.Kind)
	}
	var remote Hello
	if err := codec.Unmarshal(payload, &remote); err != nil {
		return Hello{}, wire.DecodeFailure("hello", payload, err)
	}
	if remote.Version != local.Version {
		return Hello{}, wire.Violation("counterpart %q speaks protocol %d, we speak %d", remote.Module, remote.Version, local.Version)
	}
	if !bytes.Equal(remote.Fingerprint, local.Fingerprint) {
		return Hello{}, wire.Violation("counterpart %q registry fingerprint %x does not match ours %x", remote.Module, remote.Fingerprint, local.Fingerprint)
	}
	if remote.Port == 0 {
		return Hello{}, wire.Violation("counterpart %q announced port 0", remote.Module)
	}
	if remote.MaxHandles <= 0 {
		return Hello{}, wire.Violation("counterpart %q announced %d handle slots", remote.Module, remote.MaxHandles)
	}

	p.logger.Debug("handshake complete",
		"remote_module", remote.Module,
		"remote_port", remote.Port,
		"remote_max_handles", remote.MaxHandles,
	)
	return remote, nil
}

// Link starts the read loop delivering packets to receiver. Panics if
// called twice.
func (p *Port) Link(receiver Receiver) {
	if p.linked.Swap(true) {
		panic(fmt.Sprintf("port: %d linked twice", p.id))
	}
	go p.readLoop(receiver)
}

// Send transmits one packet. buffer[:wire.HeaderSize] is overwritten
// with header; the payload follows it. Sends are serialized, so
// packets from one Port arrive in the order Send was called.
func (p *Port) Send(header wire.Header, buffer []byte) error {
	if len(buffer) < wire.HeaderSize {
		panic(fmt.Sprintf("port: send buffer of %d bytes has no room for the header", len(buffer)))
	}
	body, flag := p.compressor.Compress(buffer[wire.HeaderSize:])
	if flag != 0 {
		frame := make([]byte, wire.HeaderSize+len(body))
		copy(frame[wire.HeaderSize:], body)
		buffer = frame
	}
	header.Flags |= flag
	header.Put(buffer)
	return p.send(buffer)
}

// Terminate sends the terminate sentinel and waits up to timeout for
// the counterpart to echo it, then closes the port.
func (p *Port) Terminate(timeout time.Duration) error {
	if !p.linked.Load() {
		panic("port: Terminate before Link")
	}
	if !p.terminating.CompareAndSwap(false, true) {
		return ErrTerminating
	}
	if err := p.send(wire.SentinelTerminate); err != nil {
		return fmt.Errorf("port: sending terminate: %w", err)
	}
	p.logger.Debug("terminate sent")

	select {
	case <-p.echoed:
		return nil
	case <-p.done:
		select {
		case <-p.echoed:
			return nil
		default:
		}
		return fmt.Errorf("port: link closed before terminate was echoed: %w", transport.ErrClosed)
	case <-p.clock.After(timeout):
		p.shutdown(ErrTerminateTimeout, false)
		return ErrTerminateTimeout
	}
}

// Fail tears the link down because of err. Use it for protocol
// corruption: anything decoded from the counterpart that a correct
// peer would never send.
func (p *Port) Fail(err error) {
	p.shutdown(err, true)
}

// Close closes the link without a terminate handshake. Idempotent.
func (p *Port) Close() {
	p.shutdown(nil, false)
}

// Done is closed when the link is down for any reason.
func (p *Port) Done() <-chan struct{} { return p.done }

// Err returns why the link went down: nil after a clean terminate or
// local Close, transport.ErrClosed if the counterpart vanished, or the
// failure passed to Fail.
func (p *Port) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Port) send(frame []byte) error {
	select {
	case <-p.done:
		return transport.ErrClosed
	default:
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.conn.Send(frame)
}

func (p *Port) decode(frame []byte) (wire.Header, []byte, error) {
	header, body, err := wire.ParseHeader(frame)
	if err != nil {
		return wire.Header{}, nil, err
	}
	if len(body) > wire.MaxPayloadSize {
		return wire.Header{}, nil, wire.Violation("%d-byte payload exceeds the maximum", len(body))
	}
	payload, err := wire.Decompress(body, header.Flags)
	if err != nil {
		return wire.Header{}, nil, err
	}
	return header, payload, nil
}

func (p *Port) readLoop(receiver Receiver) {
	for {
		frame, err := p.conn.Recv(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				if !p.isDone() {
					p.logger.Warn("counterpart closed the link", "error", err)
				}
				p.shutdown(transport.ErrClosed, false)
				return
			}
			p.Fail(err)
			return
		}

		if wire.IsSentinel(frame, wire.SentinelTerminate) {
			if p.terminating.Load() {
				close(p.echoed)
				p.shutdown(nil, false)
				return
			}
			p.logger.Debug("counterpart terminating, echoing sentinel")
			if err := p.send(wire.SentinelTerminate); err != nil {
				p.logger.Warn("echoing terminate failed", "error", err)
			}
			p.shutdown(nil, false)
			return
		}
		if wire.IsSentinel(frame, wire.SentinelInit) {
			p.Fail(wire.Violation("init sentinel on a linked port"))
			return
		}

		header, payload, err := p.decode(frame)
		if err != nil {
			p.Fail(err)
			return
		}
		receiver.Receive(header, payload)
		if p.isDone() {
			return
		}
	}
}

func (p *Port) shutdown(cause error, failure bool) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = cause
		p.errMu.Unlock()

		if failure {
			p.logger.Error("link failed", "error", cause)
		}
		p.conn.Close()
		close(p.done)
		if failure && p.onFailure != nil {
			p.onFailure(cause)
		}
	})
}

func (p *Port) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
