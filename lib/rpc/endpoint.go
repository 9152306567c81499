// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/modrpc/lib/codec"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/objtable"
	"github.com/bureau-foundation/modrpc/lib/port"
	"github.com/bureau-foundation/modrpc/lib/queue"
	"github.com/bureau-foundation/modrpc/lib/wire"
	"github.com/bureau-foundation/modrpc/transport"
)

// ErrLinkClosed is returned by calls on a link that went down. The
// runtime does not retry; the caller decides whether the counterpart
// is restarted.
var ErrLinkClosed = errors.New("rpc: link closed")

// Endpoint is this module's side of one link. It owns the table of
// objects exported over the link and the call slots of outbound calls.
type Endpoint struct {
	runtime *Runtime
	id      handle.PortID
	link    *port.Port
	remote  port.Hello
	logger  *slog.Logger

	objects *objtable.Table[Service]

	// slots holds the free call-slot tokens; calls[slot] is where the
	// read loop delivers the matching return.
	slots *queue.Queue[uint32]
	calls []callSlot

	exchanges        *queue.Queue[[]byte]
	exchangeReceived atomic.Bool
	exchangeSent     atomic.Bool

	serving sync.WaitGroup
}

type callSlot struct {
	awaiting atomic.Bool
	reply    chan []byte
}

func newEndpoint(r *Runtime, link *port.Port, remote port.Hello) *Endpoint {
	options := r.options
	e := &Endpoint{
		runtime: r,
		id:      link.ID(),
		link:    link,
		remote:  remote,
		logger:  r.logger.With("port", link.ID(), "remote_module", remote.Module),
		objects: objtable.New[Service](options.MaxHandles, objtable.Options{
			TokenTimeout: options.TokenTimeout,
			Clock:        options.Clock,
		}),
		slots:     queue.NewWithClock[uint32](options.MaxInflightCalls, options.Clock),
		calls:     make([]callSlot, options.MaxInflightCalls),
		exchanges: queue.NewWithClock[[]byte](1, options.Clock),
	}
	for slot := range e.calls {
		e.calls[slot].reply = make(chan []byte, 1)
		e.slots.Push(uint32(slot))
	}
	return e
}

// ID returns the local port id. Handles imported over this endpoint
// carry it as their Port.
func (e *Endpoint) ID() handle.PortID { return e.id }

// Remote returns the counterpart's Hello.
func (e *Endpoint) Remote() port.Hello { return e.remote }

// Runtime returns the runtime that opened the endpoint.
func (e *Endpoint) Runtime() *Runtime { return e.runtime }

// Exported returns the number of live exported objects.
func (e *Endpoint) Exported() int { return e.objects.Len() }

// Export places service in the object table and returns the handle the
// counterpart uses to reach it. Panics if the service's trait is not
// registered, or with *objtable.ExhaustedError when no slot frees up
// within the token timeout.
func (e *Endpoint) Export(service Service) handle.Instance {
	trait := service.TraitID()
	if _, ok := e.runtime.registry.trait(trait); !ok {
		panic(fmt.Sprintf("rpc: exporting %T with unregistered trait %d", service, trait))
	}
	object := e.objects.Create(service)
	e.logger.Debug("exported object", "trait", trait, "object", object)
	return handle.Instance{Trait: trait, Object: object, Port: e.remote.Port}
}

// Import wraps instance, a handle exported by the counterpart, in its
// trait's proxy.
func (e *Endpoint) Import(instance handle.Instance) (any, error) {
	if instance.Port != e.id {
		return nil, fmt.Errorf("rpc: handle %v was issued for port %d, not %d", instance, instance.Port, e.id)
	}
	if int(instance.Object) >= e.remote.MaxHandles {
		return nil, fmt.Errorf("rpc: handle %v is beyond %q's %d handle slots", instance, e.remote.Module, e.remote.MaxHandles)
	}
	trait, ok := e.runtime.registry.trait(instance.Trait)
	if !ok {
		return nil, fmt.Errorf("rpc: handle %v names unregistered trait %d", instance, instance.Trait)
	}
	return trait.proxy(newHandle(e, instance)), nil
}

// ImportAs imports instance and asserts its proxy type.
func ImportAs[T any](e *Endpoint, instance handle.Instance) (T, error) {
	var zero T
	proxy, err := e.Import(instance)
	if err != nil {
		return zero, err
	}
	typed, ok := proxy.(T)
	if !ok {
		return zero, fmt.Errorf("rpc: trait %d proxy is %T, not %s", instance.Trait, proxy, reflect.TypeFor[T]())
	}
	return typed, nil
}

// Call invokes method on the remote object behind instance and blocks
// until the result arrives. argument is encoded as the call payload;
// the response is decoded into result unless result is nil.
//
// Panics if instance was not imported over this endpoint or method is
// handle.MethodDelete. Returns ErrLinkClosed if the link goes down
// before the response arrives.
func (e *Endpoint) Call(instance handle.Instance, method handle.MethodID, argument, result any) error {
	e.owns(instance)
	if method == handle.MethodDelete {
		panic(fmt.Sprintf("rpc: Call with reserved method id %d on %v; use Delete", method, instance))
	}
	buffer, err := codec.MarshalAfter(wire.HeaderSize, argument)
	if err != nil {
		return fmt.Errorf("rpc: encoding arguments for %v method %d: %w", instance, method, err)
	}

	slot, err := e.slots.Pop()
	if err != nil {
		return e.linkError()
	}
	call := &e.calls[slot]
	call.awaiting.Store(true)

	header := wire.Header{
		Kind:   wire.KindCall,
		Trait:  instance.Trait,
		Method: method,
		Object: instance.Object,
		Slot:   slot,
	}
	if err := e.link.Send(header, buffer); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return e.linkError()
		}
		call.awaiting.Store(false)
		e.slots.Push(slot)
		return fmt.Errorf("rpc: sending call to %v: %w", instance, err)
	}

	var payload []byte
	select {
	case payload = <-call.reply:
	case <-e.link.Done():
		// The slot stays out of the pool: a late return could still
		// land in it.
		return e.linkError()
	}
	e.slots.Push(slot)

	if result == nil {
		return nil
	}
	if err := codec.Unmarshal(payload, result); err != nil {
		failure := wire.DecodeFailure(fmt.Sprintf("result of %v method %d", instance, method), payload, err)
		e.link.Fail(failure)
		return failure
	}
	return nil
}

// Delete tells the counterpart to free the object behind instance. It
// does not wait for the counterpart to apply it.
func (e *Endpoint) Delete(instance handle.Instance) error {
	e.owns(instance)
	header := wire.Header{
		Kind:   wire.KindDelete,
		Trait:  instance.Trait,
		Method: handle.MethodDelete,
		Object: instance.Object,
	}
	if err := e.link.Send(header, make([]byte, wire.HeaderSize)); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return e.linkError()
		}
		return fmt.Errorf("rpc: sending delete of %v: %w", instance, err)
	}
	return nil
}

// SendExchange transmits body as this side's handle-exchange packet.
// Each side sends at most one.
func (e *Endpoint) SendExchange(body any) error {
	if e.exchangeSent.Swap(true) {
		panic(fmt.Sprintf("rpc: second handle exchange sent on port %d", e.id))
	}
	buffer, err := codec.MarshalAfter(wire.HeaderSize, body)
	if err != nil {
		return fmt.Errorf("rpc: encoding handle exchange: %w", err)
	}
	if err := e.link.Send(wire.Header{Kind: wire.KindExchange}, buffer); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return e.linkError()
		}
		return fmt.Errorf("rpc: sending handle exchange: %w", err)
	}
	return nil
}

// AwaitExchange waits up to timeout for the counterpart's
// handle-exchange packet and decodes it into v. Returns an error
// wrapping queue.ErrTimeout if it does not arrive in time. An exchange
// that arrived before the link went down is still delivered.
func (e *Endpoint) AwaitExchange(timeout time.Duration, v any) error {
	payload, ok := e.exchanges.TryPop()
	var err error
	if !ok {
		payload, err = e.exchanges.PopTimeout(timeout)
		if errors.Is(err, queue.ErrClosed) {
			// Close and the last push can race inside PopTimeout.
			if late, ok := e.exchanges.TryPop(); ok {
				payload, err = late, nil
			}
		}
	}
	if errors.Is(err, queue.ErrTimeout) {
		return fmt.Errorf("rpc: waiting for %q's handle exchange: %w", e.remote.Module, err)
	}
	if err != nil {
		return e.linkError()
	}
	if err := codec.Unmarshal(payload, v); err != nil {
		failure := wire.DecodeFailure("handle exchange", payload, err)
		e.link.Fail(failure)
		return failure
	}
	return nil
}

// Terminate runs the terminate sentinel handshake and closes the link.
func (e *Endpoint) Terminate(timeout time.Duration) error {
	return e.link.Terminate(timeout)
}

// Terminated is closed once the link is down.
func (e *Endpoint) Terminated() <-chan struct{} { return e.link.Done() }

// Err reports why the link went down; see port.Port.Err.
func (e *Endpoint) Err() error { return e.link.Err() }

// Close closes the link without a terminate handshake.
func (e *Endpoint) Close() { e.link.Close() }

// Receive implements port.Receiver.
func (e *Endpoint) Receive(header wire.Header, payload []byte) {
	switch header.Kind {
	case wire.KindCall:
		e.receiveCall(header, payload)
	case wire.KindReturn:
		e.receiveReturn(header, payload)
	case wire.KindDelete:
		e.receiveDelete(header)
	case wire.KindExchange:
		e.receiveExchange(payload)
	default:
		e.link.Fail(wire.Violation("%s packet on a linked port", header.Kind))
	}
}

func (e *Endpoint) receiveCall(header wire.Header, payload []byte) {
	target, ok := e.target(header)
	if !ok {
		return
	}
	dispatch, ok := e.runtime.registry.dispatcher(header.Trait, header.Method)
	if !ok {
		e.link.Fail(wire.Violation("trait %d has no method %d", header.Trait, header.Method))
		return
	}

	e.serving.Add(1)
	go func() {
		defer e.serving.Done()
		buffer, err := dispatch(e, target, payload)
		if err != nil {
			e.link.Fail(err)
			return
		}
		reply := header
		reply.Kind = wire.KindReturn
		reply.Flags = 0
		if err := e.link.Send(reply, buffer); err != nil && !errors.Is(err, transport.ErrClosed) {
			e.logger.Error("sending call result",
				"trait", header.Trait,
				"method", header.Method,
				"object", header.Object,
				"error", err,
			)
			e.link.Fail(err)
		}
	}()
}

func (e *Endpoint) receiveReturn(header wire.Header, payload []byte) {
	if int(header.Slot) >= len(e.calls) {
		e.link.Fail(wire.Violation("return for call slot %d of %d", header.Slot, len(e.calls)))
		return
	}
	call := &e.calls[header.Slot]
	if !call.awaiting.CompareAndSwap(true, false) {
		e.link.Fail(wire.Violation("return for idle call slot %d", header.Slot))
		return
	}
	call.reply <- payload
}

func (e *Endpoint) receiveDelete(header wire.Header) {
	if _, ok := e.target(header); !ok {
		return
	}
	removed := e.objects.Remove(header.Object)
	e.logger.Debug("deleted object", "trait", header.Trait, "object", header.Object)
	if releaser, ok := removed.(Releaser); ok {
		releaser.Release()
	}
}

func (e *Endpoint) receiveExchange(payload []byte) {
	if e.exchangeReceived.Swap(true) {
		e.link.Fail(wire.Violation("second handle exchange from %q", e.remote.Module))
		return
	}
	// Capacity 1 and the flag above make this non-blocking.
	e.exchanges.Push(payload)
}

// target resolves the object a call or delete names. An unknown object
// or a trait mismatch fails the link: the counterpart is using a handle
// it never received or has already deleted.
func (e *Endpoint) target(header wire.Header) (Service, bool) {
	target, ok := e.objects.Lookup(header.Object)
	if !ok {
		e.link.Fail(wire.Violation("%s for unknown object %d", header.Kind, header.Object))
		return nil, false
	}
	if target.TraitID() != header.Trait {
		e.link.Fail(wire.Violation("%s names trait %d, object %d implements trait %d", header.Kind, header.Trait, header.Object, target.TraitID()))
		return nil, false
	}
	return target, true
}

func (e *Endpoint) owns(instance handle.Instance) {
	if instance.Port != e.id {
		panic(fmt.Sprintf("rpc: handle %v used on port %d", instance, e.id))
	}
}

func (e *Endpoint) linkError() error {
	if cause := e.link.Err(); cause != nil {
		return fmt.Errorf("%w: %w", ErrLinkClosed, cause)
	}
	return ErrLinkClosed
}

// watch releases the endpoint once its link is down.
func (e *Endpoint) watch() {
	<-e.link.Done()
	e.slots.Close()
	e.exchanges.Close()
	e.runtime.releasePort(e.id)
	if err := e.link.Err(); err != nil {
		e.logger.Info("link closed", "error", err)
	} else {
		e.logger.Info("link closed")
	}
}
