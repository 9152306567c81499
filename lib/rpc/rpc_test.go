// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/testutil"
	"github.com/bureau-foundation/modrpc/lib/wire"
	"github.com/bureau-foundation/modrpc/transport"
)

// The calculator trait: add two numbers, and mint accumulators.

const (
	calculatorTrait  handle.TraitID  = 10
	accumulatorTrait handle.TraitID  = 11
	methodAdd        handle.MethodID = 1
	methodNewAcc     handle.MethodID = 2
	methodAccumulate handle.MethodID = 1
)

type addArgs struct {
	A int64 `cbor:"a"`
	B int64 `cbor:"b"`
}

type calculator struct{}

func (*calculator) TraitID() handle.TraitID { return calculatorTrait }

type accumulator struct {
	mu       sync.Mutex
	total    int64
	released *atomic.Int32
}

func (*accumulator) TraitID() handle.TraitID { return accumulatorTrait }

func (a *accumulator) Release() { a.released.Add(1) }

type calculatorProxy struct{ *Handle }

func (p *calculatorProxy) Add(a, b int64) (int64, error) {
	var sum int64
	err := p.Call(methodAdd, addArgs{A: a, B: b}, &sum)
	return sum, err
}

func (p *calculatorProxy) NewAccumulator(start int64) (*accumulatorProxy, error) {
	var instance handle.Instance
	if err := p.Call(methodNewAcc, start, &instance); err != nil {
		return nil, err
	}
	return ImportAs[*accumulatorProxy](p.Endpoint(), instance)
}

type accumulatorProxy struct{ *Handle }

func (p *accumulatorProxy) Accumulate(n int64) (int64, error) {
	var total int64
	err := p.Call(methodAccumulate, n, &total)
	return total, err
}

func calculatorRegistry(released *atomic.Int32) *Registry {
	registry := NewRegistry()
	calc := registry.Trait(calculatorTrait, "Calculator", func(h *Handle) any { return &calculatorProxy{h} })
	Method(calc, methodAdd, "add", func(_ *Endpoint, _ *calculator, args addArgs) int64 {
		return args.A + args.B
	})
	Method(calc, methodNewAcc, "new_accumulator", func(e *Endpoint, _ *calculator, start int64) handle.Instance {
		return e.Export(&accumulator{total: start, released: released})
	})
	acc := registry.Trait(accumulatorTrait, "Accumulator", func(h *Handle) any { return &accumulatorProxy{h} })
	Method(acc, methodAccumulate, "accumulate", func(_ *Endpoint, a *accumulator, n int64) int64 {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.total += n
		return a.total
	})
	return registry
}

// linkPair opens a link between two runtimes over a memory pipe.
func linkPair(t *testing.T, registryA, registryB *Registry, options Options) (*Endpoint, *Endpoint) {
	t.Helper()
	runtimeA := NewRuntime("server", registryA, options)
	runtimeB := NewRuntime("client", registryB, options)
	t.Cleanup(func() {
		runtimeA.Close()
		runtimeB.Close()
	})

	connA, connB := transport.MemoryPipe(nil)
	type opened struct {
		endpoint *Endpoint
		err      error
	}
	fromA := make(chan opened, 1)
	go func() {
		endpoint, err := runtimeA.Open(connA)
		fromA <- opened{endpoint, err}
	}()
	b, err := runtimeB.Open(connB)
	if err != nil {
		t.Fatalf("client Open: %v", err)
	}
	a := testutil.RequireReceive(t, fromA, 5*time.Second, "server Open")
	if a.err != nil {
		t.Fatalf("server Open: %v", a.err)
	}
	return a.endpoint, b
}

// importCalculator exports a calculator on server and imports it on
// client, standing in for a handle exchange.
func importCalculator(t *testing.T, server, client *Endpoint) *calculatorProxy {
	t.Helper()
	instance := server.Export(&calculator{})
	if instance.Port != client.ID() {
		t.Fatalf("exported handle carries port %d, importer is port %d", instance.Port, client.ID())
	}
	proxy, err := ImportAs[*calculatorProxy](client, instance)
	if err != nil {
		t.Fatalf("ImportAs: %v", err)
	}
	return proxy
}

func TestRoundTripCall(t *testing.T) {
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), Options{})
	proxy := importCalculator(t, server, client)

	for _, test := range []addArgs{{1, 2}, {-5, 5}, {1 << 40, 1 << 40}, {0, 0}} {
		sum, err := proxy.Add(test.A, test.B)
		if err != nil {
			t.Fatalf("Add(%d, %d): %v", test.A, test.B, err)
		}
		if sum != test.A+test.B {
			t.Errorf("Add(%d, %d) = %d, want %d", test.A, test.B, sum, test.A+test.B)
		}
	}
}

func TestConcurrentCallsOnOneHandle(t *testing.T) {
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), Options{MaxInflightCalls: 4})
	proxy := importCalculator(t, server, client)

	const goroutines, calls = 16, 50
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int64) {
			defer wg.Done()
			for i := int64(0); i < calls; i++ {
				sum, err := proxy.Add(g, i)
				if err != nil {
					errs <- err
					return
				}
				if sum != g+i {
					errs <- errors.New("wrong sum")
					return
				}
			}
		}(int64(g))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestHandleReturnedFromCallAndDeleted(t *testing.T) {
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), Options{})
	proxy := importCalculator(t, server, client)

	acc, err := proxy.NewAccumulator(10)
	if err != nil {
		t.Fatalf("NewAccumulator: %v", err)
	}
	if server.Exported() != 2 {
		t.Errorf("server exports %d objects, want 2", server.Exported())
	}
	for _, step := range []struct{ add, want int64 }{{5, 15}, {-20, -5}} {
		total, err := acc.Accumulate(step.add)
		if err != nil || total != step.want {
			t.Fatalf("Accumulate(%d) = %d, %v; want %d", step.add, total, err, step.want)
		}
	}

	if err := acc.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// The delete is one-way; a following call on the same link is
	// dispatched after it.
	if _, err := proxy.Add(1, 1); err != nil {
		t.Fatalf("Add after delete: %v", err)
	}
	if server.Exported() != 1 {
		t.Errorf("server exports %d objects after delete, want 1", server.Exported())
	}
	if released.Load() != 1 {
		t.Errorf("Release called %d times, want 1", released.Load())
	}

	recovered := testutil.RequirePanic(t, func() { acc.Accumulate(1) }, "call on deleted handle")
	consumed, ok := recovered.(*ConsumedError)
	if !ok {
		t.Fatalf("panic value = %#v, want *ConsumedError", recovered)
	}
	if consumed.Operation != "call" {
		t.Errorf("Operation = %q, want call", consumed.Operation)
	}
	testutil.RequirePanic(t, func() { acc.Delete() }, "second delete")
}

func TestCallOnUnknownObjectFailsLink(t *testing.T) {
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), Options{MaxHandles: 8})

	forged := handle.Instance{Trait: calculatorTrait, Object: 7, Port: client.ID()}
	proxy, err := ImportAs[*calculatorProxy](client, forged)
	if err != nil {
		t.Fatalf("ImportAs: %v", err)
	}
	if _, err := proxy.Add(1, 2); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("Add on forged handle = %v, want ErrLinkClosed", err)
	}
	testutil.RequireClosed(t, server.Terminated(), 5*time.Second, "server link")
	if server.Err() == nil {
		t.Error("server link closed without a failure cause")
	}
}

func TestCallWithTraitMismatchFailsLink(t *testing.T) {
	type failure struct {
		port handle.PortID
		err  error
	}
	failures := make(chan failure, 2)
	options := Options{OnFailure: func(port handle.PortID, err error) { failures <- failure{port, err} }}
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), options)

	// A real calculator slot, addressed as if it were an accumulator.
	instance := server.Export(&calculator{})
	instance.Trait = accumulatorTrait
	proxy, err := ImportAs[*accumulatorProxy](client, instance)
	if err != nil {
		t.Fatalf("ImportAs: %v", err)
	}
	if _, err := proxy.Accumulate(1); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("Accumulate = %v, want ErrLinkClosed", err)
	}

	// Only the side that saw the violation reports a failure; the
	// other just sees its counterpart go away.
	got := testutil.RequireReceive(t, failures, 5*time.Second, "failure hook")
	if got.port != server.ID() {
		t.Errorf("failure reported for port %d, want server port %d", got.port, server.ID())
	}
	var protocolErr *wire.ProtocolError
	if !errors.As(got.err, &protocolErr) {
		t.Errorf("failure cause = %v, want *wire.ProtocolError", got.err)
	}
	testutil.RequireClosed(t, client.Terminated(), 5*time.Second, "client link")
	testutil.RequireNoReceive(t, failures, 50*time.Millisecond, "client failure hook")
}

func TestImportRejectsForeignHandles(t *testing.T) {
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), Options{MaxHandles: 8})

	tests := []struct {
		name     string
		instance handle.Instance
	}{
		{"wrong port", handle.Instance{Trait: calculatorTrait, Object: 0, Port: client.ID() + 1}},
		{"beyond ceiling", handle.Instance{Trait: calculatorTrait, Object: 8, Port: client.ID()}},
		{"unknown trait", handle.Instance{Trait: 99, Object: 0, Port: client.ID()}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := client.Import(test.instance); err == nil {
				t.Errorf("Import(%v) succeeded", test.instance)
			}
		})
	}
	if _, err := ImportAs[*accumulatorProxy](client, server.Export(&calculator{})); err == nil {
		t.Error("ImportAs with the wrong proxy type succeeded")
	}
}

func TestCounterpartDeathReturnsErrLinkClosed(t *testing.T) {
	var released atomic.Int32
	registry := calculatorRegistry(&released)
	block := make(chan struct{})
	slow := registry.Trait(20, "Slow", func(h *Handle) any { return h })
	Method(slow, 1, "wait", func(_ *Endpoint, _ *slowService, _ struct{}) struct{} {
		<-block
		return struct{}{}
	})
	defer close(block)

	clientRegistry := calculatorRegistry(&released)
	Method(clientRegistry.Trait(20, "Slow", func(h *Handle) any { return h }), 1, "wait",
		func(_ *Endpoint, _ *slowService, _ struct{}) struct{} { return struct{}{} })

	server, client := linkPair(t, registry, clientRegistry, Options{})
	h, err := ImportAs[*Handle](client, server.Export(&slowService{}))
	if err != nil {
		t.Fatalf("ImportAs: %v", err)
	}

	result := make(chan error, 1)
	go func() { result <- h.Call(1, struct{}{}, nil) }()
	testutil.RequireNoReceive(t, result, 50*time.Millisecond, "call to a blocked method")

	server.Close()
	if err := testutil.RequireReceive(t, result, 5*time.Second, "call after counterpart close"); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("Call = %v, want ErrLinkClosed", err)
	}
	if err := h.Call(1, struct{}{}, nil); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("Call on a closed link = %v, want ErrLinkClosed", err)
	}
}

type slowService struct{}

func (*slowService) TraitID() handle.TraitID { return 20 }

func TestFingerprintMismatchRefusesLink(t *testing.T) {
	var released atomic.Int32
	other := calculatorRegistry(&released)
	Method(other.traits[calculatorTrait], 3, "multiply", func(_ *Endpoint, _ *calculator, args addArgs) int64 {
		return args.A * args.B
	})

	runtimeA := NewRuntime("server", calculatorRegistry(&released), Options{})
	runtimeB := NewRuntime("client", other, Options{})
	defer runtimeA.Close()
	defer runtimeB.Close()

	connA, connB := transport.MemoryPipe(nil)
	errA := make(chan error, 1)
	go func() {
		_, err := runtimeA.Open(connA)
		errA <- err
	}()
	if _, err := runtimeB.Open(connB); err == nil {
		t.Fatal("client Open succeeded with a mismatched registry")
	}
	if err := testutil.RequireReceive(t, errA, 5*time.Second, "server Open"); err == nil {
		t.Fatal("server Open succeeded with a mismatched registry")
	}
	if len(runtimeA.Endpoints()) != 0 || len(runtimeB.Endpoints()) != 0 {
		t.Error("refused link left endpoints behind")
	}
}

func TestHandleExchangePackets(t *testing.T) {
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), Options{})

	type batch struct {
		Names []string `cbor:"names"`
	}
	if err := server.SendExchange(batch{Names: []string{"calculator"}}); err != nil {
		t.Fatalf("SendExchange: %v", err)
	}
	var received batch
	if err := client.AwaitExchange(5*time.Second, &received); err != nil {
		t.Fatalf("AwaitExchange: %v", err)
	}
	if len(received.Names) != 1 || received.Names[0] != "calculator" {
		t.Errorf("received %+v", received)
	}
	testutil.RequirePanic(t, func() { server.SendExchange(batch{}) }, "second SendExchange")
}

func TestExchangeDeliveredAfterCounterpartCloses(t *testing.T) {
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), Options{})

	if err := server.SendExchange([]string{"calculator"}); err != nil {
		t.Fatalf("SendExchange: %v", err)
	}
	server.Close()
	testutil.RequireClosed(t, client.Terminated(), 5*time.Second, "client link did not go down")

	var received []string
	if err := client.AwaitExchange(5*time.Second, &received); err != nil {
		t.Fatalf("AwaitExchange after close = %v, want the queued exchange", err)
	}
	if len(received) != 1 || received[0] != "calculator" {
		t.Errorf("received %v", received)
	}
	if err := client.AwaitExchange(time.Second, &received); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("second AwaitExchange = %v, want ErrLinkClosed", err)
	}
}

func TestRuntimeTracksEndpoints(t *testing.T) {
	var released atomic.Int32
	server, client := linkPair(t, calculatorRegistry(&released), calculatorRegistry(&released), Options{})

	runtime := client.Runtime()
	if found, ok := runtime.Endpoint(client.ID()); !ok || found != client {
		t.Fatalf("Endpoint(%d) = %v, %v", client.ID(), found, ok)
	}
	if client.Remote().Module != "server" || server.Remote().Module != "client" {
		t.Errorf("remote modules = %q / %q", client.Remote().Module, server.Remote().Module)
	}

	if err := client.Terminate(5 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	testutil.RequireClosed(t, server.Terminated(), 5*time.Second, "server after terminate")

	deadline := time.Now().Add(5 * time.Second) //nolint:realclock polling background cleanup
	for len(runtime.Endpoints()) != 0 {
		if time.Now().After(deadline) { //nolint:realclock polling background cleanup
			t.Fatal("endpoint was not released after terminate")
		}
		time.Sleep(time.Millisecond) //nolint:realclock polling background cleanup
	}
}
