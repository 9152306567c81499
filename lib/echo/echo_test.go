// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package echo

import (
	"testing"
	"time"

	"github.com/bureau-foundation/modrpc/lib/rpc"
	"github.com/bureau-foundation/modrpc/lib/testutil"
	"github.com/bureau-foundation/modrpc/transport"
)

// link connects two runtimes with the echo registry over a memory pipe
// and returns both endpoints plus both raw pipe ends.
func link(t *testing.T) (server, client *rpc.Endpoint, serverConn, clientConn *transport.MemoryConn) {
	t.Helper()
	serverRuntime := rpc.NewRuntime("server", NewRegistry(), rpc.Options{})
	clientRuntime := rpc.NewRuntime("client", NewRegistry(), rpc.Options{})
	t.Cleanup(func() {
		serverRuntime.Close()
		clientRuntime.Close()
	})

	serverConn, clientConn = transport.MemoryPipe(nil)
	opened := make(chan *rpc.Endpoint, 1)
	go func() {
		endpoint, err := serverRuntime.Open(serverConn)
		if err != nil {
			t.Errorf("server Open: %v", err)
		}
		opened <- endpoint
	}()
	client, err := clientRuntime.Open(clientConn)
	if err != nil {
		t.Fatalf("client Open: %v", err)
	}
	server = testutil.RequireReceive(t, opened, 5*time.Second, "server Open")
	if server == nil {
		t.FailNow()
	}
	return server, client, serverConn, clientConn
}

func TestEchoOneFrameEachWay(t *testing.T) {
	server, client, serverConn, clientConn := link(t)

	proxy, err := rpc.ImportAs[*Proxy](client, server.Export(&Service{}))
	if err != nil {
		t.Fatalf("ImportAs: %v", err)
	}

	// The handshake exchanged one Hello frame in each direction.
	sentBefore := clientConn.Stats().FramesSent
	receivedBefore := clientConn.Stats().FramesReceived

	reply, err := proxy.Echo("hi")
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if reply != "hi" {
		t.Fatalf("Echo(%q) = %q", "hi", reply)
	}

	stats := clientConn.Stats()
	if requests := stats.FramesSent - sentBefore; requests != 1 {
		t.Errorf("client sent %d frames for one call, want 1", requests)
	}
	if responses := stats.FramesReceived - receivedBefore; responses != 1 {
		t.Errorf("client received %d frames for one call, want 1", responses)
	}
	if mirror := serverConn.Stats(); mirror.FramesSent != stats.FramesReceived || mirror.FramesReceived != stats.FramesSent {
		t.Errorf("server stats %+v do not mirror client stats %+v", mirror, stats)
	}
}

func TestEchoMatchesLocalImplementation(t *testing.T) {
	server, client, _, _ := link(t)
	local := &Service{Prefix: ">> "}
	proxy, err := rpc.ImportAs[*Proxy](client, server.Export(local))
	if err != nil {
		t.Fatalf("ImportAs: %v", err)
	}

	for _, message := range []string{"", "hi", "ünïcødé", string(make([]byte, 10_000)), "tab\tnewline\n"} {
		want := (&Service{Prefix: ">> "}).Echo(message)
		got, err := proxy.Echo(message)
		if err != nil {
			t.Fatalf("Echo: %v", err)
		}
		if got != want {
			t.Errorf("Echo of %d-byte message differs from the local result", len(message))
		}
	}
	if local.Calls() != 5 {
		t.Errorf("service saw %d calls, want 5", local.Calls())
	}
}

func TestFactoryHandlesAndDelete(t *testing.T) {
	server, client, _, _ := link(t)

	created := make(chan *Service, 1)
	factory, err := rpc.ImportAs[*FactoryProxy](client, server.Export(&FactoryService{
		Created: func(s *Service) { created <- s },
	}))
	if err != nil {
		t.Fatalf("ImportAs: %v", err)
	}

	derived, err := factory.NewEcho("derived: ")
	if err != nil {
		t.Fatalf("NewEcho: %v", err)
	}
	service := testutil.RequireReceive(t, created, 5*time.Second, "factory created a service")

	reply, err := derived.Echo("x")
	if err != nil || reply != "derived: x" {
		t.Fatalf("Echo = %q, %v", reply, err)
	}
	if err := derived.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// A call after the delete on the same link is dispatched after it.
	if _, err := factory.NewEcho("second: "); err != nil {
		t.Fatalf("NewEcho: %v", err)
	}
	<-created
	if !service.Released() {
		t.Error("deleted service was not released")
	}
	if server.Exported() != 2 {
		t.Errorf("server exports %d objects, want factory plus second echo", server.Exported())
	}
}
