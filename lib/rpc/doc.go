// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc is the call dispatch engine: a registry of service
// traits and their methods, a process-scoped Runtime that opens links,
// and per-link Endpoints that export local services, import remote
// ones, and carry synchronous calls between them.
//
// Registration happens once at startup, before any link opens:
//
//	registry := rpc.NewRegistry()
//	trait := registry.Trait(1, "Echo", func(h *rpc.Handle) any { return &EchoProxy{h} })
//	rpc.Method(trait, 1, "echo", func(e *rpc.Endpoint, s *EchoService, in string) string { ... })
//	runtime := rpc.NewRuntime("host", registry, rpc.Options{...})
//
// NewRuntime seals the registry. Both ends of a link must register the
// same traits and methods; the handshake compares registry
// fingerprints and refuses to link on a mismatch.
//
// A call blocks the calling goroutine until the response arrives or
// the link goes down. There is no call timeout or cancellation: a
// missing response means the counterpart died, reported as
// ErrLinkClosed. Calls from different goroutines proceed in parallel,
// including calls on the same handle; services that need mutual
// exclusion provide it themselves.
//
// Inbound calls are looked up on the link's read loop, in arrival
// order, and each method body then runs on its own goroutine. A
// delete is applied on the read loop, so a delete that follows a call
// on the same link never overtakes the call's lookup.
package rpc
