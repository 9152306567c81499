// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"sync/atomic"

	"github.com/bureau-foundation/modrpc/lib/handle"
)

// ConsumedError is the panic value for any use of a Handle after
// Delete.
type ConsumedError struct {
	Instance  handle.Instance
	Operation string
}

func (e *ConsumedError) Error() string {
	return fmt.Sprintf("rpc: %s on deleted handle %v", e.Operation, e.Instance)
}

// Handle is the caller-side base every proxy embeds. It routes calls
// for one imported instance through the endpoint it arrived on.
//
// Delete consumes the handle. Every later Call, Delete, or Instance
// panics with a *ConsumedError, since the counterpart may already have
// given the slot to a different object.
type Handle struct {
	endpoint *Endpoint
	instance handle.Instance
	deleted  atomic.Bool
}

func newHandle(e *Endpoint, instance handle.Instance) *Handle {
	return &Handle{endpoint: e, instance: instance}
}

// Call forwards to Endpoint.Call.
func (h *Handle) Call(method handle.MethodID, argument, result any) error {
	h.live("call")
	return h.endpoint.Call(h.instance, method, argument, result)
}

// Delete asks the exporter to free the object and consumes h.
func (h *Handle) Delete() error {
	if h.deleted.Swap(true) {
		panic(&ConsumedError{Instance: h.instance, Operation: "delete"})
	}
	return h.endpoint.Delete(h.instance)
}

// Instance returns the handle value, for logging or for passing the
// handle back to its exporter.
func (h *Handle) Instance() handle.Instance {
	h.live("instance")
	return h.instance
}

// Endpoint returns the endpoint the handle was imported over.
func (h *Handle) Endpoint() *Endpoint { return h.endpoint }

// Deleted reports whether Delete has been called.
func (h *Handle) Deleted() bool { return h.deleted.Load() }

func (h *Handle) live(operation string) {
	if h.deleted.Load() {
		panic(&ConsumedError{Instance: h.instance, Operation: operation})
	}
}
