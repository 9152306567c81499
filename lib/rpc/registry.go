// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/modrpc/lib/codec"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/wire"
)

// Service is a locally implemented object that can be exported.
type Service interface {
	TraitID() handle.TraitID
}

// Releaser is implemented by services that hold resources to free
// when the importer deletes its handle.
type Releaser interface {
	Release()
}

// ProxyConstructor wraps an imported handle in a typed caller-side
// object.
type ProxyConstructor func(h *Handle) any

// Dispatcher decodes a call payload, invokes the method on target, and
// returns the encoded result with wire.HeaderSize bytes reserved in
// front. An error is fatal to the link.
type Dispatcher func(e *Endpoint, target Service, payload []byte) ([]byte, error)

// Registry maps trait ids to proxy constructors and (trait, method)
// pairs to dispatchers. It is populated at startup and sealed by
// NewRuntime; lookups after sealing need no locking.
type Registry struct {
	traits      map[handle.TraitID]*Trait
	sealed      bool
	fingerprint [32]byte
}

// Trait is one registered service interface.
type Trait struct {
	registry *Registry
	id       handle.TraitID
	name     string
	proxy    ProxyConstructor
	methods  map[handle.MethodID]*method
}

type method struct {
	name       string
	argument   string
	result     string
	dispatcher Dispatcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{traits: make(map[handle.TraitID]*Trait)}
}

// Trait registers a trait. Panics on a duplicate id, a nil
// constructor, or a sealed registry.
func (r *Registry) Trait(id handle.TraitID, name string, proxy ProxyConstructor) *Trait {
	r.mutable()
	if existing, exists := r.traits[id]; exists {
		panic(fmt.Sprintf("rpc: trait %d registered twice (%q and %q)", id, existing.name, name))
	}
	if proxy == nil {
		panic(fmt.Sprintf("rpc: trait %d (%q) has no proxy constructor", id, name))
	}
	trait := &Trait{
		registry: r,
		id:       id,
		name:     name,
		proxy:    proxy,
		methods:  make(map[handle.MethodID]*method),
	}
	r.traits[id] = trait
	return trait
}

// ID returns the trait id.
func (t *Trait) ID() handle.TraitID { return t.id }

// Name returns the trait name.
func (t *Trait) Name() string { return t.name }

// Method registers a method on trait. The dispatcher decodes an A,
// calls fn with the target asserted to S, and encodes the R it
// returns. Method id handle.MethodDelete is reserved. Panics on a
// duplicate id or a sealed registry.
func Method[S Service, A, R any](trait *Trait, id handle.MethodID, name string, fn func(e *Endpoint, service S, argument A) R) {
	trait.registry.mutable()
	if id == handle.MethodDelete {
		panic(fmt.Sprintf("rpc: %s.%s uses reserved method id %d", trait.name, name, id))
	}
	if existing, exists := trait.methods[id]; exists {
		panic(fmt.Sprintf("rpc: %s method %d registered twice (%q and %q)", trait.name, id, existing.name, name))
	}

	qualified := trait.name + "." + name
	trait.methods[id] = &method{
		name:     name,
		argument: typeName[A](),
		result:   typeName[R](),
		dispatcher: func(e *Endpoint, target Service, payload []byte) ([]byte, error) {
			service, ok := target.(S)
			if !ok {
				return nil, wire.Violation("%s called on a %T", qualified, target)
			}
			var argument A
			if err := codec.Unmarshal(payload, &argument); err != nil {
				return nil, wire.DecodeFailure(qualified+" arguments", payload, err)
			}
			result := fn(e, service, argument)
			buffer, err := codec.MarshalAfter(wire.HeaderSize, result)
			if err != nil {
				return nil, fmt.Errorf("rpc: encoding %s result: %w", qualified, err)
			}
			return buffer, nil
		},
	}
}

// Seal freezes the registry and computes its fingerprint. Idempotent.
func (r *Registry) Seal() {
	if r.sealed {
		return
	}
	r.sealed = true
	r.fingerprint = r.digest()
}

// Fingerprint returns the BLAKE3 digest of the registration table.
// Panics if the registry is not sealed.
func (r *Registry) Fingerprint() [32]byte {
	if !r.sealed {
		panic("rpc: Fingerprint of an unsealed registry")
	}
	return r.fingerprint
}

func (r *Registry) trait(id handle.TraitID) (*Trait, bool) {
	trait, ok := r.traits[id]
	return trait, ok
}

func (r *Registry) dispatcher(trait handle.TraitID, id handle.MethodID) (Dispatcher, bool) {
	registered, ok := r.traits[trait]
	if !ok {
		return nil, false
	}
	m, ok := registered.methods[id]
	if !ok {
		return nil, false
	}
	return m.dispatcher, true
}

func (r *Registry) mutable() {
	if r.sealed {
		panic("rpc: registration after the registry was sealed")
	}
}

// digest hashes one line per trait and per method, sorted by id, so
// both ends agree regardless of registration order.
func (r *Registry) digest() [32]byte {
	traitIDs := make([]handle.TraitID, 0, len(r.traits))
	for id := range r.traits {
		traitIDs = append(traitIDs, id)
	}
	sort.Slice(traitIDs, func(i, j int) bool { return traitIDs[i] < traitIDs[j] })

	hasher := blake3.New()
	for _, traitID := range traitIDs {
		trait := r.traits[traitID]
		io.WriteString(hasher, "trait " + strconv.Itoa(int(traitID)) + " " + trait.name + "\n")

		methodIDs := make([]handle.MethodID, 0, len(trait.methods))
		for id := range trait.methods {
			methodIDs = append(methodIDs, id)
		}
		sort.Slice(methodIDs, func(i, j int) bool { return methodIDs[i] < methodIDs[j] })
		for _, methodID := range methodIDs {
			m := trait.methods[methodID]
			io.WriteString(hasher, "method " + strconv.FormatUint(uint64(methodID), 10) + " " + m.name + " " + m.argument + " -> " + m.result + "\n")
		}
	}

	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}
