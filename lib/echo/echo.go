// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package echo defines two small service traits, registered the way
// any service author registers one: Echo returns its argument, and
// Factory mints new Echo objects and returns their handles.
package echo

import (
	"sync/atomic"

	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/rpc"
)

// Trait and method ids.
const (
	EchoTrait    handle.TraitID = 1
	FactoryTrait handle.TraitID = 2

	MethodEcho    handle.MethodID = 1
	MethodNewEcho handle.MethodID = 1
)

// Service returns messages with its prefix prepended.
type Service struct {
	Prefix string

	calls    atomic.Int64
	released atomic.Bool
}

func (*Service) TraitID() handle.TraitID { return EchoTrait }

// Echo is the local implementation.
func (s *Service) Echo(message string) string {
	s.calls.Add(1)
	return s.Prefix + message
}

// Calls returns how many messages s has echoed.
func (s *Service) Calls() int64 { return s.calls.Load() }

// Release implements rpc.Releaser.
func (s *Service) Release() { s.released.Store(true) }

// Released reports whether the importer deleted its handle.
func (s *Service) Released() bool { return s.released.Load() }

// FactoryService exports a new Service per NewEcho call.
type FactoryService struct {
	// Created receives every Service the factory exports, if non-nil.
	Created func(*Service)
}

func (*FactoryService) TraitID() handle.TraitID { return FactoryTrait }

// Proxy is the caller side of Echo.
type Proxy struct{ *rpc.Handle }

// Echo sends message to the remote Service.
func (p *Proxy) Echo(message string) (string, error) {
	var reply string
	err := p.Call(MethodEcho, message, &reply)
	return reply, err
}

// FactoryProxy is the caller side of Factory.
type FactoryProxy struct{ *rpc.Handle }

// NewEcho asks the remote factory for an Echo with prefix.
func (p *FactoryProxy) NewEcho(prefix string) (*Proxy, error) {
	var instance handle.Instance
	if err := p.Call(MethodNewEcho, prefix, &instance); err != nil {
		return nil, err
	}
	return rpc.ImportAs[*Proxy](p.Endpoint(), instance)
}

// Register adds both traits to registry.
func Register(registry *rpc.Registry) {
	echoTrait := registry.Trait(EchoTrait, "Echo", func(h *rpc.Handle) any { return &Proxy{h} })
	rpc.Method(echoTrait, MethodEcho, "echo", func(_ *rpc.Endpoint, s *Service, message string) string {
		return s.Echo(message)
	})

	factoryTrait := registry.Trait(FactoryTrait, "Factory", func(h *rpc.Handle) any { return &FactoryProxy{h} })
	rpc.Method(factoryTrait, MethodNewEcho, "new_echo", func(e *rpc.Endpoint, f *FactoryService, prefix string) handle.Instance {
		service := &Service{Prefix: prefix}
		if f.Created != nil {
			f.Created(service)
		}
		return e.Export(service)
	})
}

// NewRegistry returns a registry holding only the echo traits.
func NewRegistry() *rpc.Registry {
	registry := rpc.NewRegistry()
	Register(registry)
	return registry
}
