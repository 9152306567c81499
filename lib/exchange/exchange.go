// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package exchange implements the bootstrap step in which two freshly
// linked modules swap their initial handles.
//
// Each side's Module produces batches with Preset, naming which of its
// exported handles go to which counterpart. Run sends them all in one
// packet, waits for the counterpart's packet, checks that every batch
// is addressed from the counterpart to this module, and passes each to
// Import. After Run returns, new handles arise only as call results.
package exchange

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/rpc"
)

// Batch is one named group of exported handles.
type Batch struct {
	Exporter string            `cbor:"exporter"`
	Importer string            `cbor:"importer"`
	Handles  []handle.Instance `cbor:"handles"`
	Argument []byte            `cbor:"argument,omitempty"`
}

// packet is the wire form of a module's whole exchange.
type packet struct {
	Module  string  `cbor:"module"`
	Batches []Batch `cbor:"batches"`
}

// Module is one side's participation in the exchange.
type Module interface {
	// Name is the module name batches are addressed by.
	Name() string

	// Preset returns the batches this module exports to counterpart.
	// Handles are created with e.Export.
	Preset(e *rpc.Endpoint, counterpart string) []Batch

	// Import receives one batch from the counterpart. A batch the
	// module does not expect is a link description error; Import
	// should panic or return an error rather than ignore it.
	Import(e *rpc.Endpoint, batch Batch) error
}

// Funcs adapts a name and two functions to Module. A nil PresetFunc
// exports nothing; a nil ImportFunc accepts nothing.
type Funcs struct {
	ModuleName string
	PresetFunc func(e *rpc.Endpoint, counterpart string) []Batch
	ImportFunc func(e *rpc.Endpoint, batch Batch) error
}

func (f Funcs) Name() string { return f.ModuleName }

func (f Funcs) Preset(e *rpc.Endpoint, counterpart string) []Batch {
	if f.PresetFunc == nil {
		return nil
	}
	return f.PresetFunc(e, counterpart)
}

func (f Funcs) Import(e *rpc.Endpoint, batch Batch) error {
	if f.ImportFunc == nil {
		return fmt.Errorf("exchange: %s imports nothing but received a batch from %s", f.ModuleName, batch.Exporter)
	}
	return f.ImportFunc(e, batch)
}

// Run performs the exchange on e. It fills in each preset batch's
// Exporter and Importer when left empty, and rejects received batches
// that are not addressed from the counterpart to module.
func Run(e *rpc.Endpoint, module Module, timeout time.Duration) error {
	counterpart := e.Remote().Module
	name := module.Name()

	batches := module.Preset(e, counterpart)
	for i := range batches {
		if batches[i].Exporter == "" {
			batches[i].Exporter = name
		}
		if batches[i].Importer == "" {
			batches[i].Importer = counterpart
		}
		if err := checkAddress(batches[i], name, counterpart); err != nil {
			return fmt.Errorf("exchange: preset batch %d: %w", i, err)
		}
	}
	if err := e.SendExchange(packet{Module: name, Batches: batches}); err != nil {
		return fmt.Errorf("exchange: sending to %s: %w", counterpart, err)
	}

	var received packet
	if err := e.AwaitExchange(timeout, &received); err != nil {
		return fmt.Errorf("exchange: receiving from %s: %w", counterpart, err)
	}
	if received.Module != counterpart {
		return fmt.Errorf("exchange: packet from %q on the link to %q", received.Module, counterpart)
	}
	for i, batch := range received.Batches {
		if err := checkAddress(batch, counterpart, name); err != nil {
			return fmt.Errorf("exchange: batch %d from %s: %w", i, counterpart, err)
		}
		if err := module.Import(e, batch); err != nil {
			return fmt.Errorf("exchange: importing batch %d from %s: %w", i, counterpart, err)
		}
	}
	return nil
}

func checkAddress(batch Batch, exporter, importer string) error {
	if batch.Exporter != exporter {
		return fmt.Errorf("exporter is %q, want %q", batch.Exporter, exporter)
	}
	if batch.Importer != importer {
		return fmt.Errorf("importer is %q, want %q", batch.Importer, importer)
	}
	return nil
}

// ImportAll imports every handle in batch as a T.
func ImportAll[T any](e *rpc.Endpoint, batch Batch) ([]T, error) {
	proxies := make([]T, 0, len(batch.Handles))
	for _, instance := range batch.Handles {
		proxy, err := rpc.ImportAs[T](e, instance)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, proxy)
	}
	return proxies, nil
}
