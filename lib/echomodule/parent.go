// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package echomodule

import (
	"fmt"

	"github.com/bureau-foundation/modrpc/lib/echo"
	"github.com/bureau-foundation/modrpc/lib/exchange"
	"github.com/bureau-foundation/modrpc/lib/rpc"
)

// Imports holds the proxies the echo module exports to its parent.
type Imports struct {
	Echo    *echo.Proxy
	Factory *echo.FactoryProxy
}

// Parent returns the exchange side a parent named name runs against
// the echo module. It exports no handles and fills imports. A non-nil
// argument (CBOR) is sent to the module in a batch of its own.
func Parent(name string, argument []byte, imports *Imports) exchange.Module {
	return exchange.Funcs{
		ModuleName: name,
		PresetFunc: func(e *rpc.Endpoint, counterpart string) []exchange.Batch {
			if argument == nil {
				return nil
			}
			return []exchange.Batch{{Argument: argument}}
		},
		ImportFunc: func(e *rpc.Endpoint, batch exchange.Batch) error {
			if imports.Echo != nil {
				return fmt.Errorf("echo: second batch from %s", batch.Exporter)
			}
			if len(batch.Handles) != 2 {
				return fmt.Errorf("echo: batch carries %d handles, want echo and factory", len(batch.Handles))
			}
			proxy, err := rpc.ImportAs[*echo.Proxy](e, batch.Handles[0])
			if err != nil {
				return err
			}
			factory, err := rpc.ImportAs[*echo.FactoryProxy](e, batch.Handles[1])
			if err != nil {
				return err
			}
			imports.Echo, imports.Factory = proxy, factory
			return nil
		},
	}
}
