// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package echomodule is the echo module's main loop, shared by the
// modrpc-echo binary and thread-mode hosts.
//
// The module bootstraps from its arguments, links to its parent,
// exports one Echo and one Factory to it during the handle exchange,
// and serves calls until it is asked to stop or the parent terminates
// the link.
package echomodule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/modrpc/lib/codec"
	"github.com/bureau-foundation/modrpc/lib/echo"
	"github.com/bureau-foundation/modrpc/lib/exchange"
	"github.com/bureau-foundation/modrpc/lib/executee"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/rpc"
	"github.com/bureau-foundation/modrpc/transport"
)

// Name is the module name announced in handshakes and exchanges.
const Name = "echo"

// Options configures Run.
type Options struct {
	Runtime          rpc.Options
	ExchangeTimeout  time.Duration
	TerminateTimeout time.Duration

	// Prefix is given to the exported Echo. A --prefix flag after the
	// bootstrap address overrides it.
	Prefix string

	// OnArgument receives the decoded argument the parent sends during
	// the exchange, if any.
	OnArgument func(value any)

	Logger *slog.Logger
}

// Run is the module's main. It returns nil after a clean terminate
// handshake in either direction.
func Run(ctx context.Context, args []string, dialer transport.Dialer, options Options) error {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if options.Runtime.Logger == nil {
		options.Runtime.Logger = logger
	}
	if options.ExchangeTimeout <= 0 {
		options.ExchangeTimeout = time.Second
	}

	if len(args) > 2 {
		flags := pflag.NewFlagSet(Name, pflag.ContinueOnError)
		flags.StringVar(&options.Prefix, "prefix", options.Prefix, "prefix prepended to echoed messages")
		if err := flags.Parse(args[2:]); err != nil {
			return fmt.Errorf("echo: %w", err)
		}
	}

	self, err := executee.Start(args, executee.Options{
		Dialer:           dialer,
		TerminateTimeout: options.TerminateTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	runtime := rpc.NewRuntime(Name, echo.NewRegistry(), options.Runtime)
	defer runtime.Close()

	endpoint, err := self.Link(runtime)
	if err != nil {
		self.Conn().Close()
		return fmt.Errorf("echo: linking to parent: %w", err)
	}

	preset := exchange.Funcs{
		ModuleName: Name,
		PresetFunc: func(e *rpc.Endpoint, counterpart string) []exchange.Batch {
			return []exchange.Batch{{
				Handles: []handle.Instance{
					e.Export(&echo.Service{Prefix: options.Prefix}),
					e.Export(&echo.FactoryService{}),
				},
			}}
		},
		ImportFunc: func(e *rpc.Endpoint, batch exchange.Batch) error {
			if len(batch.Handles) != 0 {
				return fmt.Errorf("echo: %s sent %d handles, want none", batch.Exporter, len(batch.Handles))
			}
			if batch.Argument == nil {
				return nil
			}
			var value any
			if err := codec.Unmarshal(batch.Argument, &value); err != nil {
				return fmt.Errorf("echo: decoding argument from %s: %w", batch.Exporter, err)
			}
			logger.Info("echo module received argument", "from", batch.Exporter)
			if options.OnArgument != nil {
				options.OnArgument(value)
			}
			return nil
		},
	}
	if err := exchange.Run(endpoint, preset, options.ExchangeTimeout); err != nil {
		endpoint.Close()
		return err
	}
	logger.Info("echo module serving", "parent", endpoint.Remote().Module)

	select {
	case <-ctx.Done():
		logger.Info("echo module stopping")
		return self.Terminate()
	case <-endpoint.Terminated():
		if err := endpoint.Err(); err != nil {
			return fmt.Errorf("echo: link to parent lost: %w", err)
		}
		logger.Info("parent terminated the link")
		return nil
	}
}
