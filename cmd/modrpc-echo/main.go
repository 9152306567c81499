// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// modrpc-echo is the echo module as a standalone executable. A host
// spawns it with the bootstrap address as its first argument:
//
//	modrpc-echo <address> [--prefix <text>]
//
// It exports one Echo and one Factory to the host during the handle
// exchange and serves calls until the host terminates the link or the
// process receives SIGTERM, in which case it runs the terminate
// handshake itself.
//
// Configuration comes from the file named by MODRPC_CONFIG when set,
// and from built-in defaults otherwise.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/modrpc/lib/config"
	"github.com/bureau-foundation/modrpc/lib/echomodule"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/logging"
	"github.com/bureau-foundation/modrpc/lib/process"
	"github.com/bureau-foundation/modrpc/lib/version"
	"github.com/bureau-foundation/modrpc/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("modrpc-echo")
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logOptions, err := cfg.LoggingOptions()
	if err != nil {
		return err
	}
	logger := logging.New(logOptions).With("module", echomodule.Name)

	runtimeOptions, err := cfg.RuntimeOptions(logger)
	if err != nil {
		return err
	}
	runtimeOptions.OnFailure = func(port handle.PortID, err error) {
		process.Abort(logger.With("port", port), "link to parent corrupted", err)
	}
	timeouts, err := cfg.Timeouts()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	return echomodule.Run(ctx, os.Args, transport.Dialer{Timeout: timeouts.Init}, echomodule.Options{
		Runtime:          runtimeOptions,
		ExchangeTimeout:  timeouts.Exchange,
		TerminateTimeout: timeouts.Terminate,
		Logger:           logger,
	})
}

func loadConfig() (*config.Config, error) {
	if os.Getenv(config.EnvVar) != "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	cfg := config.Default()
	cfg.Resolve()
	return cfg, nil
}
