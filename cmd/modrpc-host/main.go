// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// modrpc-host spawns the modules named in a link description, links to
// each one, runs the handle exchange, and exercises the echo handles it
// receives: one Echo call, then a derived echo made through the
// factory, called once and deleted. It finishes by terminating every
// link and waiting for the modules to exit.
//
// Without --link the host runs a single thread-mode echo module.
//
//	modrpc-host --link deploy/echo.jsonc --message "hello"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/modrpc/lib/config"
	"github.com/bureau-foundation/modrpc/lib/executor"
	"github.com/bureau-foundation/modrpc/lib/linkdesc"
	"github.com/bureau-foundation/modrpc/lib/logging"
	"github.com/bureau-foundation/modrpc/lib/process"
	"github.com/bureau-foundation/modrpc/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var linkPath string
	var message string
	var showVersion bool

	flagSet := pflag.NewFlagSet("modrpc-host", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $MODRPC_CONFIG, then built-in defaults)")
	flagSet.StringVar(&linkPath, "link", "", "path to a JSONC link description (default: one thread-mode echo module)")
	flagSet.StringVar(&message, "message", "hello", "message sent to every echo module")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("modrpc-host")
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureSocketDir(); err != nil {
		return err
	}
	logOptions, err := cfg.LoggingOptions()
	if err != nil {
		return err
	}
	logger := logging.New(logOptions)

	description := defaultDescription()
	if linkPath != "" {
		description, err = linkdesc.ReadFile(linkPath)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	h, err := newHost(cfg, logger, os.Stdout)
	if err != nil {
		return err
	}
	return h.run(ctx, description, message)
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.Resolve()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func defaultDescription() *linkdesc.Description {
	return &linkdesc.Description{Modules: []linkdesc.Module{
		{Name: "echo", Mode: executor.ModeThread},
	}}
}
