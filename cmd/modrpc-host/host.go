// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/modrpc/lib/config"
	"github.com/bureau-foundation/modrpc/lib/echo"
	"github.com/bureau-foundation/modrpc/lib/echomodule"
	"github.com/bureau-foundation/modrpc/lib/exchange"
	"github.com/bureau-foundation/modrpc/lib/executor"
	"github.com/bureau-foundation/modrpc/lib/handle"
	"github.com/bureau-foundation/modrpc/lib/linkdesc"
	"github.com/bureau-foundation/modrpc/lib/rpc"
	"github.com/bureau-foundation/modrpc/transport"
)

// hostName is the module name the host announces.
const hostName = "host"

type host struct {
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	timeouts config.Timeouts
	runtime  *rpc.Runtime
	hub      *transport.MemoryHub
}

func newHost(cfg *config.Config, logger *slog.Logger, out io.Writer) (*host, error) {
	timeouts, err := cfg.Timeouts()
	if err != nil {
		return nil, err
	}
	options, err := cfg.RuntimeOptions(logger)
	if err != nil {
		return nil, err
	}
	options.OnFailure = func(port handle.PortID, err error) {
		logger.Error("module broke the protocol", "port", port, "error", err)
	}
	return &host{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		timeouts: timeouts,
		runtime:  rpc.NewRuntime(hostName, echo.NewRegistry(), options),
		hub:      transport.NewMemoryHub(nil),
	}, nil
}

// linked is one spawned module with its link and imports.
type linked struct {
	module   linkdesc.Module
	child    *executor.Child
	endpoint *rpc.Endpoint
	imports  echomodule.Imports
}

func (h *host) run(ctx context.Context, description *linkdesc.Description, message string) error {
	defer h.runtime.Close()

	var group executor.Group
	var modules []*linked
	var errs []error
	for _, module := range description.Modules {
		m, err := h.start(ctx, module)
		if m != nil {
			group.Add(m.child)
		}
		if err != nil {
			errs = append(errs, err)
			break
		}
		modules = append(modules, m)
	}

	if len(errs) == 0 {
		for _, m := range modules {
			if err := h.exercise(m, message); err != nil {
				errs = append(errs, fmt.Errorf("module %s: %w", m.module.Name, err))
			}
		}
	}

	for _, m := range modules {
		if err := m.endpoint.Terminate(h.timeouts.Terminate); err != nil {
			h.logger.Warn("terminate handshake failed", "module", m.module.Name, "error", err)
		}
	}
	// Modules that never linked are killed by the group wait.
	if err := group.Wait(h.timeouts.Terminate, nil); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// start spawns module, links to it, and runs the handle exchange. The
// returned linked is non-nil whenever a child was spawned.
func (h *host) start(ctx context.Context, module linkdesc.Module) (*linked, error) {
	var entry executor.Entry
	if module.Mode == executor.ModeThread {
		var err error
		if entry, err = h.threadEntry(module.Name); err != nil {
			return nil, err
		}
	}
	argument, err := module.EncodedArgument()
	if err != nil {
		return nil, err
	}

	child, err := executor.Spawn(ctx, module.Spec(entry), executor.Options{
		InitTimeout: h.timeouts.Init,
		SocketDir:   h.cfg.Modules.SocketDir,
		Hub:         h.hub,
		Logger:      h.logger,
	})
	if err != nil {
		return nil, err
	}
	m := &linked{module: module, child: child}

	m.endpoint, err = child.Link(h.runtime)
	if err != nil {
		child.Kill()
		return m, fmt.Errorf("module %s: %w", module.Name, err)
	}
	if err := exchange.Run(m.endpoint, echomodule.Parent(hostName, argument, &m.imports), h.timeouts.Exchange); err != nil {
		m.endpoint.Close()
		child.Kill()
		return m, fmt.Errorf("module %s: %w", module.Name, err)
	}
	h.logger.Info("module linked",
		"module", module.Name,
		"mode", module.Mode,
		"pid", child.PID(),
		"port", m.endpoint.ID(),
	)
	return m, nil
}

// exercise calls the module's echo, then makes, calls, and deletes a
// derived echo through its factory.
func (h *host) exercise(m *linked, message string) error {
	reply, err := m.imports.Echo.Echo(message)
	if err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	fmt.Fprintf(h.out, "%s: %s\n", m.module.Name, reply)

	derived, err := m.imports.Factory.NewEcho(m.module.Name + " derived: ")
	if err != nil {
		return fmt.Errorf("new_echo: %w", err)
	}
	reply, err = derived.Echo(message)
	if err != nil {
		return fmt.Errorf("derived echo: %w", err)
	}
	fmt.Fprintln(h.out, reply)
	if err := derived.Delete(); err != nil {
		return fmt.Errorf("deleting derived echo: %w", err)
	}
	return nil
}

// threadEntry resolves a thread-mode module by name. "echo" and
// "echo-<suffix>" run the echo module.
func (h *host) threadEntry(name string) (executor.Entry, error) {
	if name != echomodule.Name && !strings.HasPrefix(name, echomodule.Name+"-") {
		return nil, fmt.Errorf("no thread-mode module named %q (known: %s)", name, echomodule.Name)
	}
	logger := h.logger.With("module", name)
	options, err := h.cfg.RuntimeOptions(logger)
	if err != nil {
		return nil, err
	}
	options.OnFailure = func(port handle.PortID, err error) {
		logger.Error("link to host corrupted", "port", port, "error", err)
	}
	return func(ctx context.Context, args []string, dialer transport.Dialer) error {
		return echomodule.Run(ctx, args, dialer, echomodule.Options{
			Runtime:          options,
			ExchangeTimeout:  h.timeouts.Exchange,
			TerminateTimeout: h.timeouts.Terminate,
			Logger:           logger,
		})
	}, nil
}
