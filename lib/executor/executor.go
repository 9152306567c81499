// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor is the parent side of module bootstrap. Spawn
// starts a module as a separate process or, for tests and single-
// process deployments, as a goroutine, passes it the hex bootstrap
// address as argv[1], and waits for the module's init sentinel.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
	"github.com/bureau-foundation/modrpc/lib/rpc"
	"github.com/bureau-foundation/modrpc/lib/wire"
	"github.com/bureau-foundation/modrpc/transport"
)

// DefaultInitTimeout bounds the wait for a module's first frame.
const DefaultInitTimeout = time.Second

// Mode selects how a module runs.
type Mode string

const (
	// ModeProcess runs the module binary as a child process over a
	// unix socket.
	ModeProcess Mode = "process"

	// ModeThread runs the module's entry function on a goroutine
	// over an in-process memory channel.
	ModeThread Mode = "thread"
)

// Entry is a thread-mode module's main. args follows the process
// convention: args[1] is the bootstrap address. dialer reaches the
// executor's memory hub. ctx is cancelled by Child.Stop, the
// counterpart of SIGTERM for a process.
type Entry func(ctx context.Context, args []string, dialer transport.Dialer) error

// Spec describes one module.
type Spec struct {
	Name string
	Mode Mode

	// Binary and Env are used in process mode. Env entries are added
	// to the parent's environment.
	Binary string
	Env    []string

	// Entry is used in thread mode.
	Entry Entry

	// Args follow the bootstrap address.
	Args []string
}

// Options configures Spawn.
type Options struct {
	// InitTimeout bounds the wait for the module to connect and send
	// the init sentinel.
	InitTimeout time.Duration

	// SocketDir holds bootstrap sockets in process mode. Empty means a
	// fresh temporary directory per module.
	SocketDir string

	// Hub serves thread-mode addresses. Nil means
	// transport.DefaultHub.
	Hub *transport.MemoryHub

	// Stdout and Stderr receive a process-mode child's output. Nil
	// means the parent's own.
	Stdout, Stderr *os.File

	Logger *slog.Logger
	Clock  clock.Clock
}

// Child is a spawned module that has sent its init sentinel.
type Child struct {
	name    string
	mode    Mode
	conn    transport.Conn
	command *exec.Cmd
	cancel  context.CancelFunc
	logger  *slog.Logger

	exited  chan struct{}
	exitErr error

	linked atomic.Bool
}

var threadSequence atomic.Uint64

// Spawn starts spec and waits for its init sentinel. On any failure
// the module is killed before Spawn returns.
func Spawn(ctx context.Context, spec Spec, options Options) (*Child, error) {
	if spec.Name == "" {
		return nil, errors.New("executor: module has no name")
	}
	if options.InitTimeout <= 0 {
		options.InitTimeout = DefaultInitTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	child := &Child{
		name:   spec.Name,
		mode:   spec.Mode,
		logger: logger.With("module", spec.Name, "mode", string(spec.Mode)),
		exited: make(chan struct{}),
	}

	var err error
	switch spec.Mode {
	case ModeProcess:
		err = child.startProcess(ctx, spec, options)
	case ModeThread:
		err = child.startThread(ctx, spec, options)
	default:
		return nil, fmt.Errorf("executor: module %s has unknown mode %q", spec.Name, spec.Mode)
	}
	if err != nil {
		return nil, err
	}
	child.logger.Info("module ready")
	return child, nil
}

func (c *Child) startProcess(ctx context.Context, spec Spec, options Options) error {
	if spec.Binary == "" {
		return fmt.Errorf("executor: process module %s has no binary", spec.Name)
	}
	directory := options.SocketDir
	if directory == "" {
		temporary, err := os.MkdirTemp("", "modrpc-")
		if err != nil {
			return fmt.Errorf("executor: creating socket directory: %w", err)
		}
		defer os.RemoveAll(temporary)
		directory = temporary
	}
	socketPath := filepath.Join(directory, spec.Name+".sock")
	dialer := transport.Dialer{Clock: options.Clock}
	listener, err := dialer.Listen(transport.Address{Network: transport.NetworkUnix, Path: socketPath})
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	// Accepted connections outlive the listener and its socket file.
	defer func() {
		listener.Close()
		os.Remove(socketPath)
	}()

	arguments := append([]string{listener.Address().Encode()}, spec.Args...)
	command := exec.CommandContext(ctx, spec.Binary, arguments...)
	command.Env = append(os.Environ(), spec.Env...)
	command.Stdout = orStd(options.Stdout, os.Stdout)
	command.Stderr = orStd(options.Stderr, os.Stderr)
	// A process group makes Kill reach anything the module forks.
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := command.Start(); err != nil {
		return fmt.Errorf("executor: starting %s: %w", spec.Binary, err)
	}
	c.command = command
	go func() {
		c.exitErr = command.Wait()
		close(c.exited)
	}()

	conn, err := c.accept(listener, options.InitTimeout)
	if err != nil {
		c.Kill()
		return err
	}
	pid, err := transport.PeerPID(conn)
	switch {
	case errors.Is(err, transport.ErrPeerCredentialsUnsupported):
		c.logger.Debug("peer credentials unavailable, skipping pid check")
	case err != nil:
		conn.Close()
		c.Kill()
		return fmt.Errorf("executor: module %s: %w", spec.Name, err)
	case pid != command.Process.Pid:
		conn.Close()
		c.Kill()
		return fmt.Errorf("executor: module %s bootstrap socket was connected by pid %d, spawned pid %d", spec.Name, pid, command.Process.Pid)
	}
	return c.awaitInit(conn, options.InitTimeout)
}

func (c *Child) startThread(ctx context.Context, spec Spec, options Options) error {
	if spec.Entry == nil {
		return fmt.Errorf("executor: thread module %s has no entry function", spec.Name)
	}
	dialer := transport.Dialer{Hub: options.Hub, Clock: options.Clock}
	name := fmt.Sprintf("%s-%d", spec.Name, threadSequence.Add(1))
	listener, err := dialer.Listen(transport.Address{Network: transport.NetworkMemory, Path: name})
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	defer listener.Close()

	arguments := append([]string{spec.Name, listener.Address().Encode()}, spec.Args...)
	threadContext, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		defer cancel()
		c.exitErr = spec.Entry(threadContext, arguments, dialer)
		close(c.exited)
	}()

	conn, err := c.accept(listener, options.InitTimeout)
	if err != nil {
		cancel()
		return err
	}
	return c.awaitInit(conn, options.InitTimeout)
}

// accept waits for the module to connect, giving up early if it exits.
func (c *Child) accept(listener transport.Listener, timeout time.Duration) (transport.Conn, error) {
	type accepted struct {
		conn transport.Conn
		err  error
	}
	result := make(chan accepted, 1)
	go func() {
		conn, err := listener.Accept(timeout)
		result <- accepted{conn, err}
	}()
	select {
	case got := <-result:
		if got.err != nil {
			return nil, fmt.Errorf("executor: module %s did not connect: %w", c.name, got.err)
		}
		return got.conn, nil
	case <-c.exited:
		listener.Close()
		return nil, fmt.Errorf("executor: module %s exited before connecting: %v", c.name, c.exitErr)
	}
}

// awaitInit requires the init sentinel as the first frame. Anything
// else is a handshake violation.
func (c *Child) awaitInit(conn transport.Conn, timeout time.Duration) error {
	frame, err := conn.Recv(timeout)
	if err == nil && !wire.IsSentinel(frame, wire.SentinelInit) {
		err = wire.Violation("first frame from module %s is not the init sentinel", c.name)
	}
	if err != nil {
		conn.Close()
		c.Kill()
		return fmt.Errorf("executor: waiting for %s init: %w", c.name, err)
	}
	c.conn = conn
	return nil
}

// Name returns the module name.
func (c *Child) Name() string { return c.name }

// PID returns the process id, or 0 in thread mode.
func (c *Child) PID() int {
	if c.command == nil {
		return 0
	}
	return c.command.Process.Pid
}

// Conn returns the bootstrap channel.
func (c *Child) Conn() transport.Conn { return c.conn }

// Link opens an rpc link to the module over the bootstrap channel.
// The link's read loop echoes the module's terminate sentinel.
func (c *Child) Link(runtime *rpc.Runtime) (*rpc.Endpoint, error) {
	if c.linked.Swap(true) {
		return nil, fmt.Errorf("executor: module %s already linked", c.name)
	}
	endpoint, err := runtime.Open(c.conn)
	if err != nil {
		return nil, fmt.Errorf("executor: linking %s: %w", c.name, err)
	}
	return endpoint, nil
}

// AwaitTerminate serves the terminate handshake of an unlinked module:
// it waits up to timeout for the terminate sentinel, echoes it, and
// closes the channel.
func (c *Child) AwaitTerminate(timeout time.Duration) error {
	if c.linked.Load() {
		return fmt.Errorf("executor: module %s is linked; its link echoes terminate", c.name)
	}
	defer c.conn.Close()
	frame, err := c.conn.Recv(timeout)
	if err != nil {
		return fmt.Errorf("executor: waiting for %s terminate: %w", c.name, err)
	}
	if !wire.IsSentinel(frame, wire.SentinelTerminate) {
		return wire.Violation("module %s sent a %d-byte frame where terminate was expected", c.name, len(frame))
	}
	if err := c.conn.Send(wire.SentinelTerminate); err != nil {
		return fmt.Errorf("executor: echoing %s terminate: %w", c.name, err)
	}
	return nil
}

// Done is closed when the module exits.
func (c *Child) Done() <-chan struct{} { return c.exited }

// Wait blocks until the module exits and returns its exit error.
func (c *Child) Wait() error {
	<-c.exited
	return c.exitErr
}

// Stop asks the module to shut down: SIGTERM for a process, context
// cancellation for a thread. The module is expected to run its
// terminate handshake and exit.
func (c *Child) Stop() error {
	if c.command == nil {
		c.cancel()
		return nil
	}
	if err := c.command.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("executor: signalling %s: %w", c.name, err)
	}
	return nil
}

// Kill stops a process-mode module and waits for it to exit. A
// thread-mode module cannot be stopped from outside; Kill cancels its
// context and closes its channel so its next operation fails.
func (c *Child) Kill() {
	if c.command == nil {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
		return
	}
	if c.command.Process != nil {
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-c.command.Process.Pid, syscall.SIGKILL); err != nil {
			_ = c.command.Process.Kill()
		}
	}
	<-c.exited
}

// Group tracks spawned modules so they can be stopped together.
type Group struct {
	mu       sync.Mutex
	children []*Child
}

// Add records child.
func (g *Group) Add(child *Child) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.children = append(g.children, child)
}

// Children returns the recorded modules in spawn order.
func (g *Group) Children() []*Child {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Child(nil), g.children...)
}

// Wait waits up to timeout for every module to exit, then kills the
// rest. It returns the joined exit errors.
func (g *Group) Wait(timeout time.Duration, c clock.Clock) error {
	// One timer for the whole group; closing expired releases every
	// remaining straggler, not just the first.
	timer := clock.OrReal(c).After(timeout)
	expired := make(chan struct{})
	go func() {
		<-timer
		close(expired)
	}()
	var errs []error
	for _, child := range g.Children() {
		select {
		case <-child.Done():
		case <-expired:
			child.logger.Warn("module did not exit, killing")
			child.Kill()
		}
		select {
		case <-child.Done():
			if err := child.exitErr; err != nil {
				errs = append(errs, fmt.Errorf("module %s: %w", child.name, err))
			}
		default:
			errs = append(errs, fmt.Errorf("module %s did not exit", child.name))
		}
	}
	return errors.Join(errs...)
}

func orStd(file, fallback *os.File) *os.File {
	if file != nil {
		return file
	}
	return fallback
}
