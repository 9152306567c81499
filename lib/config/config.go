// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/modrpc/lib/logging"
	"github.com/bureau-foundation/modrpc/lib/rpc"
	"github.com/bureau-foundation/modrpc/lib/wire"
)

// EnvVar names the environment variable Load reads the config path from.
const EnvVar = "MODRPC_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Default token timeouts, chosen by environment when
// runtime.token_timeout is unset after overrides.
const (
	DevelopmentTokenTimeout = "30s"
	ProductionTokenTimeout  = "1s"
)

// Config is the master configuration for a modrpc host or module.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Runtime configures every rpc.Runtime built from this config.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Modules configures how the host spawns and bootstraps modules.
	Modules ModulesConfig `yaml:"modules"`

	Log LogConfig `yaml:"log"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
// Empty and zero fields leave the base value alone.
type ConfigOverrides struct {
	Runtime *RuntimeConfig `yaml:"runtime,omitempty"`
	Modules *ModulesConfig `yaml:"modules,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty"`
}

// RuntimeConfig mirrors rpc.Options. Durations are Go duration strings.
type RuntimeConfig struct {
	// MaxHandles sizes each link's object table.
	// Default: 4096
	MaxHandles int `yaml:"max_handles"`

	// MaxInflightCalls bounds concurrent outbound calls per link.
	// Default: 256
	MaxInflightCalls int `yaml:"max_inflight_calls"`

	// TokenTimeout is how long an export waits for a free table slot
	// before the module aborts. A long wait in development leaves time
	// to attach a debugger to a leaking module.
	// Default: 30s (development), 1s (staging, production)
	TokenTimeout string `yaml:"token_timeout"`

	// HandshakeTimeout bounds the wait for the counterpart's hello.
	// Default: 1s
	HandshakeTimeout string `yaml:"handshake_timeout"`

	// TerminateTimeout bounds the wait for a terminate echo.
	// Default: 1s
	TerminateTimeout string `yaml:"terminate_timeout"`

	// Compression is applied to outbound payloads: none, lz4, or zstd.
	// Default: none
	Compression string `yaml:"compression"`

	// CompressionThreshold is the smallest payload, in bytes, that is
	// compressed.
	// Default: 4096
	CompressionThreshold int `yaml:"compression_threshold"`
}

// ModulesConfig configures module spawning.
type ModulesConfig struct {
	// SocketDir holds bootstrap sockets for process-mode modules.
	// ${VAR} and ${VAR:-default} are expanded. Empty means a fresh
	// temporary directory per module.
	SocketDir string `yaml:"socket_dir"`

	// InitTimeout bounds the wait for a module's INIT sentinel.
	// Default: 1s
	InitTimeout string `yaml:"init_timeout"`

	// ExchangeTimeout bounds the wait for a module's handle exchange.
	// Default: 1s
	ExchangeTimeout string `yaml:"exchange_timeout"`
}

// LogConfig configures the binary's logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	// Default: info
	Level string `yaml:"level"`

	// Format is auto, text, or json.
	// Default: auto
	Format string `yaml:"format"`
}

// Timeouts holds the parsed durations a host or module needs outside
// rpc.Options.
type Timeouts struct {
	Terminate time.Duration
	Init      time.Duration
	Exchange  time.Duration
}

// Default returns the default configuration. TokenTimeout is left
// empty so the environment decides it.
func Default() *Config {
	return &Config{
		Environment: Development,
		Runtime: RuntimeConfig{
			MaxHandles:           rpc.DefaultMaxHandles,
			MaxInflightCalls:     rpc.DefaultMaxInflightCalls,
			HandshakeTimeout:     "1s",
			TerminateTimeout:     "1s",
			Compression:          string(wire.CompressionNone),
			CompressionThreshold: 4096,
		},
		Modules: ModulesConfig{
			InitTimeout:     "1s",
			ExchangeTimeout: "1s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatAuto),
		},
	}
}

// Load loads configuration from the MODRPC_CONFIG environment variable.
// There is no discovery: if the variable is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your modrpc.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path and validates
// it. Environment variables never override config values; they are only
// consulted when expanding ${VAR} in socket_dir.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.resolveTokenTimeout()
	cfg.Modules.SocketDir = expandVars(cfg.Modules.SocketDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Resolve applies environment overrides and defaults to a config built
// in code rather than loaded from a file.
func (c *Config) Resolve() {
	c.applyEnvironmentOverrides()
	c.resolveTokenTimeout()
	c.Modules.SocketDir = expandVars(c.Modules.SocketDir)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if runtime := overrides.Runtime; runtime != nil {
		if runtime.MaxHandles != 0 {
			c.Runtime.MaxHandles = runtime.MaxHandles
		}
		if runtime.MaxInflightCalls != 0 {
			c.Runtime.MaxInflightCalls = runtime.MaxInflightCalls
		}
		setString(&c.Runtime.TokenTimeout, runtime.TokenTimeout)
		setString(&c.Runtime.HandshakeTimeout, runtime.HandshakeTimeout)
		setString(&c.Runtime.TerminateTimeout, runtime.TerminateTimeout)
		setString(&c.Runtime.Compression, runtime.Compression)
		if runtime.CompressionThreshold != 0 {
			c.Runtime.CompressionThreshold = runtime.CompressionThreshold
		}
	}

	if modules := overrides.Modules; modules != nil {
		setString(&c.Modules.SocketDir, modules.SocketDir)
		setString(&c.Modules.InitTimeout, modules.InitTimeout)
		setString(&c.Modules.ExchangeTimeout, modules.ExchangeTimeout)
	}

	if log := overrides.Log; log != nil {
		setString(&c.Log.Level, log.Level)
		setString(&c.Log.Format, log.Format)
	}
}

func (c *Config) resolveTokenTimeout() {
	if c.Runtime.TokenTimeout != "" {
		return
	}
	if c.Environment == Development {
		c.Runtime.TokenTimeout = DevelopmentTokenTimeout
	} else {
		c.Runtime.TokenTimeout = ProductionTokenTimeout
	}
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the process
// environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Runtime.MaxHandles <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max_handles must be positive, got %d", c.Runtime.MaxHandles))
	}
	if c.Runtime.MaxInflightCalls <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max_inflight_calls must be positive, got %d", c.Runtime.MaxInflightCalls))
	}
	if c.Runtime.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("runtime.compression_threshold must not be negative, got %d", c.Runtime.CompressionThreshold))
	}
	if _, err := wire.ParseCompression(c.Runtime.Compression); err != nil {
		errs = append(errs, fmt.Errorf("runtime.compression: %w", err))
	}

	durations := []struct {
		field string
		value string
	}{
		{"runtime.token_timeout", c.Runtime.TokenTimeout},
		{"runtime.handshake_timeout", c.Runtime.HandshakeTimeout},
		{"runtime.terminate_timeout", c.Runtime.TerminateTimeout},
		{"modules.init_timeout", c.Modules.InitTimeout},
		{"modules.exchange_timeout", c.Modules.ExchangeTimeout},
	}
	for _, duration := range durations {
		if _, err := parsePositive(duration.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", duration.field, err))
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func parsePositive(value string) (time.Duration, error) {
	if value == "" {
		return 0, errors.New("required")
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", value)
	}
	return duration, nil
}

// RuntimeOptions converts the runtime section to rpc.Options, logging
// through logger. The config must have passed Validate.
func (c *Config) RuntimeOptions(logger *slog.Logger) (rpc.Options, error) {
	tokenTimeout, err := parsePositive(c.Runtime.TokenTimeout)
	if err != nil {
		return rpc.Options{}, fmt.Errorf("runtime.token_timeout: %w", err)
	}
	handshakeTimeout, err := parsePositive(c.Runtime.HandshakeTimeout)
	if err != nil {
		return rpc.Options{}, fmt.Errorf("runtime.handshake_timeout: %w", err)
	}
	compression, err := wire.ParseCompression(c.Runtime.Compression)
	if err != nil {
		return rpc.Options{}, fmt.Errorf("runtime.compression: %w", err)
	}
	return rpc.Options{
		MaxHandles:       c.Runtime.MaxHandles,
		MaxInflightCalls: c.Runtime.MaxInflightCalls,
		TokenTimeout:     tokenTimeout,
		HandshakeTimeout: handshakeTimeout,
		Compressor: wire.Compressor{
			Mode:      compression,
			Threshold: c.Runtime.CompressionThreshold,
		},
		Logger: logger,
	}, nil
}

// Timeouts parses the terminate, init, and exchange durations.
func (c *Config) Timeouts() (Timeouts, error) {
	var timeouts Timeouts
	var err error
	if timeouts.Terminate, err = parsePositive(c.Runtime.TerminateTimeout); err != nil {
		return Timeouts{}, fmt.Errorf("runtime.terminate_timeout: %w", err)
	}
	if timeouts.Init, err = parsePositive(c.Modules.InitTimeout); err != nil {
		return Timeouts{}, fmt.Errorf("modules.init_timeout: %w", err)
	}
	if timeouts.Exchange, err = parsePositive(c.Modules.ExchangeTimeout); err != nil {
		return Timeouts{}, fmt.Errorf("modules.exchange_timeout: %w", err)
	}
	return timeouts, nil
}

// LoggingOptions converts the log section to logging.Options.
func (c *Config) LoggingOptions() (logging.Options, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.Options{}, fmt.Errorf("log.level: %w", err)
	}
	format, err := logging.ParseFormat(c.Log.Format)
	if err != nil {
		return logging.Options{}, fmt.Errorf("log.format: %w", err)
	}
	return logging.Options{Level: level, Format: format}, nil
}

// EnsureSocketDir creates Modules.SocketDir if it is set.
func (c *Config) EnsureSocketDir() error {
	if c.Modules.SocketDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Modules.SocketDir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Modules.SocketDir, err)
	}
	return nil
}
