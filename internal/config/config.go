// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads stepwise configuration from YAML and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/tracing"
	"github.com/tombee/stepwise/pkg/dispatch"
	"github.com/tombee/stepwise/pkg/errors"
	"github.com/tombee/stepwise/pkg/executor"
	"github.com/tombee/stepwise/pkg/runner"
)

// EnvDefinitions names the definitions glob. Hosted workers read it to
// rebuild the parent's registry.
const EnvDefinitions = "STEPWISE_DEFINITIONS"

// minArenaSize is the smallest arena worth configuring.
const minArenaSize = 1 << 10

// Config represents the complete stepwise configuration.
type Config struct {
	Executor ExecutorConfig  `yaml:"executor"`
	Runner   RunnerConfig    `yaml:"runner"`
	Dispatch dispatch.Config `yaml:"dispatch"`
	Log      LogConfig       `yaml:"log"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Tracing  tracing.Config  `yaml:"tracing"`

	// Definitions is the glob of definition files.
	// Environment: STEPWISE_DEFINITIONS
	Definitions string `yaml:"definitions,omitempty"`
}

// ExecutorConfig configures hosted worker processes.
type ExecutorConfig struct {
	// ExecuteTimeout bounds a single task inside a worker. Zero disables it.
	// Environment: STEPWISE_EXECUTE_TIMEOUT
	// Default: 5s
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`

	// InitTimeout bounds worker startup including setup hooks.
	// Environment: STEPWISE_INIT_TIMEOUT
	// Default: 5s
	InitTimeout time.Duration `yaml:"init_timeout"`

	// ShutdownGrace is the wait between SIGTERM and SIGKILL on close.
	// Default: 2s
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// ArenaSize is the shared memory size per direction, e.g. "64MiB".
	// Environment: STEPWISE_ARENA_SIZE
	// Default: 64MiB
	ArenaSize ByteSize `yaml:"arena_size"`

	// QueueSize bounds tasks accepted but not yet handed to a worker.
	// Default: 1024
	QueueSize int `yaml:"queue_size"`
}

// RunnerConfig configures the plan runner.
type RunnerConfig struct {
	// WaitTimeout bounds the wait for each task result. Zero waits forever.
	// Environment: STEPWISE_WAIT_TIMEOUT
	// Default: 5s
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	// Environment: STEPWISE_METRICS_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// ByteSize is a byte count written in human form ("64MiB", "512KB") or as
// a plain integer.
type ByteSize int

// ParseByteSize parses s with go-humanize.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return ByteSize(n), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*b = n
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns the default configuration.
func Default() *Config {
	exec := executor.DefaultConfig()
	return &Config{
		Executor: ExecutorConfig{
			ExecuteTimeout: exec.ExecuteTimeout,
			InitTimeout:    exec.InitTimeout,
			ShutdownGrace:  exec.ShutdownGrace,
			ArenaSize:      ByteSize(exec.ArenaSize),
			QueueSize:      exec.QueueSize,
		},
		Runner:   RunnerConfig{WaitTimeout: runner.DefaultWaitTimeout},
		Dispatch: dispatch.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at
// configPath (if any) and the environment, in that order.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables. Values that
// do not parse are ignored.
func (c *Config) loadFromEnv() {
	duration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}

	// Executor configuration
	duration("STEPWISE_EXECUTE_TIMEOUT", &c.Executor.ExecuteTimeout)
	duration("STEPWISE_INIT_TIMEOUT", &c.Executor.InitTimeout)
	if val := os.Getenv("STEPWISE_ARENA_SIZE"); val != "" {
		if size, err := ParseByteSize(val); err == nil {
			c.Executor.ArenaSize = size
		}
	}

	// Runner and dispatch configuration
	duration("STEPWISE_WAIT_TIMEOUT", &c.Runner.WaitTimeout)
	if val := os.Getenv("STEPWISE_DISPATCH_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Dispatch.Workers = n
		}
	}

	if val := os.Getenv(EnvDefinitions); val != "" {
		c.Definitions = val
	}
	if val := os.Getenv("STEPWISE_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}

	// Log configuration
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks the configuration and reports the first problem as a
// *errors.ConfigError.
func (c *Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return &errors.ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
	}

	switch {
	case c.Executor.ExecuteTimeout < 0:
		return invalid("executor.execute_timeout", "must not be negative, got %v", c.Executor.ExecuteTimeout)
	case c.Executor.InitTimeout < 0:
		return invalid("executor.init_timeout", "must not be negative, got %v", c.Executor.InitTimeout)
	case c.Executor.ShutdownGrace < 0:
		return invalid("executor.shutdown_grace", "must not be negative, got %v", c.Executor.ShutdownGrace)
	case c.Executor.ArenaSize < minArenaSize:
		return invalid("executor.arena_size", "must be at least %s, got %s", ByteSize(minArenaSize), c.Executor.ArenaSize)
	case c.Executor.QueueSize < 1:
		return invalid("executor.queue_size", "must be at least 1, got %d", c.Executor.QueueSize)
	case c.Runner.WaitTimeout < 0:
		return invalid("runner.wait_timeout", "must not be negative, got %v", c.Runner.WaitTimeout)
	}

	if err := c.Dispatch.Validate(); err != nil {
		return err
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		return invalid("log.level", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "must be one of [json, text], got %q", c.Log.Format)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return invalid("tracing.sample_rate", "must be within [0, 1], got %v", c.Tracing.SampleRate)
	}
	return nil
}

// ExecutorConfig returns the executor settings for a manager.
func (c *Config) ExecutorConfig(logger *slog.Logger) executor.Config {
	cfg := executor.DefaultConfig()
	cfg.ExecuteTimeout = c.Executor.ExecuteTimeout
	cfg.InitTimeout = c.Executor.InitTimeout
	cfg.ShutdownGrace = c.Executor.ShutdownGrace
	cfg.ArenaSize = int(c.Executor.ArenaSize)
	cfg.QueueSize = c.Executor.QueueSize
	cfg.Logger = logger
	return cfg
}

// LogConfig returns the logger settings.
func (c *Config) LogConfig() *log.Config {
	cfg := log.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = log.Format(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}
