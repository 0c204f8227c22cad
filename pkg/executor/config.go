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

package executor

import (
	"log/slog"
	"time"

	"github.com/tombee/stepwise/internal/transport"
	"github.com/tombee/stepwise/pkg/errors"
)

// Config controls how executors are started and fed.
type Config struct {
	// ExecuteTimeout bounds one task inside the hosted worker. Zero means no limit.
	ExecuteTimeout time.Duration

	// InitTimeout bounds worker startup, including the action's setup hook.
	InitTimeout time.Duration

	// ShutdownGrace is how long Close waits after SIGTERM before SIGKILL.
	ShutdownGrace time.Duration

	// ArenaSize is the size of each shared memory arena in bytes.
	ArenaSize int

	// QueueSize bounds tasks accepted but not yet handed to the worker.
	QueueSize int

	// Binary is the executable re-run as the hosted worker. Empty means the
	// current executable.
	Binary string

	// Env holds extra KEY=VALUE pairs for the hosted worker.
	Env []string

	Logger *slog.Logger
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		ExecuteTimeout: 5 * time.Second,
		InitTimeout:    5 * time.Second,
		ShutdownGrace:  2 * time.Second,
		ArenaSize:      transport.DefaultArenaSize,
		QueueSize:      1024,
	}
}

// withDefaults fills zero fields from DefaultConfig. ExecuteTimeout is left
// alone since zero is meaningful.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.ArenaSize == 0 {
		c.ArenaSize = d.ArenaSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ExecuteTimeout < 0 {
		return &errors.ConfigError{Key: "execute_timeout", Reason: "must not be negative"}
	}
	if c.ArenaSize < 0 {
		return &errors.ConfigError{Key: "arena_size", Reason: "must not be negative"}
	}
	return nil
}
