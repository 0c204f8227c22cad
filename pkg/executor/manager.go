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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/errors"
)

// Manager owns fixed-size executor pools keyed by action name.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	pools map[string][]*Executor
}

// NewManager creates a manager whose executors all use cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: log.WithComponent(cfg.Logger, "executor-manager"),
		pools:  make(map[string][]*Executor),
	}
}

// Register starts count executors for name, indexed 0..count-1. A pool
// already registered under name is closed before the new one starts. If any
// executor fails to start, the ones that did are closed and the error is
// returned; name is then left unregistered.
func (m *Manager) Register(ctx context.Context, name string, count int) error {
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "action name is required"}
	}
	if count < 1 {
		return &errors.ValidationError{
			Field:   "count",
			Message: fmt.Sprintf("pool size must be at least 1, got %d", count),
		}
	}

	if err := m.Unregister(name); err != nil {
		m.logger.Warn("failed to close previous pool", log.ActionKey, name, log.Error(err))
	}

	pool := make([]*Executor, count)
	g, gctx := errgroup.WithContext(ctx)
	for i := range pool {
		g.Go(func() error {
			e, err := New(gctx, name, i, m.cfg)
			if err != nil {
				return err
			}
			pool[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closePool(pool)
		return err
	}

	m.mu.Lock()
	prev := m.pools[name]
	m.pools[name] = pool
	m.mu.Unlock()

	// A concurrent Register for the same name may have won the race.
	if prev != nil {
		closePool(prev)
	}

	m.logger.Info("pool registered", log.ActionKey, name, "size", count)
	return nil
}

// Executor returns the executor at index in name's pool.
func (m *Manager) Executor(name string, index int) (*Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "executor pool", ID: name}
	}
	if index < 0 || index >= len(pool) {
		return nil, &errors.NotFoundError{Resource: "executor", ID: name + "[" + strconv.Itoa(index) + "]"}
	}
	return pool[index], nil
}

// Submit queues params on the executor at index in name's pool.
func (m *Manager) Submit(ctx context.Context, name string, index int, params action.Params) (*Future, error) {
	e, err := m.Executor(name, index)
	if err != nil {
		return nil, err
	}
	return e.Submit(ctx, params)
}

// Pool returns a copy of name's pool.
func (m *Manager) Pool(name string) []*Executor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*Executor(nil), m.pools[name]...)
}

// Names returns the registered action names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered pools.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.pools)
}

// Unregister closes and forgets name's pool. It is a no-op for unknown names.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	pool, ok := m.pools[name]
	delete(m.pools, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return closePool(pool)
}

// Clear closes and forgets every pool.
func (m *Manager) Clear() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string][]*Executor)
	m.mu.Unlock()

	var all []*Executor
	for _, pool := range pools {
		all = append(all, pool...)
	}
	return closePool(all)
}

// closePool closes executors concurrently. Nil entries are skipped.
func closePool(pool []*Executor) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, e := range pool {
		if e == nil {
			continue
		}
		g.Go(func() error {
			if err := e.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", e.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
