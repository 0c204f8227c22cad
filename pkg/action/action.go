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

package action

import (
	"context"
	"fmt"
)

// ExpansionKey is the parameter key under which the plan runner passes each
// fan-out token to a work function. It is nil when the step does not fan out.
const ExpansionKey = "expansion"

// ResultsKey is the parameter key under which the plan runner passes the
// results of earlier levels, keyed by action name.
const ResultsKey = "results"

// WorkFunc is a unit of work. It receives the merged context and returns a
// result or fails. ctx is cancelled when the executor abandons the call
// because it overran its execution timeout.
type WorkFunc func(ctx context.Context, params Params) (any, error)

// HookFunc is a setup or teardown callback. It takes no arguments and runs
// once per hosted worker process.
type HookFunc func() error

// FanoutFunc returns the expansion tokens for one step. One invocation is
// submitted per token.
type FanoutFunc func(params Params) ([]any, error)

// AffinityFunc returns the pool index of the executor that should run a step.
type AffinityFunc func(params Params) (int, error)

// Action is a named recipe describing a reusable unit of work.
//
// Zero-valued function fields fall back to the defaults: Work echoes its
// input, Setup and Teardown do nothing, Fanout yields a single nil token and
// Affinity selects worker 0.
type Action struct {
	Name     string
	Work     WorkFunc
	Setup    HookFunc
	Teardown HookFunc
	Fanout   FanoutFunc
	Affinity AffinityFunc

	// MergeAsList keeps every fan-out result as an ordered list. When false
	// only the first result is kept.
	MergeAsList bool
}

// Echo is the default work function. It returns its input unchanged.
func Echo(_ context.Context, params Params) (any, error) {
	return params, nil
}

// Execute runs the work function, or Echo when none is set.
func (a *Action) Execute(ctx context.Context, params Params) (any, error) {
	if a.Work == nil {
		return Echo(ctx, params)
	}
	return a.Work(ctx, params)
}

// Init runs the setup hook.
func (a *Action) Init() error {
	if a.Setup == nil {
		return nil
	}
	return a.Setup()
}

// Final runs the teardown hook.
func (a *Action) Final() error {
	if a.Teardown == nil {
		return nil
	}
	return a.Teardown()
}

// Expand returns the expansion tokens for params. An empty result still
// produces exactly one invocation, with a nil token.
func (a *Action) Expand(params Params) ([]any, error) {
	if a.Fanout == nil {
		return []any{nil}, nil
	}
	tokens, err := a.Fanout(params)
	if err != nil {
		return nil, fmt.Errorf("fan-out for %s: %w", a.Name, err)
	}
	if len(tokens) == 0 {
		return []any{nil}, nil
	}
	return tokens, nil
}

// Worker returns the pool index that should handle params.
func (a *Action) Worker(params Params) (int, error) {
	if a.Affinity == nil {
		return 0, nil
	}
	idx, err := a.Affinity(params)
	if err != nil {
		return 0, fmt.Errorf("affinity for %s: %w", a.Name, err)
	}
	return idx, nil
}

// String implements fmt.Stringer.
func (a *Action) String() string {
	return fmt.Sprintf("<Action %q>", a.Name)
}

// Option configures an Action during registration.
type Option func(*Action)

// WithWork sets the work function.
func WithWork(fn WorkFunc) Option {
	return func(a *Action) { a.Work = fn }
}

// WithSetup sets the one-time setup hook.
func WithSetup(fn HookFunc) Option {
	return func(a *Action) { a.Setup = fn }
}

// WithTeardown sets the one-time teardown hook.
func WithTeardown(fn HookFunc) Option {
	return func(a *Action) { a.Teardown = fn }
}

// WithFanout sets the fan-out function.
func WithFanout(fn FanoutFunc) Option {
	return func(a *Action) { a.Fanout = fn }
}

// WithAffinity sets the worker affinity function.
func WithAffinity(fn AffinityFunc) Option {
	return func(a *Action) { a.Affinity = fn }
}

// WithMergeAsList sets whether fan-out results are kept as a list.
func WithMergeAsList(on bool) Option {
	return func(a *Action) { a.MergeAsList = on }
}
