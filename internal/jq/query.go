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


// Package jq compiles and runs jq queries over task parameters and results.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/stepwise/pkg/errors"
)

const (
	// DefaultTimeout is the default execution time for jq expressions (1 second)
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the default maximum input size for queries (10MB)
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Query is a compiled jq program with execution limits.
type Query struct {
	source       string
	code         *gojq.Code
	timeout      time.Duration
	maxInputSize int
}

// Option configures a Query.
type Option func(*Query)

// WithTimeout bounds a single Run.
func WithTimeout(d time.Duration) Option {
	return func(q *Query) { q.timeout = d }
}

// WithMaxInputSize bounds the JSON size of the input.
func WithMaxInputSize(n int) Option {
	return func(q *Query) { q.maxInputSize = n }
}

// Compile parses and compiles expression. An empty expression is the
// identity query.
func Compile(expression string, opts ...Option) (*Query, error) {
	q := &Query{
		source:       expression,
		timeout:      DefaultTimeout,
		maxInputSize: DefaultMaxInputSize,
	}
	for _, opt := range opts {
		opt(q)
	}
	if expression == "" {
		expression = "."
	}

	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "query",
			Message: fmt.Sprintf("invalid jq expression: %v", err),
		}
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "query",
			Message: fmt.Sprintf("jq compilation failed: %v", err),
		}
	}
	q.code = code
	return q, nil
}

// Validate reports whether expression compiles.
func Validate(expression string) error {
	_, err := Compile(expression)
	return err
}

// String returns the query source.
func (q *Query) String() string {
	return q.source
}

// Run evaluates the query against data. A single output is returned as is,
// several outputs as a list and no output as nil.
func (q *Query) Run(ctx context.Context, data any) (any, error) {
	input, err := q.normalize(data)
	if err != nil {
		return nil, err
	}

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	var results []any
	iter := q.code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if ctx.Err() != nil {
				return nil, &errors.TimeoutError{Operation: "jq " + q.source, Duration: q.timeout, Cause: ctx.Err()}
			}
			return nil, fmt.Errorf("jq %s: %w", q.source, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalize converts data to the plain JSON shapes gojq accepts, enforcing
// the input size limit on the way.
func (q *Query) normalize(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	if q.maxInputSize > 0 && len(raw) > q.maxInputSize {
		return nil, fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)", len(raw), q.maxInputSize)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize data: %w", err)
	}
	return out, nil
}
