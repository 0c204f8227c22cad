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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/stepwise/pkg/errors"
)

// Future is a single-assignment handle on the outcome of one submitted task.
// It becomes ready exactly once and is never reused.
type Future struct {
	id       string
	executor string

	once   sync.Once
	done   chan struct{}
	result *Result
}

func newFuture(executor string) *Future {
	return &Future{
		id:       uuid.NewString(),
		executor: executor,
		done:     make(chan struct{}),
	}
}

// Completed returns a future that is already ready with r.
func Completed(r *Result) *Future {
	f := newFuture("")
	f.set(r)
	return f
}

// ID returns the future's unique id.
func (f *Future) ID() string {
	return f.id
}

// Executor returns the name of the executor the task was submitted to.
func (f *Future) Executor() string {
	return f.executor
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the result is available.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// set stores r unless a result was already stored. It reports whether r won.
func (f *Future) set(r *Result) bool {
	won := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		won = true
	})
	return won
}

// GetResult blocks until the result is available and returns the raw
// record, including failures. A timeout of zero or less waits forever.
// Giving up returns a WaitTimeoutError; the task itself is unaffected.
func (f *Future) GetResult(timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		<-f.done
		return f.result, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.result, nil
	case <-timer.C:
		return nil, &errors.WaitTimeoutError{Future: f.id, Executor: f.executor, Duration: timeout}
	}
}

// Get is like GetResult but returns the task's error when it failed.
func (f *Future) Get(timeout time.Duration) (any, error) {
	r, err := f.GetResult(timeout)
	if err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Value, nil
}

// Wait blocks until the result is available or ctx is done.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
