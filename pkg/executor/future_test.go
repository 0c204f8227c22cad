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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

func TestFuture_SingleAssignment(t *testing.T) {
	f := newFuture("x-0")
	assert.False(t, f.Ready())

	assert.True(t, f.set(&Result{Value: 1}))
	assert.False(t, f.set(&Result{Value: 2}))

	v, err := f.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, f.Ready())
}

func TestFuture_GetReraisesFailure(t *testing.T) {
	boom := errors.New("boom")
	f := Completed(&Result{Err: boom})

	_, err := f.Get(time.Second)
	assert.ErrorIs(t, err, boom)

	r, err := f.GetResult(time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Err, boom)
}

func TestFuture_WaitTimeout(t *testing.T) {
	f := newFuture("x-0")

	_, err := f.GetResult(20 * time.Millisecond)
	var waitErr *stepwiseerrors.WaitTimeoutError
	require.ErrorAs(t, err, &waitErr)
	assert.Equal(t, "x-0", waitErr.Executor)
	assert.False(t, stepwiseerrors.IsTimeout(err), "a wait timeout is not an execution timeout")

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.set(&Result{Value: "late"})
	}()
	v, err := f.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestFuture_WaitContext(t *testing.T) {
	f := newFuture("x-0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	f.set(&Result{Value: true})
	r, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, r.Value)
}

func TestFuture_IDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newFuture("x").ID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestResult_Duration(t *testing.T) {
	start := time.Now()
	r := &Result{StartTime: start, EndTime: start.Add(150 * time.Millisecond)}
	assert.Equal(t, 150*time.Millisecond, r.Duration())
	assert.Zero(t, (&Result{}).Duration())
}
