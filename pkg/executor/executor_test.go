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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/pkg/action"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

const teardownFileEnv = "STEPWISE_TEST_TEARDOWN_FILE"

// testRegistry is rebuilt identically in every hosted worker.
var testRegistry = func() *action.Registry {
	reg := action.NewRegistry()
	reg.MustRegister("echo")
	reg.MustRegister("hang", action.WithWork(func(_ context.Context, p action.Params) (any, error) {
		if p["hang"] == true {
			time.Sleep(time.Hour)
		}
		return p["n"], nil
	}))
	reg.MustRegister("sleep", action.WithWork(func(ctx context.Context, p action.Params) (any, error) {
		ms, _ := p["ms"].(int64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "slept", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	reg.MustRegister("fail", action.WithWork(func(context.Context, action.Params) (any, error) {
		return nil, fmt.Errorf("boom")
	}))
	reg.MustRegister("panic", action.WithWork(func(context.Context, action.Params) (any, error) {
		panic("kaboom")
	}))
	reg.MustRegister("big", action.WithWork(func(context.Context, action.Params) (any, error) {
		return strings.Repeat("x", 4096), nil
	}))
	reg.MustRegister("exit", action.WithWork(func(context.Context, action.Params) (any, error) {
		os.Exit(7)
		return nil, nil
	}))
	reg.MustRegister("pid", action.WithWork(func(context.Context, action.Params) (any, error) {
		return os.Getpid(), nil
	}))
	reg.MustRegister("slow-setup", action.WithSetup(func() error {
		time.Sleep(time.Hour)
		return nil
	}))
	reg.MustRegister("bad-setup", action.WithSetup(func() error {
		return fmt.Errorf("no database")
	}))
	reg.MustRegister("teardown", action.WithTeardown(func() error {
		return os.WriteFile(os.Getenv(teardownFileEnv), []byte("done"), 0o600)
	}))
	return reg
}()

func TestMain(m *testing.M) {
	if IsWorkerProcess() {
		os.Exit(ServeWorker(testRegistry))
	}
	os.Exit(m.Run())
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ArenaSize = 64 << 10
	cfg.ExecuteTimeout = 2 * time.Second
	cfg.InitTimeout = 5 * time.Second
	cfg.ShutdownGrace = time.Second
	return cfg
}

// skipOnSpawnError skips when the environment forbids fork/exec.
func skipOnSpawnError(t *testing.T, err error) {
	t.Helper()
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("Skipping spawn tests (SKIP_SPAWN_TESTS is set)")
	}
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("Skipping: spawn not permitted in this environment: %v", err)
	}
}

func newTestExecutor(t *testing.T, name string, cfg Config) *Executor {
	t.Helper()
	e, err := New(context.Background(), name, 0, cfg)
	skipOnSpawnError(t, err)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestExecutor_Echo(t *testing.T) {
	e := newTestExecutor(t, "echo", testConfig())

	f, err := e.Submit(context.Background(), action.Params{"x": 1, "s": "a"})
	require.NoError(t, err)

	v, err := f.Get(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1), "s": "a"}, v)

	r, err := f.GetResult(0)
	require.NoError(t, err)
	assert.False(t, r.Failed())
	assert.False(t, r.StartTime.IsZero())
	assert.False(t, r.EndTime.Before(r.StartTime))
	assert.Equal(t, "echo-0", f.Executor())
}

func TestExecutor_PreservesSubmissionOrder(t *testing.T) {
	e := newTestExecutor(t, "hang", testConfig())

	futures := make([]*Future, 20)
	for i := range futures {
		f, err := e.Submit(context.Background(), action.Params{"n": i})
		require.NoError(t, err)
		futures[i] = f
	}

	for i, f := range futures {
		v, err := f.Get(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(i), v)
	}
	assert.Equal(t, 0, e.Pending())
}

func TestExecutor_ZeroValueResults(t *testing.T) {
	e := newTestExecutor(t, "hang", testConfig())

	for _, want := range []any{int64(0), "", false, int64(1), "x", true} {
		f, err := e.Submit(context.Background(), action.Params{"n": want})
		require.NoError(t, err)

		v, err := f.Get(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestExecutor_EchoIntegerWidths(t *testing.T) {
	e := newTestExecutor(t, "echo", testConfig())

	f, err := e.Submit(context.Background(), action.Params{"small": 5, "edge": 127, "big": 200, "wide": 65536, "neg": -3})
	require.NoError(t, err)

	v, err := f.Get(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"small": int64(5),
		"edge":  int64(127),
		"big":   int64(200),
		"wide":  int64(65536),
		"neg":   int64(-3),
	}, v)
}

func TestExecutor_ExecutionTimeoutRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.ExecuteTimeout = 200 * time.Millisecond
	e := newTestExecutor(t, "hang", cfg)
	pid := e.PID()

	hung, err := e.Submit(context.Background(), action.Params{"hang": true})
	require.NoError(t, err)
	next, err := e.Submit(context.Background(), action.Params{"n": 42})
	require.NoError(t, err)

	r, err := hung.GetResult(5 * time.Second)
	require.NoError(t, err)
	require.True(t, r.Failed())
	var timeoutErr *stepwiseerrors.TimeoutError
	require.ErrorAs(t, r.Err, &timeoutErr)
	assert.Equal(t, cfg.ExecuteTimeout, timeoutErr.Duration)
	assert.True(t, stepwiseerrors.IsTimeout(r.Err))
	assert.False(t, stepwiseerrors.IsWaitTimeout(r.Err))

	v, err := next.Get(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	assert.True(t, e.Alive())
	assert.Equal(t, pid, e.PID(), "worker process must survive a task timeout")
}

func TestExecutor_InitTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.InitTimeout = 300 * time.Millisecond

	start := time.Now()
	_, err := New(context.Background(), "slow-setup", 0, cfg)
	skipOnSpawnError(t, err)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var initErr *stepwiseerrors.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "slow-setup", initErr.Action)
	assert.True(t, stepwiseerrors.IsTimeout(err))
	require.NotZero(t, initErr.PID)
	assert.False(t, lifecycle.IsProcessRunning(initErr.PID), "hosted process must not outlive a failed start")
}

func TestExecutor_SetupFailure(t *testing.T) {
	_, err := New(context.Background(), "bad-setup", 0, testConfig())
	skipOnSpawnError(t, err)

	var initErr *stepwiseerrors.InitError
	require.ErrorAs(t, err, &initErr)
	var execErr *stepwiseerrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "no database", execErr.Message)
	assert.False(t, lifecycle.IsProcessRunning(initErr.PID))
}

func TestExecutor_StartCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := New(ctx, "slow-setup", 0, testConfig())
	skipOnSpawnError(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_WorkFailure(t *testing.T) {
	e := newTestExecutor(t, "fail", testConfig())

	f, err := e.Submit(context.Background(), nil)
	require.NoError(t, err)

	_, err = f.Get(5 * time.Second)
	var execErr *stepwiseerrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "fail", execErr.Action)
	assert.Equal(t, "boom", execErr.Message)
	assert.Contains(t, execErr.Stack, "goroutine ")
	assert.Contains(t, execErr.Stack, "(*server).execute(")

	r, err := f.GetResult(time.Second)
	require.NoError(t, err, "GetResult returns the raw record")
	assert.True(t, r.Failed())
	assert.Nil(t, r.Value)
}

func TestExecutor_Panic(t *testing.T) {
	e := newTestExecutor(t, "panic", testConfig())

	f, err := e.Submit(context.Background(), nil)
	require.NoError(t, err)

	_, err = f.Get(5 * time.Second)
	var execErr *stepwiseerrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "panic", execErr.Type)
	assert.Equal(t, "kaboom", execErr.Message)
	assert.Contains(t, execErr.Stack, "executor_test.go")
	assert.NotContains(t, execErr.Stack, "(*server).execute(")

	// The worker survives and serves the next task.
	f, err = e.Submit(context.Background(), nil)
	require.NoError(t, err)
	_, err = f.Get(5 * time.Second)
	assert.ErrorAs(t, err, &execErr)
}

func TestExecutor_WaitTimeoutIsLocal(t *testing.T) {
	e := newTestExecutor(t, "sleep", testConfig())

	f, err := e.Submit(context.Background(), action.Params{"ms": 300})
	require.NoError(t, err)

	_, err = f.Get(10 * time.Millisecond)
	var waitErr *stepwiseerrors.WaitTimeoutError
	require.ErrorAs(t, err, &waitErr)
	assert.Equal(t, f.ID(), waitErr.Future)
	assert.False(t, f.Ready())

	v, err := f.Get(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "slept", v)
}

func TestExecutor_Capacity(t *testing.T) {
	cfg := testConfig()
	cfg.ArenaSize = 1024
	e := newTestExecutor(t, "big", cfg)

	_, err := e.Submit(context.Background(), action.Params{"blob": strings.Repeat("y", 2048)})
	var capErr *stepwiseerrors.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1024-8, capErr.Capacity)

	f, err := e.Submit(context.Background(), nil)
	require.NoError(t, err)
	_, err = f.Get(5 * time.Second)
	require.ErrorAs(t, err, &capErr, "oversized result is reported, not written")
	assert.Greater(t, capErr.Size, capErr.Capacity)
}

func TestExecutor_CloseFailsPending(t *testing.T) {
	e := newTestExecutor(t, "sleep", testConfig())
	pid := e.PID()

	var futures []*Future
	for i := 0; i < 5; i++ {
		f, err := e.Submit(context.Background(), action.Params{"ms": 500})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	for _, f := range futures {
		r, err := f.GetResult(time.Second)
		require.NoError(t, err, "every future completes once the executor is closed")
		if r.Failed() {
			assert.ErrorIs(t, r.Err, ErrExecutorClosed)
		}
	}
	assert.ErrorIs(t, futures[len(futures)-1].result.Err, ErrExecutorClosed)

	_, err := e.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrExecutorClosed)
	assert.False(t, e.Alive())
	assert.False(t, lifecycle.IsProcessRunning(pid))
}

func TestExecutor_SubmitAfterClose(t *testing.T) {
	e := newTestExecutor(t, "echo", testConfig())
	require.NoError(t, e.Close())

	_, err := e.Submit(context.Background(), action.Params{"x": 1})
	assert.ErrorIs(t, err, ErrExecutorClosed)

	var capErr *stepwiseerrors.CapacityError
	assert.False(t, stepwiseerrors.As(err, &capErr))
}

func TestExecutor_CloseRacesSubmit(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	e := newTestExecutor(t, "sleep", cfg)

	var (
		mu      sync.Mutex
		futures []*Future
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				f, err := e.Submit(context.Background(), action.Params{"ms": 20})
				if err != nil {
					assert.ErrorIs(t, err, ErrExecutorClosed)
					return
				}
				mu.Lock()
				futures = append(futures, f)
				mu.Unlock()
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, e.Close())
	wg.Wait()

	for _, f := range futures {
		r, err := f.GetResult(5 * time.Second)
		require.NoError(t, err, "every accepted task completes")
		if r.Failed() {
			assert.ErrorIs(t, r.Err, ErrExecutorClosed)
		}
	}
}

func TestExecutor_TeardownOnClose(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "teardown")
	cfg := testConfig()
	cfg.Env = []string{teardownFileEnv + "=" + marker}

	e := newTestExecutor(t, "teardown", cfg)
	require.NoError(t, e.Close())

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
}

func TestExecutor_WorkerExit(t *testing.T) {
	e := newTestExecutor(t, "exit", testConfig())

	f, err := e.Submit(context.Background(), nil)
	require.NoError(t, err)

	_, err = f.Get(5 * time.Second)
	assert.ErrorIs(t, err, ErrExecutorExited)

	require.Eventually(t, func() bool { return !e.Alive() }, 5*time.Second, 10*time.Millisecond)
	_, err = e.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrExecutorExited)
}

func TestExecutor_Validation(t *testing.T) {
	_, err := New(context.Background(), "", 0, testConfig())
	var valErr *stepwiseerrors.ValidationError
	assert.ErrorAs(t, err, &valErr)

	cfg := testConfig()
	cfg.ExecuteTimeout = -time.Second
	_, err = New(context.Background(), "echo", 0, cfg)
	var cfgErr *stepwiseerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
