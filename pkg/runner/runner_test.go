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


package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/stepwise/pkg/action"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
	"github.com/tombee/stepwise/pkg/executor"
	"github.com/tombee/stepwise/pkg/plan"
)

// workerRegistry is rebuilt identically in every hosted worker.
var workerRegistry = func() *action.Registry {
	reg := action.NewRegistry()
	for _, name := range []string{"A", "B", "C", "D"} {
		reg.MustRegister(name, action.WithWork(func(_ context.Context, p action.Params) (any, error) {
			results, _ := p[action.ResultsKey].(map[string]any)
			return fmt.Sprintf("%s(%d)", name, len(results)), nil
		}))
	}
	reg.MustRegister("slow", action.WithWork(func(ctx context.Context, _ action.Params) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	return reg
}()

func TestMain(m *testing.M) {
	if executor.IsWorkerProcess() {
		os.Exit(executor.ServeWorker(workerRegistry))
	}
	os.Exit(m.Run())
}

type submission struct {
	name   string
	index  int
	params action.Params
}

// localPool runs actions in-process and hands back completed futures.
type localPool struct {
	reg    *action.Registry
	reject string

	mu    sync.Mutex
	calls []submission
}

func (p *localPool) Submit(ctx context.Context, name string, index int, params action.Params) (*executor.Future, error) {
	p.mu.Lock()
	p.calls = append(p.calls, submission{name: name, index: index, params: params})
	p.mu.Unlock()

	if name == p.reject {
		return nil, fmt.Errorf("queue full")
	}
	a, ok := p.reg.Lookup(name)
	if !ok {
		return nil, &stepwiseerrors.NotFoundError{Resource: "executor", ID: name}
	}
	start := time.Now()
	v, err := a.Execute(ctx, params)
	return executor.Completed(&executor.Result{Value: v, Err: err, StartTime: start, EndTime: time.Now()}), nil
}

func (p *localPool) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.name
	}
	return out
}

func diamond(reg *action.Registry) *plan.StepPlan {
	return plan.New(
		plan.StepFor(reg, "A"),
		plan.StepFor(reg, "B", "A"),
		plan.StepFor(reg, "C", "A"),
		plan.StepFor(reg, "D", "B", "C"),
	)
}

func nameWork(name string) action.Option {
	return action.WithWork(func(context.Context, action.Params) (any, error) {
		return name, nil
	})
}

func TestRun_MergesOneEntryPerAction(t *testing.T) {
	reg := action.NewRegistry()
	for _, name := range []string{"A", "B", "C", "D"} {
		reg.MustRegister(name, nameWork(name))
	}
	pool := &localPool{reg: reg}

	got, err := New(pool).Run(context.Background(), diamond(reg), action.Params{"seed": 1})
	require.NoError(t, err)

	assert.Equal(t, action.Params{"A": "A", "B": "B", "C": "C", "D": "D"}, got)
	assert.Equal(t, []string{"A", "B", "C", "D"}, pool.names())
}

func TestRun_TasksSeeOnlyEarlierLevels(t *testing.T) {
	reg := action.NewRegistry()
	for _, name := range []string{"A", "B", "C", "D"} {
		reg.MustRegister(name, nameWork(name))
	}
	pool := &localPool{reg: reg}

	_, err := New(pool).Run(context.Background(), diamond(reg), action.Params{"seed": 1, "A": "overridden"})
	require.NoError(t, err)

	byName := make(map[string]action.Params)
	for _, c := range pool.calls {
		byName[c.name] = c.params
	}

	a := byName["A"]
	assert.Equal(t, 1, a["seed"])
	assert.Equal(t, "overridden", a["A"])
	assert.Empty(t, a[action.ResultsKey])
	assert.Contains(t, a, action.ExpansionKey)
	assert.Nil(t, a[action.ExpansionKey])

	b := byName["B"]
	assert.Equal(t, "A", b["A"], "results override initial params")
	assert.Equal(t, action.Params{"A": "A"}, b[action.ResultsKey])
	assert.NotContains(t, b, "C")

	d := byName["D"]
	assert.Equal(t, action.Params{"A": "A", "B": "B", "C": "C"}, d[action.ResultsKey])
}

func TestRun_FanoutAndMerge(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister("list",
		action.WithFanout(func(p action.Params) ([]any, error) {
			return p.Slice("items"), nil
		}),
		action.WithWork(func(_ context.Context, p action.Params) (any, error) {
			return fmt.Sprintf("item-%v", p[action.ExpansionKey]), nil
		}),
		action.WithMergeAsList(true),
	)
	reg.MustRegister("first",
		action.WithFanout(func(action.Params) ([]any, error) {
			return []any{"x", "y"}, nil
		}),
		action.WithWork(func(_ context.Context, p action.Params) (any, error) {
			return p[action.ExpansionKey], nil
		}),
	)
	reg.MustRegister("empty",
		action.WithFanout(func(action.Params) ([]any, error) {
			return []any{}, nil
		}),
		action.WithWork(func(_ context.Context, p action.Params) (any, error) {
			return p[action.ExpansionKey] == nil, nil
		}),
		action.WithMergeAsList(true),
	)
	pool := &localPool{reg: reg}
	p := plan.New(plan.StepFor(reg, "list"), plan.StepFor(reg, "first"), plan.StepFor(reg, "empty"))

	got, err := New(pool).Run(context.Background(), p, action.Params{"items": []string{"a", "b", "c"}})
	require.NoError(t, err)

	assert.Equal(t, []any{"item-a", "item-b", "item-c"}, got["list"])
	assert.Equal(t, "x", got["first"])
	assert.Equal(t, []any{true}, got["empty"])
	assert.Len(t, pool.calls, 6)
}

func TestRun_Affinity(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister("shard", action.WithAffinity(func(p action.Params) (int, error) {
		n, _ := p["shard"].(int)
		return n % 3, nil
	}))
	pool := &localPool{reg: reg}

	_, err := New(pool).Run(context.Background(), plan.New(plan.StepFor(reg, "shard")), action.Params{"shard": 7})
	require.NoError(t, err)
	require.Len(t, pool.calls, 1)
	assert.Equal(t, 1, pool.calls[0].index)
}

func TestRun_StepFailure(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister("A", nameWork("A"))
	reg.MustRegister("B", action.WithWork(func(context.Context, action.Params) (any, error) {
		return nil, fmt.Errorf("boom")
	}))
	reg.MustRegister("C", nameWork("C"))
	pool := &localPool{reg: reg}
	p := plan.New(plan.StepFor(reg, "A"), plan.StepFor(reg, "B", "A"), plan.StepFor(reg, "C", "B"))

	got, err := New(pool).Run(context.Background(), p, nil)
	require.Error(t, err)

	var stepErr *stepwiseerrors.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "B", stepErr.Step)
	assert.Equal(t, 1, stepErr.Level)
	assert.Contains(t, err.Error(), "boom")

	assert.Equal(t, action.Params{"A": "A"}, got)
	assert.NotContains(t, pool.names(), "C")
}

func TestRun_FanoutAndAffinityErrors(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister("fanout", action.WithFanout(func(action.Params) ([]any, error) {
		return nil, fmt.Errorf("no tokens")
	}))
	reg.MustRegister("affinity", action.WithAffinity(func(action.Params) (int, error) {
		return 0, fmt.Errorf("no shard")
	}))

	for _, name := range []string{"fanout", "affinity"} {
		t.Run(name, func(t *testing.T) {
			pool := &localPool{reg: reg}
			_, err := New(pool).Run(context.Background(), plan.New(plan.StepFor(reg, name)), nil)

			var stepErr *stepwiseerrors.StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, name, stepErr.Step)
			assert.Empty(t, pool.calls)
		})
	}
}

func TestRun_SubmitFailure(t *testing.T) {
	reg := action.NewRegistry()
	pool := &localPool{reg: reg, reject: "A"}

	_, err := New(pool).Run(context.Background(), plan.New(plan.StepFor(reg, "A")), nil)

	var stepErr *stepwiseerrors.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Contains(t, stepErr.Cause.Error(), "queue full")
}

func TestRun_SkipsUnscheduledSteps(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister("A", nameWork("A"))
	reg.MustRegister("orphan", nameWork("orphan"))
	pool := &localPool{reg: reg}
	p := plan.New(plan.StepFor(reg, "A"), plan.StepFor(reg, "orphan", "missing"))

	got, err := New(pool).Run(context.Background(), p, nil)
	require.NoError(t, err)
	assert.Equal(t, action.Params{"A": "A"}, got)
	assert.Equal(t, []string{"A"}, pool.names())
}

func TestRun_EmptyPlan(t *testing.T) {
	pool := &localPool{reg: action.NewRegistry()}

	got, err := New(pool).Run(context.Background(), plan.New(), action.Params{"x": 1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRun_Spans(t *testing.T) {
	reg := action.NewRegistry()
	for _, name := range []string{"A", "B", "C", "D"} {
		reg.MustRegister(name, nameWork(name))
	}
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, err := New(&localPool{reg: reg}, WithTracerProvider(tp)).Run(context.Background(), diamond(reg), nil)
	require.NoError(t, err)

	counts := make(map[string]int)
	for _, s := range recorder.Ended() {
		counts[s.Name()]++
	}
	assert.Equal(t, 1, counts["stepwise.run"])
	assert.Equal(t, 3, counts["stepwise.level"])
	assert.Equal(t, 4, counts["stepwise.step"])
}

func TestNew_Defaults(t *testing.T) {
	r := New(&localPool{})
	assert.Equal(t, DefaultWaitTimeout, r.WaitTimeout())

	r = New(&localPool{}, WithWaitTimeout(time.Second))
	assert.Equal(t, time.Second, r.WaitTimeout())
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

func newManager(t *testing.T, names ...string) *executor.Manager {
	t.Helper()
	cfg := executor.DefaultConfig()
	cfg.ArenaSize = 64 << 10
	cfg.ShutdownGrace = time.Second
	m := executor.NewManager(cfg)
	t.Cleanup(func() { _ = m.Clear() })

	for _, name := range names {
		err := m.Register(context.Background(), name, 1)
		skipOnSpawnError(t, err)
		require.NoError(t, err)
	}
	return m
}

func TestRun_EndToEnd(t *testing.T) {
	m := newManager(t, "A", "B", "C", "D")

	got, err := New(m).Run(context.Background(), diamond(workerRegistry), action.Params{})
	require.NoError(t, err)

	assert.Equal(t, action.Params{
		"A": "A(0)",
		"B": "B(1)",
		"C": "C(1)",
		"D": "D(3)",
	}, got)
}

func TestRun_EndToEndWaitTimeout(t *testing.T) {
	m := newManager(t, "slow")

	_, err := New(m, WithWaitTimeout(100*time.Millisecond)).
		Run(context.Background(), plan.New(plan.StepFor(workerRegistry, "slow")), nil)

	var stepErr *stepwiseerrors.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "slow", stepErr.Step)
	assert.True(t, stepwiseerrors.IsWaitTimeout(err))
	assert.False(t, stepwiseerrors.IsTimeout(err))
}
