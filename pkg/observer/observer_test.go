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


package observer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepwise/pkg/action"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
	"github.com/tombee/stepwise/pkg/plan"
)

func twoSteps(reg *action.Registry) []*plan.Step {
	return []*plan.Step{
		plan.StepFor(reg, "step_1"),
		plan.StepFor(reg, "step_2", "step_1"),
	}
}

func TestNew(t *testing.T) {
	reg := action.NewRegistry()
	o, err := New("latency", twoSteps(reg))
	require.NoError(t, err)

	assert.Equal(t, "latency", o.Name)
	assert.Equal(t, DefaultWindowSize, o.WindowSize)
	assert.Equal(t, DefaultTriggerRate, o.TriggerRate)
	assert.True(t, o.Ready())
	assert.Equal(t, []string{"step_1", "step_2"}, o.StepNames())
	assert.Equal(t, [][]string{{"step_1"}, {"step_2"}}, o.Plan().WalkDetailed().LevelNames())
	assert.Zero(t, o.Rate())
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		oname string
		opts  []Option
		field string
	}{
		{name: "empty name", field: "name"},
		{name: "zero window", oname: "o", opts: []Option{WithWindow(0, 0.5)}, field: "window_size"},
		{name: "rate above one", oname: "o", opts: []Option{WithWindow(10, 1.5)}, field: "trigger_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.oname, nil, tt.opts...)
			var ve *stepwiseerrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestObserver_JudgeWaitsForEveryStep(t *testing.T) {
	reg := action.NewRegistry()
	var calls []action.Params
	o, err := New("o", twoSteps(reg), WithJudge(func(p action.Params) (bool, error) {
		calls = append(calls, p)
		return true, nil
	}))
	require.NoError(t, err)

	for range 10 {
		out, ok := o.Do(action.Params{})
		require.True(t, ok)
		assert.Equal(t, StatusNotReady, out.Judge.Status)
	}
	assert.Empty(t, calls)

	out, _ := o.Do(action.Params{"step_1": "first"})
	assert.Equal(t, StatusNotReady, out.Judge.Status)

	out, _ = o.Do(action.Params{"step_1": "ignored", "step_2": "second", "extra": 1})
	assert.Equal(t, StatusDone, out.Judge.Status)
	assert.Equal(t, true, out.Judge.Value)

	require.Len(t, calls, 1)
	assert.Equal(t, "first", calls[0]["step_1"], "the first buffered result wins")
	assert.Equal(t, "second", calls[0]["step_2"])
	assert.Equal(t, 1, calls[0]["extra"])
	assert.Equal(t, 0.1, o.Rate())

	out, _ = o.Do(action.Params{"step_1": "again"})
	assert.Equal(t, StatusNotReady, out.Judge.Status, "buffer is cleared after judging")
}

func TestObserver_TriggerFiresAtRateAndRefills(t *testing.T) {
	reg := action.NewRegistry()
	triggered := 0
	var seen action.Params
	o, err := New("o", twoSteps(reg),
		WithJudge(func(action.Params) (bool, error) { return true, nil }),
		WithTrigger(func(p action.Params) (any, error) {
			triggered++
			seen = p
			return "alert", nil
		}),
	)
	require.NoError(t, err)

	both := action.Params{"step_1": "a", "step_2": "b"}
	for i := range 6 {
		out, ok := o.Do(both)
		require.True(t, ok)
		if i == 4 {
			assert.Equal(t, StatusDone, out.Trigger.Status)
			assert.Equal(t, "alert", out.Trigger.Value)
		} else {
			assert.Equal(t, StatusNotReady, out.Trigger.Status)
		}
	}
	assert.Equal(t, 1, triggered)
	assert.Equal(t, "a", seen["step_1"])
	assert.Equal(t, 0.1, o.Rate())

	o.SetReady(false)
	for range 15 {
		_, ok := o.Do(both)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, triggered)
}

func TestObserver_WindowSlides(t *testing.T) {
	reg := action.NewRegistry()
	verdict := true
	o, err := New("o", []*plan.Step{plan.StepFor(reg, "s")},
		WithJudge(func(action.Params) (bool, error) { return verdict, nil }),
		WithWindow(4, 1),
	)
	require.NoError(t, err)

	in := action.Params{"s": 1}
	o.Do(in)
	o.Do(in)
	o.Do(in)
	assert.Equal(t, 0.75, o.Rate())

	verdict = false
	o.Do(in)
	assert.Equal(t, 0.75, o.Rate())
	o.Do(in)
	assert.Equal(t, 0.5, o.Rate(), "oldest verdicts fall out of the window")
}

func TestObserver_CallbackErrors(t *testing.T) {
	reg := action.NewRegistry()
	o, err := New("o", []*plan.Step{plan.StepFor(reg, "s")},
		WithJudge(func(action.Params) (bool, error) { return false, fmt.Errorf("bad input") }),
	)
	require.NoError(t, err)

	out, _ := o.Do(action.Params{"s": 1})
	assert.Equal(t, StatusError, out.Judge.Status)
	assert.EqualError(t, out.Judge.Err, "bad input")
	assert.Zero(t, o.Rate())

	o, err = New("o", []*plan.Step{plan.StepFor(reg, "s")},
		WithJudge(func(action.Params) (bool, error) { return true, nil }),
		WithTrigger(func(action.Params) (any, error) { return nil, fmt.Errorf("pager down") }),
		WithWindow(1, 1),
	)
	require.NoError(t, err)

	out, _ = o.Do(action.Params{"s": 1})
	assert.Equal(t, StatusDone, out.Judge.Status)
	assert.Equal(t, StatusError, out.Trigger.Status)
	assert.Zero(t, o.Rate(), "window is refilled even when the trigger fails")
}

func TestOutcome_Params(t *testing.T) {
	out := Outcome{
		Judge:   Attempt{Status: StatusDone, Value: true},
		Trigger: Attempt{Status: StatusError, Err: fmt.Errorf("pager down")},
	}
	assert.Equal(t, action.Params{
		"judge":   map[string]any{"status": "done", "value": true},
		"trigger": map[string]any{"status": "error", "value": nil, "error": "pager down"},
	}, out.Params())
}

func TestRegister(t *testing.T) {
	reg := action.NewRegistry()
	o, err := New("o", []*plan.Step{plan.StepFor(reg, "s")},
		WithJudge(func(action.Params) (bool, error) { return true, nil }),
		WithWindow(2, 1),
	)
	require.NoError(t, err)

	a, err := Register(reg, o)
	require.NoError(t, err)
	require.Same(t, reg.Get("o"), a)

	v, err := a.Execute(context.Background(), action.Params{"s": 1})
	require.NoError(t, err)
	assert.Equal(t, "done", v.(action.Params)["judge"].(map[string]any)["status"])
	assert.Equal(t, 0.5, o.Rate())

	require.NoError(t, a.Init())
	assert.Zero(t, o.Rate(), "setup resets the observer")

	o.SetReady(false)
	v, err = a.Execute(context.Background(), action.Params{"s": 1})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMergePlan(t *testing.T) {
	reg := action.NewRegistry()
	first, err := New("first", twoSteps(reg))
	require.NoError(t, err)
	second, err := New("second", []*plan.Step{
		plan.StepFor(reg, "step_1"),
		plan.StepFor(reg, "step_3", "step_1"),
	})
	require.NoError(t, err)
	idle, err := New("idle", []*plan.Step{plan.StepFor(reg, "step_9")})
	require.NoError(t, err)
	idle.SetReady(false)

	observers := []*Observer{first, second, idle}

	p := MergePlan(reg, observers, false)
	assert.Equal(t, [][]string{{"step_1"}, {"step_2", "step_3"}}, p.WalkDetailed().LevelNames())

	p = MergePlan(reg, observers, true)
	assert.Equal(t, [][]string{
		{"step_1"},
		{"step_2", "step_3"},
		{"first", "second"},
	}, p.WalkDetailed().LevelNames())

	obs, ok := p.Step("first")
	require.True(t, ok)
	assert.Equal(t, []string{"step_1", "step_2", "step_3"}, obs.DependencyNames())
}
