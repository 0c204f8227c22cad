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


package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepwise/pkg/action"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

const sample = `
actions:
  - name: list
    fanout: params.paths
    affinity: len(params.paths) % 2
    merge_as_list: true
    workers: 2
  - name: greet
    message: hello
  - name: nap
    kind: sleep
    duration: 50ms
  - name: broken
    kind: fail
    message: disk full
  - name: count
    kind: jq
    query: .results.list | length
  - name: upper
    kind: shell
    command: printf '%s' "$STEPWISE_EXPANSION" | tr a-z A-Z
    fanout: '["a", "b"]'
    merge_as_list: true
steps:
  - name: list
  - name: greet
  - name: count
    depends_on: [list]
  - name: upper
    depends_on: [greet]
observers:
  - name: watchdog
    steps: [list, count]
    judge: params.count > 1
    trigger: '"alert: " + string(params.count)'
    window: 2
    rate: 0.5
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Len(t, def.Actions, 6)
	assert.Equal(t, KindSleep, def.Actions[2].Kind)
	assert.Equal(t, 50*time.Millisecond, def.Actions[2].Duration)
	assert.True(t, def.Actions[0].MergeAsList)
	assert.Equal(t, []string{"list"}, def.Steps[2].DependsOn)
	require.Len(t, def.Observers, 1)
	assert.Equal(t, 0.5, def.Observers[0].Rate)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"missing name", "actions: [{kind: echo}]", "actions[0].name"},
		{"unknown kind", "actions: [{name: a, kind: teleport}]", "actions.a.kind"},
		{"sleep without duration", "actions: [{name: a, kind: sleep}]", "actions.a.duration"},
		{"shell without command", "actions: [{name: a, kind: shell}]", "actions.a.command"},
		{"jq without query", "actions: [{name: a, kind: jq}]", "actions.a.query"},
		{"jq bad query", "actions: [{name: a, kind: jq, query: '.['}]", "query"},
		{"bad fanout", "actions: [{name: a, fanout: 'params.['}]", "expression"},
		{"negative workers", "actions: [{name: a, workers: -1}]", "actions.a.workers"},
		{"duplicate action", "actions: [{name: a}, {name: a}]", "actions"},
		{"unnamed step", "steps: [{depends_on: [a]}]", "steps[0].name"},
		{"observer without steps", "observers: [{name: o}]", "observers[0].steps"},
		{"observer clash", "actions: [{name: o}]\nobservers: [{name: o, steps: [o]}]", "observers"},
		{"observer rate", "observers: [{name: o, steps: [a], rate: 2}]", "observers[0].rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var ve *stepwiseerrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("actions: {"))
	assert.ErrorContains(t, err, "failed to parse definition")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_MergesSortedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.yaml"), "actions: [{name: second}]\nsteps: [{name: second, depends_on: [first]}]")
	writeFile(t, filepath.Join(dir, "nested", "deep", "a.yaml"), "actions: [{name: nested}]")
	writeFile(t, filepath.Join(dir, "a.yaml"), "actions: [{name: first}]\nsteps: [{name: first}]")
	writeFile(t, filepath.Join(dir, "ignored.txt"), "not yaml")

	def, err := Load(filepath.Join(dir, "**", "*.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "a.yaml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "nested", "deep", "a.yaml"),
	}, def.Files)
	names := make([]string, len(def.Actions))
	for i, a := range def.Actions {
		names[i] = a.Name
	}
	assert.Equal(t, []string{"first", "second", "nested"}, names)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "*.yaml"))
	var nf *stepwiseerrors.NotFoundError
	require.ErrorAs(t, err, &nf)

	writeFile(t, filepath.Join(dir, "a.yaml"), "actions: [{name: same}]")
	writeFile(t, filepath.Join(dir, "b.yaml"), "actions: [{name: same}]")
	_, err = Load(filepath.Join(dir, "*.yaml"))
	assert.ErrorContains(t, err, "defined more than once")
}

func applied(t *testing.T) (*Definition, *action.Registry) {
	t.Helper()
	def, err := Parse([]byte(sample))
	require.NoError(t, err)
	reg := action.NewRegistry()
	_, err = def.Apply(reg, nil)
	require.NoError(t, err)
	return def, reg
}

func TestApply_BuiltinKinds(t *testing.T) {
	_, reg := applied(t)
	ctx := context.Background()

	greet, ok := reg.Lookup("greet")
	require.True(t, ok)
	v, err := greet.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	nap, _ := reg.Lookup("nap")
	v, err = nap.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "50ms", v)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = nap.Execute(cancelled, nil)
	assert.ErrorIs(t, err, context.Canceled)

	broken, _ := reg.Lookup("broken")
	_, err = broken.Execute(ctx, nil)
	assert.EqualError(t, err, "disk full")

	count, _ := reg.Lookup("count")
	require.NoError(t, count.Init())
	v, err = count.Execute(ctx, action.Params{action.ResultsKey: action.Params{"list": []any{1, 2, 3}}})
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	list, _ := reg.Lookup("list")
	v, err = list.Execute(ctx, action.Params{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, action.Params{"x": 1}, v)
}

func TestApply_Shell(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	_, reg := applied(t)
	upper, _ := reg.Lookup("upper")

	v, err := upper.Execute(context.Background(), action.Params{action.ExpansionKey: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ABC", v)

	reg.MustRegister("json", workOptions(ActionDef{Kind: KindShell, Command: `echo "$STEPWISE_PARAMS"`})...)
	js, _ := reg.Lookup("json")
	v, err = js.Execute(context.Background(), action.Params{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(2)}, v)

	reg.MustRegister("bad", workOptions(ActionDef{Kind: KindShell, Command: "echo oops >&2; exit 3"})...)
	bad, _ := reg.Lookup("bad")
	_, err = bad.Execute(context.Background(), nil)
	assert.EqualError(t, err, "command failed: oops")
}

func TestApply_FanoutAndAffinity(t *testing.T) {
	_, reg := applied(t)
	list, _ := reg.Lookup("list")

	params := action.Params{"paths": []string{"a", "b", "c"}}
	tokens, err := list.Expand(params)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, tokens)

	worker, err := list.Worker(params)
	require.NoError(t, err)
	assert.Equal(t, 1, worker)

	tokens, err = list.Expand(action.Params{})
	require.NoError(t, err)
	assert.Equal(t, []any{nil}, tokens, "a missing list means no fan-out")

	assert.True(t, list.MergeAsList)
}

func TestApply_Observers(t *testing.T) {
	def, reg := applied(t)
	observers, err := def.Apply(reg, nil)
	require.NoError(t, err)
	require.Len(t, observers, 1)

	o := observers[0]
	assert.Equal(t, "watchdog", o.Name)
	assert.Equal(t, 2, o.WindowSize)

	watchdog, ok := reg.Lookup("watchdog")
	require.True(t, ok)
	v, err := watchdog.Execute(context.Background(), action.Params{"list": []any{1}, "count": 2})
	require.NoError(t, err)

	out := v.(action.Params)
	assert.Equal(t, map[string]any{"status": "done", "value": true}, out["judge"])
	assert.Equal(t, map[string]any{"status": "done", "value": "alert: 2"}, out["trigger"])
}

func TestPlan(t *testing.T) {
	def, reg := applied(t)
	observers, err := def.Apply(reg, nil)
	require.NoError(t, err)

	p := def.Plan(reg, observers)
	walk := p.WalkDetailed()
	assert.Equal(t, [][]string{
		{"list", "greet"},
		{"count", "upper"},
		{"watchdog"},
	}, walk.LevelNames())
	assert.Empty(t, walk.Unscheduled)

	assert.Equal(t, map[string]int{
		"list":     2,
		"greet":    1,
		"nap":      1,
		"broken":   1,
		"count":    1,
		"upper":    1,
		"watchdog": 1,
	}, def.Pools())
}

func TestPlan_WithoutSteps(t *testing.T) {
	def, err := Parse([]byte("actions: [{name: a}, {name: b}]"))
	require.NoError(t, err)
	reg := action.NewRegistry()
	_, err = def.Apply(reg, nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "b"}}, def.Plan(reg, nil).WalkDetailed().LevelNames())
}
