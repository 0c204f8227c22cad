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


package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepwise/pkg/action"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

func testEnv() map[string]any {
	return Env(action.Params{
		"tags":               []any{"go", "cli", "urgent"},
		"paths":              []string{"a.txt", "b.txt"},
		"shard":              int64(7),
		"ratio":              2.0,
		"name":               "stepwise",
		action.ExpansionKey:  "b.txt",
		action.ResultsKey:    map[string]any{"scan": []any{1, 2}},
		"nested":             map[string]any{"mode": "strict"},
		"count":              3,
		"empty":              []any{},
		"weird":              1.5,
		"flag":               true,
		"unused_placeholder": nil,
	})
}

func TestEvaluator_Bool(t *testing.T) {
	e := New()
	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty expression is true", "", true},
		{"in operator", `"urgent" in params.tags`, true},
		{"has function", `has(params.tags, "go")`, true},
		{"has missing", `has(params.tags, "rust")`, false},
		{"includes alias", `includes(params.tags, "cli")`, true},
		{"has map key", `has(params.nested, "mode")`, true},
		{"has substring", `has(params.name, "wise")`, true},
		{"length function", `length(params.tags) == 3`, true},
		{"results shortcut", `len(results.scan) > 1`, true},
		{"expansion shortcut", `expansion == "b.txt"`, true},
		{"nested field", `params.nested.mode == "strict"`, true},
		{"boolean param", `params.flag && params.count > 2`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Bool(tt.expr, testEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_BoolRequiresBoolean(t *testing.T) {
	_, err := New().Bool(`params.name`, testEnv())
	var ve *stepwiseerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "must return boolean")
}

func TestEvaluator_Int(t *testing.T) {
	e := New()

	got, err := e.Int(`params.shard % 3`, testEnv())
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	got, err = e.Int(`params.ratio`, testEnv())
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	_, err = e.Int(`params.weird`, testEnv())
	assert.Error(t, err)

	_, err = e.Int(`params.name`, testEnv())
	assert.Error(t, err)
}

func TestEvaluator_List(t *testing.T) {
	e := New()

	got, err := e.List(`params.tags`, testEnv())
	require.NoError(t, err)
	assert.Equal(t, []any{"go", "cli", "urgent"}, got)

	got, err = e.List(`params.paths`, testEnv())
	require.NoError(t, err)
	assert.Equal(t, []any{"a.txt", "b.txt"}, got)

	got, err = e.List(`params.missing`, testEnv())
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = e.List(`map(params.tags, # + "!")`, testEnv())
	require.NoError(t, err)
	assert.Equal(t, []any{"go!", "cli!", "urgent!"}, got)

	_, err = e.List(`params.count`, testEnv())
	assert.Error(t, err)
}

func TestEvaluator_CompileErrorsAndCache(t *testing.T) {
	e := New()

	err := e.Check(`params.tags[`)
	var ve *stepwiseerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "failed to compile")

	require.NoError(t, e.Check(`params.count > 1`))
	require.NoError(t, e.Check(`params.count > 1`))
	_, err = e.Bool(`params.count > 1`, testEnv())
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())
}

func TestFunctions(t *testing.T) {
	_, err := containsFunc("only one")
	assert.Error(t, err)

	got, err := containsFunc(nil, "x")
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = containsFunc(map[string]any{"a": 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, false, got, "mismatched key types are not found")

	n, err := lenFunc(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = lenFunc(42)
	assert.Error(t, err)
}
