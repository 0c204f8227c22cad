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


package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/dispatch"
	"github.com/tombee/stepwise/pkg/plan"
)

func startWatcher(t *testing.T, cfg Config) *Watcher {
	t.Helper()
	w, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	w.Start(context.Background())
	return w
}

func nextEvent(t *testing.T, w *Watcher) *Event {
	t.Helper()
	select {
	case e := <-w.Events():
		require.NotNil(t, e)
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for file event")
		return nil
	}
}

func TestWatcher_Created(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, Config{Path: dir, Events: []string{EventCreated}})

	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	e := nextEvent(t, w)
	assert.Equal(t, EventCreated, e.Event)
	assert.Equal(t, "report.txt", e.Name)
	assert.Equal(t, ".txt", e.Ext)
	assert.Equal(t, path, e.Path)
	assert.False(t, e.IsDir)
}

func TestWatcher_Patterns(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, Config{
		Path:    dir,
		Events:  []string{EventCreated},
		Include: []string{"*.csv"},
		Exclude: DefaultExcludePatterns(),
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.csv.tmp"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.csv"), nil, 0o644))

	e := nextEvent(t, w)
	assert.Equal(t, "data.csv", e.Name)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Path: t.TempDir(), Events: []string{"exploded"}}, nil)
	assert.ErrorContains(t, err, "unknown event type")

	_, err = New(Config{Path: t.TempDir(), Include: []string{"[a-"}}, nil)
	assert.ErrorContains(t, err, "invalid pattern")

	_, err = New(Config{Path: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.ErrorContains(t, err, "failed to watch path")
}

func TestEvent_Params(t *testing.T) {
	e := &Event{Path: "/in/a.csv", Name: "a.csv", Dir: "/in", Ext: ".csv", Event: EventCreated, Size: 3}
	assert.Equal(t, action.Params{
		"path":   "/in/a.csv",
		"name":   "a.csv",
		"dir":    "/in",
		"ext":    ".csv",
		"event":  EventCreated,
		"size":   int64(3),
		"is_dir": false,
	}, e.Params())
}

func TestSource(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, Config{Path: dir, Events: []string{EventCreated}})
	p := plan.New(plan.StepFor(action.NewRegistry(), "ingest"))
	src := Source(w, p, action.Params{"tenant": "acme", "event": "overridden"})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.json"), nil, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := src(ctx)
	require.NoError(t, err)
	assert.Same(t, p, job.Plan)
	assert.Equal(t, "acme", job.Params["tenant"])
	assert.Equal(t, EventCreated, job.Params["event"])
	assert.Equal(t, "in.json", job.Params["name"])

	require.NoError(t, w.Stop())
	<-w.Done()
	_, err = src(ctx)
	assert.ErrorIs(t, err, dispatch.ErrStop)
}
