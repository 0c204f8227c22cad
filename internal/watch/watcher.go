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


// Package watch turns filesystem events into plan runs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/pkg/action"
)

// Event types.
const (
	EventCreated  = "created"
	EventModified = "modified"
	EventDeleted  = "deleted"
	EventRenamed  = "renamed"
)

// eventTypes maps fsnotify operations to event types, in match order.
var eventTypes = []struct {
	op   fsnotify.Op
	name string
}{
	{fsnotify.Create, EventCreated},
	{fsnotify.Write, EventModified},
	{fsnotify.Remove, EventDeleted},
	{fsnotify.Rename, EventRenamed},
}

// Event describes one filesystem change.
type Event struct {
	Path  string    `json:"path"`
	Name  string    `json:"name"`
	Dir   string    `json:"dir"`
	Ext   string    `json:"ext"`
	Event string    `json:"event"`
	Size  int64     `json:"size,omitempty"`
	MTime time.Time `json:"mtime,omitempty"`
	IsDir bool      `json:"is_dir"`
}

// Params returns the event as task parameters.
func (e *Event) Params() action.Params {
	p := action.Params{
		"path":   e.Path,
		"name":   e.Name,
		"dir":    e.Dir,
		"ext":    e.Ext,
		"event":  e.Event,
		"size":   e.Size,
		"is_dir": e.IsDir,
	}
	if !e.MTime.IsZero() {
		p["mtime"] = e.MTime.Format(time.RFC3339Nano)
	}
	return p
}

// Config selects what a Watcher reports.
type Config struct {
	// Path is the directory to watch.
	Path string

	// Events are the event types to report. Empty means all of them.
	Events []string

	// Include and Exclude are doublestar patterns matched against the full
	// path and the base name. Empty Include admits everything.
	Include []string
	Exclude []string
}

// DefaultExcludePatterns returns editor temporaries and system files.
func DefaultExcludePatterns() []string {
	return []string{
		"*.swp",
		"*.swo",
		".*.sw?",
		"*~",
		"#*#",
		".#*",
		".DS_Store",
		"*.tmp",
	}
}

// Watcher wraps fsnotify.Watcher and reports events for a single directory.
type Watcher struct {
	path    string
	events  map[string]bool
	include []string
	exclude []string

	watcher   *fsnotify.Watcher
	eventChan chan *Event
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a watcher for cfg.Path.
func New(cfg Config, logger *slog.Logger) (*Watcher, error) {
	for _, pattern := range append(append([]string(nil), cfg.Include...), cfg.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q", pattern)
		}
	}

	events := make(map[string]bool)
	if len(cfg.Events) == 0 {
		for _, et := range eventTypes {
			events[et.name] = true
		}
	}
	for _, e := range cfg.Events {
		known := false
		for _, et := range eventTypes {
			known = known || et.name == e
		}
		if !known {
			return nil, fmt.Errorf("unknown event type %q", e)
		}
		events[e] = true
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(absPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch path: %w", err)
	}

	return &Watcher{
		path:      absPath,
		events:    events,
		include:   cfg.Include,
		exclude:   cfg.Exclude,
		watcher:   fsw,
		eventChan: make(chan *Event, 100),
		logger:    log.WithComponent(log.OrDefault(logger), "watch").With("path", absPath),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Path returns the watched directory.
func (w *Watcher) Path() string {
	return w.path
}

// Start begins watching for file events.
func (w *Watcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
	w.logger.Info("file watcher started")
}

// Stop stops the watcher and releases resources. The events channel is
// closed once the loop has exited.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}

// Events returns the channel of matching events.
func (w *Watcher) Events() <-chan *Event {
	return w.eventChan
}

// Done is closed when the event loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.eventChan)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("file watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", log.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	eventType := ""
	for _, et := range eventTypes {
		if event.Has(et.op) {
			eventType = et.name
			break
		}
	}
	if eventType == "" || !w.events[eventType] {
		return
	}
	if !w.match(event.Name) {
		w.logger.Debug("event filtered", "type", eventType, "file", event.Name)
		return
	}

	e := &Event{
		Path:  event.Name,
		Name:  filepath.Base(event.Name),
		Dir:   filepath.Dir(event.Name),
		Ext:   filepath.Ext(event.Name),
		Event: eventType,
	}
	if eventType != EventDeleted && eventType != EventRenamed {
		if info, err := os.Stat(event.Name); err == nil {
			e.Size = info.Size()
			e.MTime = info.ModTime()
			e.IsDir = info.IsDir()
		}
	}

	select {
	case w.eventChan <- e:
		w.logger.Debug("file event", "type", eventType, "file", event.Name)
	default:
		w.logger.Warn("event channel full, dropping event", "type", eventType, "file", event.Name)
	}
}

// match applies the include and exclude patterns to path and its base name.
func (w *Watcher) match(path string) bool {
	matches := func(pattern string) bool {
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
		ok, _ := doublestar.Match(pattern, filepath.Base(path))
		return ok
	}

	included := len(w.include) == 0
	for _, p := range w.include {
		if matches(p) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range w.exclude {
		if matches(p) {
			return false
		}
	}
	return true
}
