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


package shared

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/term"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows which plan level is running and how long the run has
// taken. It learns about levels from the runner's "stepwise.level" spans,
// so it must be registered as a span processor before the engine starts.
// Output is redrawn in place on a terminal and suppressed otherwise.
type Spinner struct {
	mu      sync.Mutex
	out     io.Writer
	isTTY   bool
	label   string
	levels  int
	level   int
	started time.Time
	frame   int
	done    chan struct{}
}

var _ sdktrace.SpanProcessor = (*Spinner)(nil)

// NewSpinner creates a spinner writing to out.
func NewSpinner(out io.Writer) *Spinner {
	s := &Spinner{out: out, level: -1}
	if f, ok := out.(*os.File); ok {
		s.isTTY = term.IsTerminal(int(f.Fd()))
	}
	return s
}

// Start shows label for a plan of the given number of levels.
func (s *Spinner) Start(label string, levels int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return
	}
	s.label = label
	s.levels = levels
	s.level = -1
	s.started = time.Now()
	s.done = make(chan struct{})

	if s.isTTY {
		s.render()
		go s.tick(s.done)
	}
}

// Stop clears the line and returns the time since Start.
func (s *Spinner) Stop() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return 0
	}
	close(s.done)
	s.done = nil
	if s.isTTY {
		fmt.Fprint(s.out, "\r\033[K")
	}
	return time.Since(s.started)
}

// Level returns the index of the level most recently started, or -1.
func (s *Spinner) Level() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// OnStart records the level of a starting level span.
func (s *Spinner) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Name() != "stepwise.level" {
		return
	}
	for _, kv := range span.Attributes() {
		if kv.Key != "stepwise.level" {
			continue
		}
		s.mu.Lock()
		s.level = int(kv.Value.AsInt64())
		if s.done != nil && s.isTTY {
			s.render()
		}
		s.mu.Unlock()
		return
	}
}

func (s *Spinner) OnEnd(sdktrace.ReadOnlySpan) {}

func (s *Spinner) Shutdown(context.Context) error { return nil }

func (s *Spinner) ForceFlush(context.Context) error { return nil }

func (s *Spinner) tick(done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.done != nil {
				s.frame = (s.frame + 1) % len(spinnerFrames)
				s.render()
			}
			s.mu.Unlock()
		}
	}
}

// render redraws the line. Callers hold mu.
func (s *Spinner) render() {
	fmt.Fprint(s.out, "\r\033[K"+s.line())
}

func (s *Spinner) line() string {
	frame := spinnerFrames[s.frame]
	if !ColorEnabled() {
		frame = "..."
	}
	progress := "starting"
	if s.level >= 0 {
		progress = fmt.Sprintf("level %d/%d", s.level+1, s.levels)
	}
	return fmt.Sprintf("%s %s %s %s",
		s.label,
		progress,
		Muted.Render(frame),
		Muted.Render("("+FormatElapsed(time.Since(s.started))+")"))
}

// FormatElapsed renders d as "850ms", "12s", "2m" or "1m 23s".
func FormatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes, seconds := int(d.Minutes()), int(d.Seconds())%60
	if seconds == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
