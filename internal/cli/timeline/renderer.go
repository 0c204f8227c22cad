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


// Package timeline renders the spans of a plan run as an ASCII timeline.
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/term"
)

const (
	// MinTerminalWidth is the minimum supported terminal width
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
	// StatusIconOK indicates successful completion
	StatusIconOK = "✓"
	// StatusIconError indicates failure
	StatusIconError = "✗"
)

// Span names emitted by the plan runner.
const (
	spanRun   = "stepwise.run"
	spanLevel = "stepwise.level"
	spanStep  = "stepwise.step"
)

// Row is one line of the timeline.
type Row struct {
	Label     string
	StartTime time.Time
	EndTime   time.Time
	Failed    bool
	Depth     int  // Indentation level for hierarchy
	IsParent  bool // Whether this row has children
}

// Duration returns the row's wall-clock time.
func (r Row) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Renderer renders ASCII timelines from runner spans.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a new timeline renderer with terminal width detection.
func NewRenderer() (*Renderer, error) {
	width, _, err := term.GetSize(1)
	if err != nil {
		// Default to 100 if detection fails
		width = 100
	}
	return NewRendererWidth(width)
}

// NewRendererWidth creates a renderer for a terminal of the given width.
func NewRendererWidth(width int) (*Renderer, error) {
	if width < MinTerminalWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinTerminalWidth)
	}

	// "│ step_name ██████░░░░  duration  status │"
	barWidth := width - 40
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &Renderer{
		Width:    width,
		BarWidth: barWidth,
	}, nil
}

// Render generates an ASCII timeline from the ended spans of one run.
// Spans other than run, level and step spans are ignored.
func (r *Renderer) Render(spans []sdktrace.ReadOnlySpan) (string, error) {
	rows, runID := Rows(spans)
	if len(rows) == 0 {
		return "", fmt.Errorf("no spans to render")
	}

	minTime, maxTime := bounds(rows)
	total := maxTime.Sub(minTime)

	var sb strings.Builder

	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")

	totalStr := formatDuration(total)
	labelWidth := r.Width - 17 - len(totalStr)
	sb.WriteString(fmt.Sprintf("│ Run: %-*s Total: %s │\n",
		labelWidth,
		truncate(runID, labelWidth),
		totalStr))

	sb.WriteString("├" + border + "┤\n")

	for _, row := range rows {
		sb.WriteString(r.renderRow(row, minTime, total))
	}

	sb.WriteString("└" + border + "┘\n")
	return sb.String(), nil
}

// Rows orders runner spans depth-first (run, then each level, then its
// steps) and returns them with the run id.
func Rows(spans []sdktrace.ReadOnlySpan) ([]Row, string) {
	children := make(map[string][]sdktrace.ReadOnlySpan)
	var roots []sdktrace.ReadOnlySpan
	for _, s := range spans {
		switch s.Name() {
		case spanRun, spanLevel, spanStep:
		default:
			continue
		}
		if s.Name() == spanRun {
			roots = append(roots, s)
			continue
		}
		parent := s.Parent().SpanID().String()
		children[parent] = append(children[parent], s)
	}

	byStart := func(list []sdktrace.ReadOnlySpan) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].StartTime().Before(list[j].StartTime())
		})
	}
	byStart(roots)

	var (
		rows  []Row
		runID string
		walk  func(s sdktrace.ReadOnlySpan, depth int)
	)
	walk = func(s sdktrace.ReadOnlySpan, depth int) {
		kids := children[s.SpanContext().SpanID().String()]
		byStart(kids)
		rows = append(rows, Row{
			Label:     label(s),
			StartTime: s.StartTime(),
			EndTime:   s.EndTime(),
			Failed:    s.Status().Code == codes.Error,
			Depth:     depth,
			IsParent:  len(kids) > 0,
		})
		for _, k := range kids {
			walk(k, depth+1)
		}
	}
	for _, root := range roots {
		if runID == "" {
			runID = stringAttr(root.Attributes(), "stepwise.run_id")
		}
		walk(root, 0)
	}
	return rows, runID
}

func label(s sdktrace.ReadOnlySpan) string {
	attrs := s.Attributes()
	switch s.Name() {
	case spanLevel:
		for _, kv := range attrs {
			if kv.Key == "stepwise.level" {
				return fmt.Sprintf("level %d", kv.Value.AsInt64())
			}
		}
	case spanStep:
		if name := stringAttr(attrs, "stepwise.step"); name != "" {
			return name
		}
	}
	return "run"
}

func stringAttr(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

// bounds finds the earliest start and latest end time across all rows.
func bounds(rows []Row) (time.Time, time.Time) {
	minTime := rows[0].StartTime
	maxTime := rows[0].EndTime

	for _, row := range rows {
		if row.StartTime.Before(minTime) {
			minTime = row.StartTime
		}
		if row.EndTime.After(maxTime) {
			maxTime = row.EndTime
		}
	}

	return minTime, maxTime
}

// renderRow generates a timeline line for a single row.
func (r *Renderer) renderRow(row Row, minTime time.Time, total time.Duration) string {
	startPos, barLength := 0, r.BarWidth
	if total > 0 {
		startPos = int(float64(row.StartTime.Sub(minTime)) / float64(total) * float64(r.BarWidth))
		barLength = int(float64(row.Duration()) / float64(total) * float64(r.BarWidth))
	}
	if startPos >= r.BarWidth {
		startPos = r.BarWidth - 1
	}
	if barLength < 1 {
		barLength = 1
	}
	if startPos+barLength > r.BarWidth {
		barLength = r.BarWidth - startPos
	}

	bar := make([]rune, r.BarWidth)
	for i := range bar {
		if i >= startPos && i < startPos+barLength {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}

	statusIcon := StatusIconOK
	if row.Failed {
		statusIcon = StatusIconError
	}

	indent := strings.Repeat("  ", row.Depth)
	prefix := ""
	if row.Depth > 0 {
		if row.IsParent {
			prefix = "├─ "
		} else {
			prefix = "└─ "
		}
	}

	nameWidth := 20 - len(indent) - len(prefix)
	if nameWidth < 10 {
		nameWidth = 10
	}

	return fmt.Sprintf("│ %s%s%-*s %s  %6s  %s │\n",
		indent,
		prefix,
		nameWidth,
		truncate(row.Label, nameWidth),
		string(bar),
		formatDuration(row.Duration()),
		statusIcon,
	)
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
