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


// Package plan implements the plan command, which shows how the defined
// steps are leveled without starting any worker.
package plan

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/definition"
	"github.com/tombee/stepwise/pkg/plan"
)

// StepView describes one step for display.
type StepView struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Workers   int      `json:"workers"`
	Fanout    string   `json:"fanout,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`

	// Blocked lists dependencies that are missing or never scheduled.
	Blocked []string `json:"blocked,omitempty"`
}

// View is the displayed form of a leveled plan.
type View struct {
	Files       []string     `json:"files"`
	Levels      [][]StepView `json:"levels"`
	Unscheduled []StepView   `json:"unscheduled,omitempty"`
}

type planResponse struct {
	shared.JSONResponse
	View
}

// NewCommand creates the plan command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the leveled plan",
		Long: `Plan loads the definitions and prints the execution levels of the plan.
Steps in one level run concurrently once every earlier level has finished.

Steps whose dependencies are missing or form a cycle can never be scheduled.
They are listed separately and skipped by 'stepwise run'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			engine, err := shared.Prepare(cfg, shared.NewLogger(cfg))
			if err != nil {
				return err
			}

			view := Describe(engine.Definition, engine.Plan)
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), planResponse{
					JSONResponse: shared.NewJSONResponse("plan", true),
					View:         view,
				})
			}
			return Render(cmd.OutOrStdout(), view)
		},
	}
}

// Describe levels p and annotates every step with its definition.
func Describe(def *definition.Definition, p *plan.StepPlan) View {
	actions := make(map[string]definition.ActionDef, len(def.Actions))
	for _, a := range def.Actions {
		actions[a.Name] = a
	}
	observers := make(map[string]bool, len(def.Observers))
	for _, o := range def.Observers {
		observers[o.Name] = true
	}
	pools := def.Pools()

	walk := p.WalkDetailed()
	scheduled := make(map[string]bool)
	for _, level := range walk.Levels {
		for _, s := range level {
			scheduled[s.Name()] = true
		}
	}

	view := func(s *plan.Step) StepView {
		v := StepView{
			Name:      s.Name(),
			Kind:      string(definition.KindEcho),
			Workers:   pools[s.Name()],
			DependsOn: s.DependencyNames(),
		}
		if a, ok := actions[s.Name()]; ok {
			if a.Kind != "" {
				v.Kind = string(a.Kind)
			}
			v.Fanout = a.Fanout
		}
		if observers[s.Name()] {
			v.Kind = "observer"
		}
		for _, dep := range v.DependsOn {
			if !scheduled[dep] {
				v.Blocked = append(v.Blocked, dep)
			}
		}
		return v
	}

	out := View{Files: def.Files, Levels: make([][]StepView, len(walk.Levels))}
	for i, level := range walk.Levels {
		for _, s := range level {
			out.Levels[i] = append(out.Levels[i], view(s))
		}
	}
	for _, s := range walk.Unscheduled {
		out.Unscheduled = append(out.Unscheduled, view(s))
	}
	return out
}

// Render writes v as one bordered box per level.
func Render(w io.Writer, v View) error {
	var sb strings.Builder

	sb.WriteString(shared.Header.Render("Plan"))
	sb.WriteString(" " + shared.Muted.Render(strings.Join(v.Files, ", ")) + "\n\n")

	if len(v.Levels) == 0 {
		sb.WriteString(shared.RenderWarn("nothing to run") + "\n")
	}

	boxes := make([]string, 0, len(v.Levels))
	for i, level := range v.Levels {
		lines := []string{shared.Bold.Render(fmt.Sprintf("Level %d", i))}
		for _, s := range level {
			lines = append(lines, stepLine(s))
		}
		boxes = append(boxes, shared.LevelBox.Render(strings.Join(lines, "\n")))
	}
	if len(boxes) > 0 {
		sb.WriteString(lipgloss.JoinVertical(lipgloss.Left, boxes...) + "\n")
	}

	if len(v.Unscheduled) > 0 {
		sb.WriteString("\n" + shared.RenderWarn(fmt.Sprintf("%d step(s) can never run:", len(v.Unscheduled))) + "\n")
		for _, s := range v.Unscheduled {
			sb.WriteString(fmt.Sprintf("  %s %s %s\n",
				shared.StatusError.Render(shared.SymbolError),
				s.Name,
				shared.Muted.Render("waits on "+strings.Join(s.Blocked, ", "))))
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func stepLine(s StepView) string {
	detail := []string{s.Kind}
	if s.Workers > 1 {
		detail = append(detail, fmt.Sprintf("%d workers", s.Workers))
	}
	if s.Fanout != "" {
		detail = append(detail, "fanout "+s.Fanout)
	}

	line := fmt.Sprintf("%s %s %s", shared.SymbolInfo, s.Name, shared.Muted.Render("("+strings.Join(detail, ", ")+")"))
	if len(s.DependsOn) > 0 {
		line += shared.Muted.Render(" ← " + strings.Join(s.DependsOn, ", "))
	}
	return line
}
