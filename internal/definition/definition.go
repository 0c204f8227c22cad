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


// Package definition loads actions, plan steps and observers from YAML files.
package definition

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tombee/stepwise/internal/expression"
	"github.com/tombee/stepwise/internal/jq"
	"github.com/tombee/stepwise/pkg/errors"
)

// Kind selects the builtin work function of a defined action.
type Kind string

const (
	// KindEcho returns the task parameters, or Message when set.
	KindEcho Kind = "echo"
	// KindSleep waits for Duration.
	KindSleep Kind = "sleep"
	// KindFail always fails with Message.
	KindFail Kind = "fail"
	// KindShell runs Command through sh -c.
	KindShell Kind = "shell"
	// KindJQ applies Query to the task parameters.
	KindJQ Kind = "jq"
)

// Definition is the merged content of one or more definition files.
type Definition struct {
	Actions   []ActionDef   `yaml:"actions"`
	Steps     []StepDef     `yaml:"steps"`
	Observers []ObserverDef `yaml:"observers"`

	// Files lists the files the definition was loaded from, in load order.
	Files []string `yaml:"-"`

	eval *expression.Evaluator
}

// ActionDef defines one action.
type ActionDef struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind,omitempty"`

	// Command is the shell command of a shell action.
	Command string `yaml:"command,omitempty"`

	// Query is the jq query of a jq action.
	Query string `yaml:"query,omitempty"`

	// Duration is how long a sleep action waits.
	Duration time.Duration `yaml:"duration,omitempty"`

	// Message is the result of an echo action or the error of a fail action.
	Message string `yaml:"message,omitempty"`

	// Fanout is an expression yielding the expansion tokens.
	Fanout string `yaml:"fanout,omitempty"`

	// Affinity is an expression yielding the worker index.
	Affinity string `yaml:"affinity,omitempty"`

	MergeAsList bool `yaml:"merge_as_list,omitempty"`

	// Workers is the executor pool size. Zero means one.
	Workers int `yaml:"workers,omitempty"`
}

// StepDef places an action in the plan.
type StepDef struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// ObserverDef defines an observer over plan steps.
type ObserverDef struct {
	Name  string   `yaml:"name"`
	Steps []string `yaml:"steps"`

	// Judge is a boolean expression over the parameters and buffered results.
	Judge string `yaml:"judge,omitempty"`

	// Trigger is an expression whose value becomes the trigger result.
	Trigger string `yaml:"trigger,omitempty"`

	Window int     `yaml:"window,omitempty"`
	Rate   float64 `yaml:"rate,omitempty"`
}

// Parse parses and validates a single definition document.
func Parse(data []byte) (*Definition, error) {
	def, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return def, nil
}

func decode(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	def.eval = expression.New()
	return &def, nil
}

// Load reads every file matching pattern, a doublestar glob such as
// "defs/**/*.yaml", and merges them in sorted path order.
func Load(pattern string) (*Definition, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "definitions",
			Message: fmt.Sprintf("invalid glob %q: %v", pattern, err),
		}
	}
	if len(matches) == 0 {
		return nil, &errors.NotFoundError{Resource: "definition", ID: pattern}
	}
	sort.Strings(matches)

	merged := &Definition{eval: expression.New()}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading definition %s: %w", path, err)
		}
		def, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		merged.Actions = append(merged.Actions, def.Actions...)
		merged.Steps = append(merged.Steps, def.Steps...)
		merged.Observers = append(merged.Observers, def.Observers...)
		merged.Files = append(merged.Files, path)
	}

	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definitions %s: %w", pattern, err)
	}
	return merged, nil
}

// Validate checks names, kinds and expressions.
func (d *Definition) Validate() error {
	if d.eval == nil {
		d.eval = expression.New()
	}

	names := make(map[string]bool)
	for i := range d.Actions {
		a := &d.Actions[i]
		if a.Name == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("actions[%d].name", i), Message: "action name is required"}
		}
		if names[a.Name] {
			return &errors.ValidationError{
				Field:   "actions",
				Message: fmt.Sprintf("action %q is defined more than once", a.Name),
			}
		}
		names[a.Name] = true
		if err := d.validateAction(a); err != nil {
			return err
		}
	}

	for i, s := range d.Steps {
		if s.Name == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].name", i), Message: "step name is required"}
		}
	}

	for i := range d.Observers {
		o := &d.Observers[i]
		if o.Name == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("observers[%d].name", i), Message: "observer name is required"}
		}
		if names[o.Name] {
			return &errors.ValidationError{
				Field:   "observers",
				Message: fmt.Sprintf("observer %q clashes with another action or observer", o.Name),
			}
		}
		names[o.Name] = true
		if len(o.Steps) == 0 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("observers[%d].steps", i),
				Message: fmt.Sprintf("observer %q watches no steps", o.Name),
			}
		}
		if o.Window < 0 {
			return &errors.ValidationError{Field: fmt.Sprintf("observers[%d].window", i), Message: "window must not be negative"}
		}
		if o.Rate < 0 || o.Rate > 1 {
			return &errors.ValidationError{Field: fmt.Sprintf("observers[%d].rate", i), Message: "rate must be within [0, 1]"}
		}
		for _, src := range []string{o.Judge, o.Trigger} {
			if src == "" {
				continue
			}
			if err := d.eval.Check(src); err != nil {
				return fmt.Errorf("observer %s: %w", o.Name, err)
			}
		}
	}
	return nil
}

func (d *Definition) validateAction(a *ActionDef) error {
	field := func(name string) string { return fmt.Sprintf("actions.%s.%s", a.Name, name) }

	switch a.Kind {
	case "", KindEcho, KindFail:
	case KindSleep:
		if a.Duration <= 0 {
			return &errors.ValidationError{Field: field("duration"), Message: "sleep actions need a positive duration"}
		}
	case KindShell:
		if a.Command == "" {
			return &errors.ValidationError{Field: field("command"), Message: "shell actions need a command"}
		}
	case KindJQ:
		if a.Query == "" {
			return &errors.ValidationError{Field: field("query"), Message: "jq actions need a query"}
		}
		if err := jq.Validate(a.Query); err != nil {
			return fmt.Errorf("action %s: %w", a.Name, err)
		}
	default:
		return &errors.ValidationError{
			Field:      field("kind"),
			Message:    fmt.Sprintf("unknown action kind %q", a.Kind),
			Suggestion: "use one of echo, sleep, fail, shell, jq",
		}
	}

	if a.Workers < 0 {
		return &errors.ValidationError{Field: field("workers"), Message: "workers must not be negative"}
	}
	for _, src := range []string{a.Fanout, a.Affinity} {
		if src == "" {
			continue
		}
		if err := d.eval.Check(src); err != nil {
			return fmt.Errorf("action %s: %w", a.Name, err)
		}
	}
	return nil
}
