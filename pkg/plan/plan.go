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

// Package plan orders named, dependency-annotated steps into levels that are
// safe to execute concurrently.
package plan

import "github.com/tombee/stepwise/pkg/action"

// StepPlan is an ordered collection of steps, unique by name.
//
// Appending a step whose name is already present does not add a second step;
// the existing step's dependencies are unioned with the new ones. Plan
// assembly is therefore commutative and idempotent under repeated merges, so
// several observers can contribute steps for the same action.
type StepPlan struct {
	steps []*Step
	index map[string]int
}

// New creates a plan from steps, merging duplicates by name.
func New(steps ...*Step) *StepPlan {
	p := &StepPlan{index: make(map[string]int)}
	p.Extend(steps...)
	return p
}

// Append adds s, or merges its dependencies into the existing step with the
// same name. The plan stores its own copy, so later merges never alter the
// caller's step.
func (p *StepPlan) Append(s *Step) {
	if s == nil {
		return
	}
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[s.Name()]; ok {
		p.steps[i].merge(s)
		return
	}
	p.index[s.Name()] = len(p.steps)
	p.steps = append(p.steps, s.clone())
}

// Extend appends every step in order.
func (p *StepPlan) Extend(steps ...*Step) {
	for _, s := range steps {
		p.Append(s)
	}
}

// Len returns the number of steps.
func (p *StepPlan) Len() int {
	return len(p.steps)
}

// Names returns the step names in insertion order.
func (p *StepPlan) Names() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Steps returns the steps in insertion order.
func (p *StepPlan) Steps() []*Step {
	out := make([]*Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Step returns the step named name.
func (p *StepPlan) Step(name string) (*Step, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.steps[i], true
}

// Clone returns a deep copy of the plan. Actions are shared.
func (p *StepPlan) Clone() *StepPlan {
	return New(p.steps...)
}

// Walk is the detailed result of leveling a plan.
type Walk struct {
	// Levels holds the steps in execution order. Steps within a level have
	// every dependency satisfied by strictly earlier levels.
	Levels [][]*Step

	// Unscheduled holds, in plan order, the steps that can never run: a
	// dependency is missing from the plan or lies on a cycle.
	Unscheduled []*Step
}

// LevelNames returns the step names of every level.
func (w Walk) LevelNames() [][]string {
	out := make([][]string, len(w.Levels))
	for i, level := range w.Levels {
		out[i] = make([]string, len(level))
		for j, s := range level {
			out[i][j] = s.Name()
		}
	}
	return out
}

// Walk returns the plan's execution levels. Steps that cannot be scheduled
// are silently left out; use WalkDetailed to see them. The result is
// deterministic for an unchanged plan.
func (p *StepPlan) Walk() [][]*Step {
	return p.WalkDetailed().Levels
}

// WalkDetailed levels the plan by repeated subset tests: each pass collects,
// in plan order, every unscheduled step whose dependencies were all scheduled
// in earlier passes. It stops when a pass finds nothing.
func (p *StepPlan) WalkDetailed() Walk {
	var w Walk
	done := make(map[string]bool, len(p.steps))

	for {
		var level []*Step
		for _, s := range p.steps {
			if !done[s.Name()] && s.satisfiedBy(done) {
				level = append(level, s)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, s := range level {
			done[s.Name()] = true
		}
		w.Levels = append(w.Levels, level)
	}

	for _, s := range p.steps {
		if !done[s.Name()] {
			w.Unscheduled = append(w.Unscheduled, s)
		}
	}
	return w
}

// CurrentDependencies returns the names of every schedulable step, in walk
// order. Observer steps appended with these as dependencies run last.
func (p *StepPlan) CurrentDependencies() []string {
	var names []string
	for _, level := range p.Walk() {
		for _, s := range level {
			names = append(names, s.Name())
		}
	}
	return names
}

// Actions returns the distinct actions referenced by the plan's steps.
func (p *StepPlan) Actions() []*action.Action {
	out := make([]*action.Action, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.action
	}
	return out
}
