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

package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/stepwise/pkg/action"
)

// Step pairs an action with the set of actions it depends on.
// Its identity for planning purposes is the action's name.
type Step struct {
	action *action.Action
	deps   map[string]*action.Action
}

// NewStep creates a step for a and its dependencies. Dependencies are keyed
// by name; duplicates collapse.
func NewStep(a *action.Action, deps ...*action.Action) *Step {
	s := &Step{action: a, deps: make(map[string]*action.Action, len(deps))}
	for _, d := range deps {
		if d != nil {
			s.deps[d.Name] = d
		}
	}
	return s
}

// StepFor resolves name and dependency names through reg and returns the step.
// Unknown names are created as default actions, as reg.Get does.
func StepFor(reg *action.Registry, name string, deps ...string) *Step {
	resolved := make([]*action.Action, 0, len(deps))
	for _, d := range deps {
		resolved = append(resolved, reg.Get(d))
	}
	return NewStep(reg.Get(name), resolved...)
}

// Name returns the step's action name.
func (s *Step) Name() string {
	return s.action.Name
}

// Action returns the step's action. It is the registry's shared pointer, so
// recipe updates made after the step was built are visible here.
func (s *Step) Action() *action.Action {
	return s.action
}

// Dependencies returns the dependency actions ordered by name.
func (s *Step) Dependencies() []*action.Action {
	names := s.DependencyNames()
	out := make([]*action.Action, len(names))
	for i, n := range names {
		out[i] = s.deps[n]
	}
	return out
}

// DependencyNames returns the sorted dependency names.
func (s *Step) DependencyNames() []string {
	names := make([]string, 0, len(s.deps))
	for n := range s.deps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DependsOn reports whether the step depends on the named action.
func (s *Step) DependsOn(name string) bool {
	_, ok := s.deps[name]
	return ok
}

// Equal reports whether both steps have the same name and dependency set.
func (s *Step) Equal(other *Step) bool {
	if other == nil {
		return false
	}
	return s.Key() == other.Key()
}

// Key returns a canonical string over (name, dependency set), suitable as a
// map key.
func (s *Step) Key() string {
	return s.Name() + "<-" + strings.Join(s.DependencyNames(), ",")
}

// String implements fmt.Stringer.
func (s *Step) String() string {
	return fmt.Sprintf("<Step %q deps=%v>", s.Name(), s.DependencyNames())
}

// satisfiedBy reports whether every dependency is in done.
func (s *Step) satisfiedBy(done map[string]bool) bool {
	for n := range s.deps {
		if !done[n] {
			return false
		}
	}
	return true
}

// merge unions other's dependencies into s.
func (s *Step) merge(other *Step) {
	for n, d := range other.deps {
		s.deps[n] = d
	}
}

func (s *Step) clone() *Step {
	c := &Step{action: s.action, deps: make(map[string]*action.Action, len(s.deps))}
	for n, d := range s.deps {
		c.deps[n] = d
	}
	return c
}
