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
	"fmt"
	"log/slog"

	"github.com/tombee/stepwise/internal/expression"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/observer"
	"github.com/tombee/stepwise/pkg/plan"
)

// Apply registers every defined action and observer in reg and returns the
// observers. Hosted workers call it with the same definition to rebuild an
// identical registry.
func (d *Definition) Apply(reg *action.Registry, logger *slog.Logger) ([]*observer.Observer, error) {
	for _, a := range d.Actions {
		opts := append(workOptions(a), action.WithMergeAsList(a.MergeAsList))
		if a.Fanout != "" {
			opts = append(opts, action.WithFanout(d.fanout(a.Fanout)))
		}
		if a.Affinity != "" {
			opts = append(opts, action.WithAffinity(d.affinity(a.Affinity)))
		}
		if _, err := reg.Register(a.Name, opts...); err != nil {
			return nil, fmt.Errorf("registering action %s: %w", a.Name, err)
		}
	}

	observers := make([]*observer.Observer, 0, len(d.Observers))
	for _, od := range d.Observers {
		o, err := d.observer(reg, od, logger)
		if err != nil {
			return nil, fmt.Errorf("building observer %s: %w", od.Name, err)
		}
		if _, err := observer.Register(reg, o); err != nil {
			return nil, fmt.Errorf("registering observer %s: %w", od.Name, err)
		}
		observers = append(observers, o)
	}
	return observers, nil
}

func (d *Definition) fanout(src string) action.FanoutFunc {
	return func(p action.Params) ([]any, error) {
		return d.eval.List(src, expression.Env(p))
	}
}

func (d *Definition) affinity(src string) action.AffinityFunc {
	return func(p action.Params) (int, error) {
		return d.eval.Int(src, expression.Env(p))
	}
}

func (d *Definition) observer(reg *action.Registry, od ObserverDef, logger *slog.Logger) (*observer.Observer, error) {
	steps := make([]*plan.Step, len(od.Steps))
	for i, name := range od.Steps {
		steps[i] = plan.StepFor(reg, name, d.dependencies(name)...)
	}

	opts := []observer.Option{observer.WithLogger(logger)}
	if od.Window > 0 || od.Rate > 0 {
		window, rate := od.Window, od.Rate
		if window == 0 {
			window = observer.DefaultWindowSize
		}
		if rate == 0 {
			rate = observer.DefaultTriggerRate
		}
		opts = append(opts, observer.WithWindow(window, rate))
	}
	if od.Judge != "" {
		src := od.Judge
		opts = append(opts, observer.WithJudge(func(p action.Params) (bool, error) {
			return d.eval.Bool(src, expression.Env(p))
		}))
	}
	if od.Trigger != "" {
		src := od.Trigger
		opts = append(opts, observer.WithTrigger(func(p action.Params) (any, error) {
			return d.eval.Eval(src, expression.Env(p))
		}))
	}
	return observer.New(od.Name, steps, opts...)
}

// dependencies returns the union of every step entry's dependencies for name.
func (d *Definition) dependencies(name string) []string {
	var deps []string
	for _, s := range d.Steps {
		if s.Name == name {
			deps = append(deps, s.DependsOn...)
		}
	}
	return deps
}

// Plan builds the step plan. Without explicit steps every action becomes an
// independent step. The watched steps of every ready observer are added,
// followed by one step per ready observer depending on all of them.
func (d *Definition) Plan(reg *action.Registry, observers []*observer.Observer) *plan.StepPlan {
	p := plan.New()
	if len(d.Steps) == 0 {
		for _, a := range d.Actions {
			p.Append(plan.StepFor(reg, a.Name))
		}
	}
	for _, s := range d.Steps {
		p.Append(plan.StepFor(reg, s.Name, s.DependsOn...))
	}
	if len(observers) > 0 {
		p.Extend(observer.MergePlan(reg, observers, true).Steps()...)
	}
	return p
}

// Pools returns the executor pool size for every action the plan may
// submit to, observers included.
func (d *Definition) Pools() map[string]int {
	pools := make(map[string]int, len(d.Actions)+len(d.Observers))
	for _, a := range d.Actions {
		n := a.Workers
		if n < 1 {
			n = 1
		}
		pools[a.Name] = n
	}
	for _, s := range d.Steps {
		if _, ok := pools[s.Name]; !ok {
			pools[s.Name] = 1
		}
	}
	for _, o := range d.Observers {
		pools[o.Name] = 1
		for _, name := range o.Steps {
			if _, ok := pools[name]; !ok {
				pools[name] = 1
			}
		}
	}
	return pools
}
