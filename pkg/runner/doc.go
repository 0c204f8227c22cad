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


/*
Package runner executes step plans.

A Runner levels a plan.StepPlan and runs it one level at a time. For every
step in a level it evaluates the action's fan-out and affinity against the
caller's parameters overlaid with the results so far, submits one task per
expansion token to the chosen executor, and only then waits. Nothing from a
level is visible to that level's own steps.

	m := executor.NewManager(executor.DefaultConfig())
	defer m.Clear()
	_ = m.Register(ctx, "fetch", 4)
	_ = m.Register(ctx, "index", 1)

	p := plan.New(
	    plan.StepFor(reg, "fetch"),
	    plan.StepFor(reg, "index", "fetch"),
	)
	results, err := runner.New(m).Run(ctx, p, action.Params{"urls": urls})

A failed step stops the run. The error is a *errors.StepError whose cause is
the re-raised task failure, execution timeout or wait timeout.
*/
package runner
