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

	"github.com/tombee/stepwise/internal/queue"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/dispatch"
	"github.com/tombee/stepwise/pkg/plan"
)

// Source returns a dispatch source yielding one job per event: p run with
// base overlaid by the event parameters. It stops when the watcher stops.
func Source(w *Watcher, p *plan.StepPlan, base action.Params) dispatch.Source {
	return func(ctx context.Context) (*queue.Job, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-w.Events():
			if !ok {
				return nil, dispatch.ErrStop
			}
			return queue.NewJob(p, base.Merge(e.Params())), nil
		}
	}
}
