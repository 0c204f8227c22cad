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


package observer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/errors"
	"github.com/tombee/stepwise/pkg/plan"
)

const (
	// DefaultWindowSize is the number of judgements kept in the sliding window.
	DefaultWindowSize = 10

	// DefaultTriggerRate is the share of true judgements that fires the trigger.
	DefaultTriggerRate = 0.5
)

// Status is the outcome of a judge or trigger attempt.
type Status int

const (
	// StatusError means the callback failed.
	StatusError Status = -1
	// StatusNotReady means the callback was not invoked.
	StatusNotReady Status = 0
	// StatusDone means the callback ran.
	StatusDone Status = 1
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusNotReady:
		return "not_ready"
	case StatusDone:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// JudgeFunc decides whether one complete set of step results is notable.
type JudgeFunc func(params action.Params) (bool, error)

// TriggerFunc reacts once enough recent judgements were notable.
type TriggerFunc func(params action.Params) (any, error)

// Attempt is the result of one judge or trigger attempt.
type Attempt struct {
	Status Status
	Value  any
	Err    error
}

// Outcome pairs the judge and trigger attempts of one Do call.
type Outcome struct {
	Judge   Attempt
	Trigger Attempt
}

// Params renders o as plain data so it can leave a hosted worker as a
// task result.
func (o Outcome) Params() action.Params {
	render := func(a Attempt) map[string]any {
		m := map[string]any{"status": a.Status.String(), "value": a.Value}
		if a.Err != nil {
			m["error"] = a.Err.Error()
		}
		return m
	}
	return action.Params{"judge": render(o.Judge), "trigger": render(o.Trigger)}
}

// Observer watches the results of a set of steps. Each time every watched
// step has reported it judges the collected results and records the verdict
// in a sliding window. When the share of positive verdicts in the window
// reaches TriggerRate the trigger fires and the window is reset.
type Observer struct {
	Name        string
	Steps       []*plan.Step
	Judge       JudgeFunc
	Trigger     TriggerFunc
	WindowSize  int
	TriggerRate float64

	logger *slog.Logger

	mu       sync.Mutex
	disabled bool
	window   []bool
	next     int
	buffer   action.Params
	judged   action.Params
}

// Option configures an Observer.
type Option func(*Observer)

// WithJudge sets the judge callback. The default never judges positively.
func WithJudge(fn JudgeFunc) Option {
	return func(o *Observer) { o.Judge = fn }
}

// WithTrigger sets the trigger callback. The default does nothing.
func WithTrigger(fn TriggerFunc) Option {
	return func(o *Observer) { o.Trigger = fn }
}

// WithWindow sets the sliding window length and the firing rate.
func WithWindow(size int, rate float64) Option {
	return func(o *Observer) {
		o.WindowSize = size
		o.TriggerRate = rate
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Observer) { o.logger = logger }
}

// New creates a ready observer named name watching steps.
func New(name string, steps []*plan.Step, opts ...Option) (*Observer, error) {
	o := &Observer{
		Name:        name,
		Steps:       steps,
		WindowSize:  DefaultWindowSize,
		TriggerRate: DefaultTriggerRate,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	o.logger = log.WithComponent(log.OrDefault(o.logger), "observer").With("observer", name)
	o.Reset()
	return o, nil
}

func (o *Observer) validate() error {
	if o.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "observer name is required"}
	}
	if o.WindowSize < 1 {
		return &errors.ValidationError{
			Field:   "window_size",
			Message: fmt.Sprintf("window size must be at least 1, got %d", o.WindowSize),
		}
	}
	if o.TriggerRate < 0 || o.TriggerRate > 1 {
		return &errors.ValidationError{
			Field:   "trigger_rate",
			Message: fmt.Sprintf("trigger rate must be within [0, 1], got %v", o.TriggerRate),
		}
	}
	return nil
}

// Reset clears buffered results and refills the window with negative verdicts.
func (o *Observer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buffer = action.Params{}
	o.judged = action.Params{}
	o.refill()
}

func (o *Observer) refill() {
	o.window = make([]bool, o.WindowSize)
	o.next = 0
}

// Ready reports whether the observer takes part in plans and judges results.
func (o *Observer) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.disabled
}

// SetReady enables or disables the observer.
func (o *Observer) SetReady(ready bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disabled = !ready
}

// StepNames returns the names of the watched steps.
func (o *Observer) StepNames() []string {
	names := make([]string, len(o.Steps))
	for i, s := range o.Steps {
		names[i] = s.Name()
	}
	return names
}

// Plan returns a plan holding the watched steps.
func (o *Observer) Plan() *plan.StepPlan {
	return plan.New(o.Steps...)
}

// Rate returns the share of positive verdicts in the window, rounded to two
// decimal places.
func (o *Observer) Rate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rate()
}

func (o *Observer) rate() float64 {
	n := 0
	for _, v := range o.window {
		if v {
			n++
		}
	}
	return math.Round(float64(n)/float64(len(o.window))*100) / 100
}

// Do feeds params to the observer: it judges when every watched step has
// reported and then checks whether to trigger. ok is false when the
// observer is not ready, in which case nothing happens.
func (o *Observer) Do(params action.Params) (out Outcome, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disabled {
		return Outcome{}, false
	}
	out.Judge = o.judge(params)
	out.Trigger = o.trigger(params)
	return out, true
}

func (o *Observer) judge(params action.Params) Attempt {
	for _, s := range o.Steps {
		name := s.Name()
		if _, seen := o.buffer[name]; seen {
			continue
		}
		if v, ok := params[name]; ok {
			o.buffer[name] = v
		}
	}
	for _, s := range o.Steps {
		if _, ok := o.buffer[s.Name()]; !ok {
			return Attempt{Status: StatusNotReady}
		}
	}

	o.judged = o.buffer
	o.buffer = action.Params{}

	if o.Judge == nil {
		o.push(false)
		return Attempt{Status: StatusDone, Value: false}
	}
	verdict, err := o.Judge(params.Merge(o.judged))
	if err != nil {
		o.logger.Error("judge failed", log.Error(err))
		return Attempt{Status: StatusError, Err: err}
	}
	o.push(verdict)
	return Attempt{Status: StatusDone, Value: verdict}
}

func (o *Observer) push(v bool) {
	o.window[o.next] = v
	o.next = (o.next + 1) % len(o.window)
}

func (o *Observer) trigger(params action.Params) Attempt {
	if o.rate() < o.TriggerRate {
		return Attempt{Status: StatusNotReady}
	}
	o.refill()
	metrics.RecordTrigger(o.Name)
	o.logger.Info("observer triggered", "steps", o.StepNames())

	if o.Trigger == nil {
		return Attempt{Status: StatusDone}
	}
	v, err := o.Trigger(params.Merge(o.judged))
	if err != nil {
		o.logger.Error("trigger failed", log.Error(err))
		return Attempt{Status: StatusError, Err: err}
	}
	return Attempt{Status: StatusDone, Value: v}
}

// Register binds o to an action of the same name in reg. The action's setup
// resets the observer and each task runs Do with its parameters. A hosted
// worker holds its own copy of the observer, so give the action a pool of
// one to keep a single window.
func Register(reg *action.Registry, o *Observer) (*action.Action, error) {
	return reg.Register(o.Name,
		action.WithSetup(func() error {
			o.Reset()
			return nil
		}),
		action.WithWork(func(_ context.Context, params action.Params) (any, error) {
			out, ok := o.Do(params)
			if !ok {
				return nil, nil
			}
			return out.Params(), nil
		}),
	)
}

// MergePlan combines the steps of every ready observer into one plan. With
// withActions set, each ready observer's own action is appended as a step
// depending on every schedulable step gathered so far, so observers run in
// the last level.
func MergePlan(reg *action.Registry, observers []*Observer, withActions bool) *plan.StepPlan {
	p := plan.New()
	var ready []*Observer
	for _, o := range observers {
		if o.Ready() {
			ready = append(ready, o)
			p.Extend(o.Steps...)
		}
	}
	if withActions {
		deps := p.CurrentDependencies()
		for _, o := range ready {
			p.Append(plan.StepFor(reg, o.Name, deps...))
		}
	}
	return p
}
