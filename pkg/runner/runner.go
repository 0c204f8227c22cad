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


package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/errors"
	"github.com/tombee/stepwise/pkg/executor"
	"github.com/tombee/stepwise/pkg/plan"
)

const tracerName = "github.com/tombee/stepwise/pkg/runner"

// DefaultWaitTimeout bounds how long Run waits for any single future.
const DefaultWaitTimeout = 5 * time.Second

// Pool routes a task to the executor at index within the named pool.
// *executor.Manager satisfies it.
type Pool interface {
	Submit(ctx context.Context, name string, index int, params action.Params) (*executor.Future, error)
}

// Runner walks step plans level by level against a Pool.
type Runner struct {
	pool        Pool
	waitTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithWaitTimeout sets how long to wait for each future. Zero or less waits
// until the task finishes or ctx is done.
func WithWaitTimeout(d time.Duration) Option {
	return func(r *Runner) { r.waitTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithTracerProvider sets the provider used for run, level and step spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runner) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a Runner that submits to pool.
func New(pool Pool, opts ...Option) *Runner {
	r := &Runner{
		pool:        pool,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(log.OrDefault(r.logger), "runner")
	if r.tracer == nil {
		r.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return r
}

// WaitTimeout returns the per-future wait timeout.
func (r *Runner) WaitTimeout() time.Duration {
	return r.waitTimeout
}

// Run executes p. Every level is submitted in full and then awaited before
// the next one starts, so a step only observes results from strictly earlier
// levels. Each task receives params overlaid with the results so far, the
// results map itself under action.ResultsKey and its fan-out token under
// action.ExpansionKey.
//
// The returned map holds one entry per executed action: the single result,
// or the ordered per-token list when the action merges as a list. On failure
// the results collected so far are returned alongside a *errors.StepError.
func (r *Runner) Run(ctx context.Context, p *plan.StepPlan, params action.Params) (action.Params, error) {
	runID := uuid.NewString()
	logger := log.WithRunContext(r.logger, runID)
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "stepwise.run", trace.WithAttributes(
		attribute.String("stepwise.run_id", runID),
		attribute.Int("stepwise.steps", p.Len()),
	))
	defer span.End()

	walk := p.WalkDetailed()
	if n := len(walk.Unscheduled); n > 0 {
		names := make([]string, n)
		for i, s := range walk.Unscheduled {
			names[i] = s.Name()
		}
		logger.Warn("steps cannot be scheduled", "steps", names)
		metrics.RecordUnscheduled(n)
		span.SetAttributes(attribute.StringSlice("stepwise.unscheduled", names))
	}
	span.SetAttributes(attribute.Int("stepwise.levels", len(walk.Levels)))
	logger.Debug("run started", "levels", len(walk.Levels), "steps", p.Len())

	results := action.Params{}
	for i, level := range walk.Levels {
		if err := r.runLevel(ctx, logger, i, level, params, results); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordRun(metrics.StatusError, time.Since(start))
			logger.Error("run failed", log.Error(err), log.Duration(log.DurationKey, time.Since(start).Milliseconds()))
			return results, err
		}
	}

	metrics.RecordRun(metrics.StatusOK, time.Since(start))
	logger.Info("run completed",
		"levels", len(walk.Levels),
		log.Duration(log.DurationKey, time.Since(start).Milliseconds()))
	return results, nil
}

type pendingStep struct {
	step    *plan.Step
	futures []*executor.Future
	span    trace.Span
}

func (r *Runner) runLevel(ctx context.Context, logger *slog.Logger, index int, level []*plan.Step, params, results action.Params) error {
	ctx, span := r.tracer.Start(ctx, "stepwise.level", trace.WithAttributes(
		attribute.Int("stepwise.level", index),
		attribute.Int("stepwise.steps", len(level)),
	))
	defer span.End()
	logger = logger.With(log.LevelKey, index)

	current := params.Merge(results)
	snapshot := results.Clone()

	pending := make([]*pendingStep, 0, len(level))
	defer func() {
		for _, ps := range pending {
			ps.span.End()
		}
	}()

	fail := func(s *plan.Step, ps trace.Span, cause error) error {
		err := &errors.StepError{Step: s.Name(), Level: index, Cause: cause}
		metrics.RecordStep(s.Name(), statusOf(cause))
		ps.RecordError(cause)
		ps.SetStatus(codes.Error, cause.Error())
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for _, s := range level {
		a := s.Action()
		stepCtx, stepSpan := r.tracer.Start(ctx, "stepwise.step", trace.WithAttributes(
			attribute.String("stepwise.step", s.Name()),
		))
		ps := &pendingStep{step: s, span: stepSpan}
		pending = append(pending, ps)

		tokens, err := a.Expand(current)
		if err != nil {
			return fail(s, stepSpan, err)
		}
		worker, err := a.Worker(current)
		if err != nil {
			return fail(s, stepSpan, err)
		}
		stepSpan.SetAttributes(
			attribute.Int("stepwise.worker", worker),
			attribute.Int("stepwise.fanout", len(tokens)),
		)

		for _, token := range tokens {
			task := current.Clone()
			task[action.ResultsKey] = snapshot
			task[action.ExpansionKey] = token
			f, err := r.pool.Submit(stepCtx, s.Name(), worker, task)
			if err != nil {
				return fail(s, stepSpan, err)
			}
			ps.futures = append(ps.futures, f)
		}
		logger.Debug("step submitted",
			log.ActionKey, s.Name(),
			log.WorkerKey, worker,
			"fanout", len(tokens))
	}

	for _, ps := range pending {
		values := make([]any, len(ps.futures))
		for i, f := range ps.futures {
			v, err := r.wait(ctx, f)
			if err != nil {
				return fail(ps.step, ps.span, err)
			}
			values[i] = v
		}
		name := ps.step.Name()
		switch {
		case ps.step.Action().MergeAsList:
			results[name] = values
		case len(values) > 0:
			results[name] = values[0]
		default:
			results[name] = nil
		}
		metrics.RecordStep(name, metrics.StatusOK)
	}
	return nil
}

// wait blocks for f's outcome. It gives up after the wait timeout with a
// *errors.WaitTimeoutError, leaving the task itself running.
func (r *Runner) wait(ctx context.Context, f *executor.Future) (any, error) {
	waitCtx := ctx
	if r.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.waitTimeout)
		defer cancel()
	}
	res, err := f.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errors.WaitTimeoutError{
			Future:   f.ID(),
			Executor: f.Executor(),
			Duration: r.waitTimeout,
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

func statusOf(err error) string {
	if errors.IsTimeout(err) || errors.IsWaitTimeout(err) {
		return metrics.StatusTimeout
	}
	return metrics.StatusError
}
