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


package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/internal/queue"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/errors"
	"github.com/tombee/stepwise/pkg/plan"
)

// ErrStop ends dispatch when returned by a Source.
var ErrStop = errors.New("dispatch: source exhausted")

// Source produces the next job. Returning ErrStop or a nil job ends
// dispatch; any other error is logged and retried after a backoff.
type Source func(ctx context.Context) (*queue.Job, error)

// Runner executes one plan. *runner.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, p *plan.StepPlan, params action.Params) (action.Params, error)
}

// FinishFunc receives the outcome of every executed job.
type FinishFunc func(job *queue.Job, results action.Params, err error)

// Config controls the dispatch loop.
type Config struct {
	// Workers is the number of jobs run concurrently.
	Workers int `yaml:"workers"`

	// QueueSize bounds jobs produced but not yet picked up.
	QueueSize int `yaml:"queue_size"`

	// Interval is the minimum time between two calls to the source.
	// Zero calls it as fast as the queue accepts jobs.
	Interval time.Duration `yaml:"interval"`

	// ErrorBackoff is the extra pause after the source fails.
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// DefaultConfig returns the default dispatch configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      10,
		QueueSize:    queue.DefaultCapacity,
		Interval:     time.Second,
		ErrorBackoff: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return &errors.ConfigError{Key: "dispatch.workers", Reason: "must be at least 1"}
	case c.QueueSize < 1:
		return &errors.ConfigError{Key: "dispatch.queue_size", Reason: "must be at least 1"}
	case c.Interval < 0:
		return &errors.ConfigError{Key: "dispatch.interval", Reason: "must not be negative"}
	case c.ErrorBackoff < 0:
		return &errors.ConfigError{Key: "dispatch.error_backoff", Reason: "must not be negative"}
	}
	return nil
}

// Dispatcher pulls jobs from a Source into a bounded queue and runs them on
// a fixed set of workers.
type Dispatcher struct {
	runner   Runner
	cfg      Config
	onFinish FinishFunc
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOnFinish sets the completion callback.
func WithOnFinish(fn FinishFunc) Option {
	return func(d *Dispatcher) { d.onFinish = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a Dispatcher running jobs with r.
func New(r Runner, cfg Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{runner: r, cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.WithComponent(log.OrDefault(d.logger), "dispatch")
	return d, nil
}

// Run dispatches until the source ends and every queued job has run, or
// until ctx is cancelled. Job failures do not stop dispatch; they are
// logged and passed to the completion callback.
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
	q := queue.NewMemoryQueue(d.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer q.Close()
		return d.produce(gctx, src, q)
	})
	for i := range d.cfg.Workers {
		g.Go(func() error {
			d.consume(gctx, q, i)
			return nil
		})
	}

	d.logger.Info("dispatch started", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)
	err := g.Wait()
	metrics.SetQueueDepth(0)
	if err != nil {
		return err
	}
	d.logger.Info("dispatch finished")
	return nil
}

func (d *Dispatcher) produce(ctx context.Context, src Source, q *queue.MemoryQueue) error {
	limit := rate.Inf
	if d.cfg.Interval > 0 {
		limit = rate.Every(d.cfg.Interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		job, err := src(ctx)
		switch {
		case errors.Is(err, ErrStop):
			d.logger.Debug("source stopped")
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("source failed", log.Error(err), "backoff", d.cfg.ErrorBackoff)
			select {
			case <-time.After(d.cfg.ErrorBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case job == nil:
			d.logger.Debug("source drained")
			return nil
		}

		if err := q.Enqueue(ctx, job); err != nil {
			return err
		}
		metrics.SetQueueDepth(q.Len())
	}
}

func (d *Dispatcher) consume(ctx context.Context, q *queue.MemoryQueue, worker int) {
	logger := d.logger.With(log.WorkerKey, worker)
	for {
		job, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		metrics.SetQueueDepth(q.Len())
		d.execute(ctx, logger, job)
	}
}

func (d *Dispatcher) execute(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	logger = logger.With("job_id", job.ID)
	if job.Plan == nil || job.Plan.Len() == 0 {
		logger.Debug("job has no plan")
		metrics.RecordDispatch(metrics.StatusSkipped)
		return
	}

	start := time.Now()
	results, err := d.runner.Run(ctx, job.Plan, job.Params)
	if err != nil {
		logger.Error("job failed", log.Error(err))
		metrics.RecordDispatch(metrics.StatusError)
	} else {
		logger.Debug("job completed", log.Duration(log.DurationKey, time.Since(start).Milliseconds()))
		metrics.RecordDispatch(metrics.StatusOK)
	}
	if d.onFinish != nil {
		d.onFinish(job, results, err)
	}
}

// FromJobs returns a Source that yields jobs in order and then stops.
func FromJobs(jobs ...*queue.Job) Source {
	next := 0
	return func(context.Context) (*queue.Job, error) {
		if next >= len(jobs) {
			return nil, ErrStop
		}
		job := jobs[next]
		next++
		return job, nil
	}
}

// FromChannel returns a Source that yields jobs received from ch and stops
// when ch is closed.
func FromChannel(ch <-chan *queue.Job) Source {
	return func(ctx context.Context) (*queue.Job, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case job, ok := <-ch:
			if !ok {
				return nil, ErrStop
			}
			return job, nil
		}
	}
}
