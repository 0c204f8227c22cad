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


// Package watch implements the watch command, which runs the plan once for
// every filesystem event under a directory.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/queue"
	"github.com/tombee/stepwise/internal/watch"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/dispatch"
	pkgerrors "github.com/tombee/stepwise/pkg/errors"
)

// options holds the watch command flags
type options struct {
	events  []string
	include []string
	exclude []string
	inputs  []string
	workers int
	maxJobs int64
}

// jobLine is one line of --json output, written as each job finishes
type jobLine struct {
	JobID   string            `json:"job_id"`
	Path    any               `json:"path"`
	Event   any               `json:"event"`
	Success bool              `json:"success"`
	Results action.Params     `json:"results,omitempty"`
	Error   *shared.JSONError `json:"error,omitempty"`
}

// NewCommand creates the watch command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Run the plan for every file event under a directory",
		Long: `Watch starts the worker pools once and then runs the plan for every
filesystem event in DIR. Each run receives the event as inputs:

  path, name, dir, ext, event (created|modified|deleted|renamed),
  size, mtime, is_dir

Runs are dispatched through a bounded queue to a fixed number of concurrent
workers (dispatch.workers, dispatch.queue_size and dispatch.interval in the
config file). A failed run is reported and watching continues.

Examples:
  stepwise watch ./inbox -d 'defs/*.yaml' --events created --include '*.csv'
  stepwise watch ./inbox -d pipeline.yaml --json --max-jobs 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.events, "events", nil, "Event types to react to (default: all)")
	cmd.Flags().StringSliceVar(&opts.include, "include", nil, "Only react to paths matching these patterns")
	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", watch.DefaultExcludePatterns(), "Ignore paths matching these patterns")
	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "Extra input in key=value format for every run")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Concurrent runs (overrides dispatch.workers)")
	cmd.Flags().Int64Var(&opts.maxJobs, "max-jobs", 0, "Stop after this many runs (0 = never)")

	return cmd
}

func run(cmd *cobra.Command, dir string, opts *options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.workers > 0 {
		cfg.Dispatch.Workers = opts.workers
	}
	logger := shared.NewLogger(cfg)

	base, err := shared.ParseInputs(opts.inputs, "", nil)
	if err != nil {
		return shared.NewInvalidInputError("invalid inputs", err)
	}

	engine, err := shared.Prepare(cfg, logger)
	if err != nil {
		return err
	}

	w, err := watch.New(watch.Config{
		Path:    dir,
		Events:  opts.events,
		Include: opts.include,
		Exclude: opts.exclude,
	}, logger)
	if err != nil {
		return shared.NewInvalidInputError("cannot watch "+dir, err)
	}
	defer w.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	var (
		mu       sync.Mutex
		finished atomic.Int64
		failed   atomic.Int64
		out      = cmd.OutOrStdout()
	)
	onFinish := func(job *queue.Job, results action.Params, err error) {
		mu.Lock()
		report(out, job, results, err)
		mu.Unlock()

		if err != nil {
			failed.Add(1)
		}
		if n := finished.Add(1); opts.maxJobs > 0 && n >= opts.maxJobs {
			_ = w.Stop()
		}
	}

	d, err := dispatch.New(engine.Runner, cfg.Dispatch,
		dispatch.WithOnFinish(onFinish),
		dispatch.WithLogger(logger),
	)
	if err != nil {
		return shared.NewConfigError("invalid dispatch configuration", err)
	}

	w.Start(ctx)
	if !shared.GetQuiet() && !shared.GetJSON() {
		fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK(fmt.Sprintf(
			"Watching %s (%d steps, %d workers)", w.Path(), engine.Plan.Len(), cfg.Dispatch.Workers)))
	}

	err = d.Run(ctx, watch.Source(w, engine.Plan, base))
	if err != nil && !errors.Is(err, context.Canceled) {
		return shared.NewExecutionError("dispatch stopped", err)
	}

	if !shared.GetQuiet() && !shared.GetJSON() {
		fmt.Fprintln(cmd.ErrOrStderr(), shared.Muted.Render(fmt.Sprintf(
			"%d runs, %d failed", finished.Load(), failed.Load())))
	}
	return nil
}

// report writes the outcome of one job
func report(w io.Writer, job *queue.Job, results action.Params, err error) {
	if shared.GetJSON() {
		line := jobLine{
			JobID:   job.ID,
			Path:    job.Params["path"],
			Event:   job.Params["event"],
			Success: err == nil,
			Results: results,
		}
		if err != nil {
			line.Error = &shared.JSONError{Code: pkgerrors.Classify(err), Message: err.Error()}
			var stepErr *pkgerrors.StepError
			if errors.As(err, &stepErr) {
				line.Error.Step = stepErr.Step
				line.Error.Code = pkgerrors.Classify(stepErr.Cause)
			}
		}
		data, _ := json.Marshal(line)
		fmt.Fprintln(w, string(data))
		return
	}

	if shared.GetQuiet() {
		return
	}

	label := fmt.Sprintf("%v %v", job.Params["event"], job.Params["path"])
	if err != nil {
		fmt.Fprintln(w, shared.RenderError(label+": "+err.Error()))
		return
	}
	data, _ := json.Marshal(results)
	fmt.Fprintln(w, shared.RenderOK(label)+" "+shared.Muted.Render(string(data)))
}
