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


package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/stepwise/internal/cli/timeline"
	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/jq"
	pkgerrors "github.com/tombee/stepwise/pkg/errors"
)

// options holds the run command flags
type options struct {
	inputs      []string
	inputFile   string
	query       string
	outputFile  string
	metricsAddr string
	timeline    bool
}

// runResponse is the --json output of a run
type runResponse struct {
	shared.JSONResponse
	Results    any               `json:"results"`
	DurationMs int64             `json:"duration_ms"`
	Error      *shared.JSONError `json:"error,omitempty"`
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the plan once",
		Long: `Run loads the definitions, starts one pool of worker processes per action
and executes the plan level by level. Each step sees the initial inputs plus
the results of earlier levels; the merged results are printed as JSON.

Inputs:
  --input key=value      Values are read as YAML, so 3, true and [a, b] arrive typed
  --input-file FILE      YAML or JSON mapping ('-' for stdin); --input wins

Output:
  --query '.fetch | length'   Filter the results with jq before printing
  --timeline                  Draw the run's spans on stderr when it ends

Examples:
  stepwise run -d 'defs/*.yaml'
  stepwise run -d pipeline.yaml --input paths='[a.txt, b.txt]' --query .count`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "Plan input in key=value format")
	cmd.Flags().StringVar(&opts.inputFile, "input-file", "", "YAML or JSON file with inputs (use '-' for stdin)")
	cmd.Flags().StringVar(&opts.query, "query", "", "jq query applied to the results")
	cmd.Flags().StringVarP(&opts.outputFile, "output", "o", "", "Write results to file")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&opts.timeline, "timeline", false, "Render a span timeline of the run")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	logger := shared.NewLogger(cfg)

	params, err := shared.ParseInputs(opts.inputs, opts.inputFile, cmd.InOrStdin())
	if err != nil {
		return shared.NewInvalidInputError("invalid inputs", err)
	}

	var query *jq.Query
	if opts.query != "" {
		if query, err = jq.Compile(opts.query); err != nil {
			return shared.NewInvalidInputError("invalid --query", err)
		}
	}

	engine, err := shared.Prepare(cfg, logger)
	if err != nil {
		return err
	}

	var recorder *tracetest.SpanRecorder
	if opts.timeline {
		recorder = tracetest.NewSpanRecorder()
		engine.TraceOptions = append(engine.TraceOptions, sdktrace.WithSpanProcessor(recorder))
	}

	spinner := shared.NewSpinner(cmd.ErrOrStderr())
	showProgress := !shared.GetQuiet() && !shared.GetJSON()
	if showProgress {
		engine.TraceOptions = append(engine.TraceOptions, sdktrace.WithSpanProcessor(spinner))
	}

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

	if showProgress {
		spinner.Start(fmt.Sprintf("Running %d steps", engine.Plan.Len()), len(engine.Plan.Walk()))
	}
	start := time.Now()
	results, runErr := engine.Runner.Run(ctx, engine.Plan, params)
	elapsed := time.Since(start)
	spinner.Stop()

	var output any = map[string]any(results)
	if query != nil && runErr == nil {
		if output, err = query.Run(ctx, output); err != nil {
			return shared.NewExecutionError("query failed", err)
		}
	}

	if recorder != nil {
		if err := renderTimeline(cmd.ErrOrStderr(), recorder.Ended()); err != nil {
			logger.Warn("timeline unavailable", "error", err)
		}
	}

	out := cmd.OutOrStdout()
	if opts.outputFile != "" {
		f, err := os.Create(opts.outputFile)
		if err != nil {
			return shared.NewExecutionError("failed to create output file", err)
		}
		defer f.Close()
		out = f
	}

	if shared.GetJSON() {
		resp := runResponse{
			JSONResponse: shared.NewJSONResponse("run", runErr == nil),
			Results:      output,
			DurationMs:   elapsed.Milliseconds(),
		}
		if runErr != nil {
			resp.Error = jsonError(runErr)
		}
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else if runErr == nil {
		if err := shared.EmitJSON(out, output); err != nil {
			return err
		}
		if !shared.GetQuiet() {
			fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK(fmt.Sprintf(
				"Completed %d steps in %s", engine.Plan.Len(), shared.FormatElapsed(elapsed))))
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
			return &shared.ExitError{Code: shared.ExitInterrupted, Message: "interrupted", Cause: runErr}
		}
		return shared.NewExecutionError("plan failed", runErr)
	}
	return nil
}

// jsonError describes a run failure for --json output
func jsonError(err error) *shared.JSONError {
	out := &shared.JSONError{Code: pkgerrors.Classify(err), Message: err.Error()}
	var stepErr *pkgerrors.StepError
	if errors.As(err, &stepErr) {
		out.Step = stepErr.Step
		out.Code = pkgerrors.Classify(stepErr.Cause)
	}
	return out
}

func renderTimeline(w io.Writer, spans []sdktrace.ReadOnlySpan) error {
	r, err := timeline.NewRenderer()
	if err != nil {
		return err
	}
	rendered, err := r.Render(spans)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, rendered)
	return err
}
