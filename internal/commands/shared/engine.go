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


package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tombee/stepwise/internal/config"
	"github.com/tombee/stepwise/internal/definition"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/tracing"
	"github.com/tombee/stepwise/pkg/action"
	pkgerrors "github.com/tombee/stepwise/pkg/errors"
	"github.com/tombee/stepwise/pkg/executor"
	"github.com/tombee/stepwise/pkg/observer"
	"github.com/tombee/stepwise/pkg/plan"
	"github.com/tombee/stepwise/pkg/runner"
)

// shutdownTimeout bounds flushing traces and stopping the metrics server.
const shutdownTimeout = 5 * time.Second

// LoadConfig loads the configuration named by --config (or the XDG default)
// and applies --definitions on top.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}

	if defs := GetDefinitions(); defs != "" {
		cfg.Definitions = defs
	}
	if cfg.Definitions == "" {
		return nil, NewConfigError("no definitions", &pkgerrors.ConfigError{
			Key:    "definitions",
			Reason: "set --definitions or " + config.EnvDefinitions,
		})
	}
	return cfg, nil
}

// NewLogger builds the CLI logger. --verbose and --quiet override the
// configured level.
func NewLogger(cfg *config.Config) *slog.Logger {
	logCfg := cfg.LogConfig()
	switch {
	case GetQuiet():
		logCfg.Level = "error"
	case GetVerbose():
		logCfg.Level = "debug"
	}
	return log.New(logCfg)
}

// Engine is what a command needs to run plans built from definitions.
type Engine struct {
	Config     *config.Config
	Logger     *slog.Logger
	Definition *definition.Definition
	Registry   *action.Registry
	Observers  []*observer.Observer
	Plan       *plan.StepPlan

	// TraceOptions are extra tracer provider options. Any option turns
	// tracing on even when the configuration leaves it off.
	TraceOptions []sdktrace.TracerProviderOption

	// Set by Start.
	Manager *executor.Manager
	Runner  *runner.Runner

	tracing     *tracing.Provider
	metrics     *http.Server
	metricsAddr string
}

// Prepare loads the definitions and builds the registry and plan. Nothing
// is started.
func Prepare(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	def, err := definition.Load(cfg.Definitions)
	if err != nil {
		return nil, NewInvalidDefinitionError("failed to load definitions", err)
	}

	reg := action.NewRegistry()
	observers, err := def.Apply(reg, logger)
	if err != nil {
		return nil, NewInvalidDefinitionError("failed to apply definitions", err)
	}

	logger.Debug("definitions loaded",
		slog.Any("files", def.Files),
		slog.Int("actions", reg.Len()),
		slog.Int("observers", len(observers)))

	return &Engine{
		Config:     cfg,
		Logger:     logger,
		Definition: def,
		Registry:   reg,
		Observers:  observers,
		Plan:       def.Plan(reg, observers),
	}, nil
}

// Start brings up tracing, the metrics endpoint and one executor pool per
// defined action, then builds the runner. On failure everything started so
// far is stopped again.
func (e *Engine) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	traceCfg := e.Config.Tracing
	if len(e.TraceOptions) > 0 {
		traceCfg.Enabled = true
	}
	e.tracing, err = tracing.NewProvider(ctx, traceCfg, e.TraceOptions...)
	if err != nil {
		return NewConfigError("failed to start tracing", err)
	}

	if addr := e.Config.Metrics.Addr; addr != "" {
		if err := e.serveMetrics(addr); err != nil {
			return NewConfigError("failed to start metrics endpoint", err)
		}
	}

	// Hosted workers rebuild the registry from the same files.
	defs, err := filepath.Abs(e.Config.Definitions)
	if err != nil {
		return NewConfigError("failed to resolve definitions", err)
	}
	execCfg := e.Config.ExecutorConfig(log.WithComponent(e.Logger, "executor"))
	execCfg.Env = append(execCfg.Env,
		config.EnvDefinitions+"="+defs,
		"LOG_LEVEL="+e.Config.Log.Level,
		"LOG_FORMAT="+e.Config.Log.Format,
	)
	e.Manager = executor.NewManager(execCfg)

	pools := e.Definition.Pools()
	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.Manager.Register(ctx, name, pools[name]); err != nil {
			return NewExecutionError(fmt.Sprintf("failed to start executors for %s", name), err)
		}
	}

	e.Runner = runner.New(e.Manager,
		runner.WithWaitTimeout(e.Config.Runner.WaitTimeout),
		runner.WithLogger(e.Logger),
		runner.WithTracerProvider(e.tracing.TracerProvider()),
	)
	return nil
}

func (e *Engine) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	e.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := e.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Error("metrics endpoint stopped", log.Error(err))
		}
	}()
	e.metricsAddr = ln.Addr().String()
	e.Logger.Info("metrics endpoint listening", slog.String("addr", e.metricsAddr))
	return nil
}

// MetricsAddr returns the address the metrics endpoint listens on, or "".
func (e *Engine) MetricsAddr() string {
	return e.metricsAddr
}

// Close stops the executors, the metrics endpoint and tracing.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if e.Manager != nil {
		errs = append(errs, e.Manager.Clear())
	}
	if e.metrics != nil {
		errs = append(errs, e.metrics.Shutdown(ctx))
	}
	if e.tracing != nil {
		errs = append(errs, e.tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// ServeWorker is the hosted-worker entry point of the stepwise binary. It
// rebuilds the registry from the definitions named in the environment and
// serves the action the parent asked for.
func ServeWorker() int {
	logger := log.WithComponent(log.New(log.FromEnv()), "worker")

	def, err := definition.Load(os.Getenv(config.EnvDefinitions))
	if err != nil {
		logger.Error("failed to load definitions", log.Error(err))
		return executor.ExitBadEnvironment
	}

	reg := action.NewRegistry()
	if _, err := def.Apply(reg, logger); err != nil {
		logger.Error("failed to apply definitions", log.Error(err))
		return executor.ExitBadEnvironment
	}

	return executor.ServeWorker(reg)
}
