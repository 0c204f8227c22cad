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

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/transport"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/errors"
)

// Exit codes of a hosted worker process.
const (
	ExitOK             = 0
	ExitSetupFailed    = 2
	ExitBadEnvironment = 3
)

// IsWorkerProcess reports whether this process was started by an Executor
// as a hosted worker.
func IsWorkerProcess() bool {
	return os.Getenv(EnvWorkerAction) != ""
}

// ServeWorker runs the hosted side of an executor and returns the process
// exit code. The binary's main (or a test's TestMain) calls it when
// IsWorkerProcess is true, after registering the same actions the parent
// knows about:
//
//	func main() {
//	    reg := buildRegistry()
//	    if executor.IsWorkerProcess() {
//	        os.Exit(executor.ServeWorker(reg))
//	    }
//	    ...
//	}
//
// The worker runs the action's setup hook, signals readiness, then serves
// tasks until the parent goes away or sends SIGTERM. Either way the teardown
// hook runs before ServeWorker returns.
func ServeWorker(reg *action.Registry) int {
	logger := log.WithComponent(log.New(log.FromEnv()), "worker")

	env, err := loadWorkerEnv()
	if err != nil {
		logger.Error("invalid worker environment", log.Error(err))
		return ExitBadEnvironment
	}
	logger = log.WithExecutor(logger, env.action, env.index)

	s, err := openServer(reg.Get(env.action), env, logger)
	if err != nil {
		logger.Error("failed to open transport", log.Error(err))
		return ExitBadEnvironment
	}

	if err := s.setup(); err != nil {
		logger.Error("setup failed", log.Error(err))
		s.reportSetupFailure(err)
		return ExitSetupFailed
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := s.started.Notify(); err != nil {
		logger.Error("failed to signal readiness", log.Error(err))
		s.finalize()
		return ExitBadEnvironment
	}
	s.started.Close()
	logger.Debug("worker ready", "pid", os.Getpid())

	done := make(chan int, 1)
	go func() { done <- s.serve() }()

	code := ExitOK
	select {
	case code = <-done:
	case sig := <-sigs:
		logger.Debug("worker stopping", "signal", sig.String())
	}
	s.finalize()
	return code
}

type workerEnv struct {
	action    string
	index     int
	arenaSize int
	timeout   time.Duration
}

func loadWorkerEnv() (workerEnv, error) {
	env := workerEnv{action: os.Getenv(EnvWorkerAction)}
	if env.action == "" {
		return env, fmt.Errorf("%s is not set", EnvWorkerAction)
	}

	var err error
	if env.index, err = strconv.Atoi(os.Getenv(EnvWorkerIndex)); err != nil {
		return env, fmt.Errorf("invalid %s: %w", EnvWorkerIndex, err)
	}
	if env.arenaSize, err = strconv.Atoi(os.Getenv(EnvWorkerArenaSize)); err != nil {
		return env, fmt.Errorf("invalid %s: %w", EnvWorkerArenaSize, err)
	}
	if env.timeout, err = time.ParseDuration(os.Getenv(EnvWorkerExecuteTimeout)); err != nil {
		return env, fmt.Errorf("invalid %s: %w", EnvWorkerExecuteTimeout, err)
	}
	return env, nil
}

// server is the hosted side of one executor.
type server struct {
	action  *action.Action
	timeout time.Duration
	logger  *slog.Logger

	paramArena     *transport.Arena
	resultArena    *transport.Arena
	paramReady     *transport.Waiter
	paramReceived  *transport.Notifier
	resultReady    *transport.Notifier
	resultReceived *transport.Waiter
	started        *transport.Notifier

	inner    *innerWorker
	teardown sync.Once
}

// innerWorker runs tasks on its own goroutine so the serve loop can stop
// waiting for one that overruns. An abandoned worker is never reused.
type innerWorker struct {
	tasks   chan action.Params
	results chan *wireResult
	cancel  context.CancelFunc
}

func openServer(a *action.Action, env workerEnv, logger *slog.Logger) (*server, error) {
	paramArena, err := transport.OpenArena(os.NewFile(fdParamArena, "param-arena"), env.arenaSize)
	if err != nil {
		return nil, err
	}
	resultArena, err := transport.OpenArena(os.NewFile(fdResultArena, "result-arena"), env.arenaSize)
	if err != nil {
		paramArena.Close()
		return nil, err
	}

	return &server{
		action:         a,
		timeout:        env.timeout,
		logger:         logger,
		paramArena:     paramArena,
		resultArena:    resultArena,
		paramReady:     transport.NewWaiter(os.NewFile(fdParamReady, "param-ready")),
		paramReceived:  transport.NewNotifier(os.NewFile(fdParamReceived, "param-received")),
		resultReady:    transport.NewNotifier(os.NewFile(fdResultReady, "result-ready")),
		resultReceived: transport.NewWaiter(os.NewFile(fdResultReceived, "result-received")),
		started:        transport.NewNotifier(os.NewFile(fdStarted, "started")),
	}, nil
}

// setup runs the setup hook, turning a panic into an error.
func (s *server) setup() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("setup panicked: %v", rec)
		}
	}()
	return s.action.Init()
}

// reportSetupFailure leaves err in the result arena for the parent.
func (s *server) reportSetupFailure(err error) {
	now := time.Now()
	data := encodeResult(&wireResult{
		Error:     executionFailure(kindSetup, err),
		StartTime: now,
		EndTime:   now,
	}, s.resultArena.Capacity())
	if werr := s.resultArena.Write(data); werr != nil {
		s.logger.Error("failed to report setup failure", log.Error(werr))
	}
}

// finalize runs the teardown hook once.
func (s *server) finalize() {
	s.teardown.Do(func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("teardown panicked", "panic", fmt.Sprint(rec))
			}
		}()
		if err := s.action.Final(); err != nil {
			s.logger.Error("teardown failed", log.Error(err))
		}
	})
}

// serve handles tasks until the parent closes its side of the transport.
func (s *server) serve() int {
	for {
		if err := s.paramReady.Wait(); err != nil {
			s.logger.Debug("parameter signal closed", log.Error(err))
			return ExitOK
		}

		data, readErr := s.paramArena.Read()
		if err := s.paramReceived.Notify(); err != nil {
			return ExitOK
		}

		var r *wireResult
		if readErr != nil {
			r = failure(kindExecution, readErr)
		} else {
			var params action.Params
			if err := transport.Unmarshal(data, &params); err != nil {
				r = failure(kindExecution, fmt.Errorf("failed to decode parameters: %w", err))
			} else {
				r = s.run(params)
			}
		}

		if err := s.resultArena.Write(encodeResult(r, s.resultArena.Capacity())); err != nil {
			s.logger.Error("failed to write result", log.Error(err))
			return ExitBadEnvironment
		}
		if err := s.resultReady.Notify(); err != nil {
			return ExitOK
		}
		if err := s.resultReceived.Wait(); err != nil {
			return ExitOK
		}
	}
}

// run executes params on the inner worker, abandoning it when the task
// overruns the execution timeout.
func (s *server) run(params action.Params) *wireResult {
	if s.inner == nil {
		s.inner = s.spawnInner()
	}
	start := time.Now()
	s.inner.tasks <- params

	if s.timeout <= 0 {
		return <-s.inner.results
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-s.inner.results:
		return r
	case <-timer.C:
		s.logger.Warn("task exceeded execution timeout, abandoning worker",
			log.Duration("timeout", s.timeout.Milliseconds()))
		s.abandon()
		return &wireResult{
			Error: &wireError{
				Kind:     kindTimeout,
				Message:  fmt.Sprintf("execution exceeded %s", s.timeout),
				Duration: s.timeout,
			},
			StartTime: start,
			EndTime:   time.Now(),
		}
	}
}

func (s *server) spawnInner() *innerWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &innerWorker{
		tasks:   make(chan action.Params, 1),
		results: make(chan *wireResult, 1),
		cancel:  cancel,
	}
	go func() {
		for params := range w.tasks {
			w.results <- s.execute(ctx, params)
		}
	}()
	return w
}

// abandon cancels the inner worker's context and lets it exit on its own
// once the overrunning task returns. Its result is never read.
func (s *server) abandon() {
	s.inner.cancel()
	close(s.inner.tasks)
	s.inner = nil
}

// execute runs the unit of work, converting an error or panic into a
// failure result.
func (s *server) execute(ctx context.Context, params action.Params) (r *wireResult) {
	r = &wireResult{StartTime: time.Now()}
	defer func() {
		if rec := recover(); rec != nil {
			r.Value = nil
			r.Error = &wireError{
				Kind:    kindExecution,
				Type:    "panic",
				Message: fmt.Sprint(rec),
				Stack:   trimStack(debug.Stack()),
			}
		}
		r.EndTime = time.Now()
	}()

	value, err := s.action.Execute(ctx, params)
	if err != nil {
		r.Error = executionFailure(kindExecution, err)
		var execErr *errors.ExecutionError
		if errors.As(err, &execErr) && execErr.Stack != "" {
			r.Error.Type, r.Error.Stack = execErr.Type, execErr.Stack
		} else {
			r.Error.Stack = returnStack(debug.Stack())
		}
		return r
	}
	r.Value = value
	return r
}

func failure(kind string, err error) *wireResult {
	now := time.Now()
	return &wireResult{Error: executionFailure(kind, err), StartTime: now, EndTime: now}
}

// returnStack drops the runtime/debug.Stack frame, leaving the goroutine
// header and the frames from the point a returned error became a failure.
func returnStack(stack []byte) string {
	lines := strings.Split(strings.TrimRight(string(stack), "\n"), "\n")
	if len(lines) >= 3 && strings.HasPrefix(lines[1], "runtime/debug.Stack(") {
		lines = append(lines[:1], lines[3:]...)
	}
	return strings.Join(lines, "\n")
}

// dispatchFrames are the executor's own frames below the unit of work.
var dispatchFrames = []string{
	"/pkg/action.(*Action).Execute(",
	"/pkg/executor.(*server).execute(",
}

// trimStack keeps the goroutine header and the frames between the panic and
// the call into the unit of work.
func trimStack(stack []byte) string {
	lines := strings.Split(strings.TrimRight(string(stack), "\n"), "\n")
	if len(lines) < 2 {
		return string(stack)
	}

	// Frames are pairs of lines after the header: function, then file:line.
	start := 1
	for i := 1; i+1 < len(lines); i += 2 {
		if strings.HasPrefix(lines[i], "panic(") {
			start = i + 2
			break
		}
	}

	end := len(lines)
	for i := start; i < len(lines); i += 2 {
		for _, frame := range dispatchFrames {
			if strings.Contains(lines[i], frame) {
				end = i
				break
			}
		}
		if end != len(lines) {
			break
		}
	}
	if start > end {
		start = end
	}

	out := append([]string{lines[0]}, lines[start:end]...)
	return strings.Join(out, "\n")
}
