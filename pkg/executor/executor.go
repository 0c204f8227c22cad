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
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/internal/transport"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/errors"
)

var (
	// ErrExecutorClosed fails tasks still pending when an executor is closed.
	ErrExecutorClosed = errors.New("executor closed")

	// ErrExecutorExited fails tasks still pending when the hosted worker
	// process dies.
	ErrExecutorExited = errors.New("executor process exited")
)

// Environment passed to the hosted worker process.
const (
	EnvWorkerAction         = "STEPWISE_WORKER_ACTION"
	EnvWorkerIndex          = "STEPWISE_WORKER_INDEX"
	EnvWorkerArenaSize      = "STEPWISE_WORKER_ARENA_SIZE"
	EnvWorkerExecuteTimeout = "STEPWISE_WORKER_EXECUTE_TIMEOUT"
)

// Descriptors inherited by the hosted worker, in ExtraFiles order.
const (
	fdParamArena = 3 + iota
	fdResultArena
	fdParamReady
	fdParamReceived
	fdResultReady
	fdResultReceived
	fdStarted
)

// inflightSlots bounds futures handed to the worker but not yet answered.
// The handoff protocol never has more than two: one executing and one
// written to the parameter arena.
const inflightSlots = 4

type task struct {
	future  *Future
	payload []byte
}

// Executor is one persistent, process-isolated worker bound to a single
// action. Tasks are queued by Submit and handed to the worker one at a time
// through a pair of shared memory arenas.
type Executor struct {
	action string
	index  int
	name   string
	cfg    Config
	logger *slog.Logger

	proc *lifecycle.Process

	paramArena     *transport.Arena
	resultArena    *transport.Arena
	capacity       int
	paramReady     *transport.Notifier
	paramReceived  *transport.Waiter
	resultReady    *transport.Waiter
	resultReceived *transport.Notifier

	mu       sync.Mutex
	tasks    chan task
	inflight chan task

	termOnce sync.Once
	closing  chan struct{}
	cause    error
	helpers  sync.WaitGroup
	stopped  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New starts a hosted worker for actionName and waits for it to finish its
// setup hook. The worker process re-executes cfg.Binary, which must call
// ServeWorker when IsWorkerProcess reports true.
//
// If the worker fails setup, exits, or does not become ready within
// cfg.InitTimeout, the process is killed and an InitError is returned.
func New(ctx context.Context, actionName string, index int, cfg Config) (*Executor, error) {
	if actionName == "" {
		return nil, &errors.ValidationError{Field: "action", Message: "action name is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	binary := cfg.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		binary = exe
	}

	e := &Executor{
		action:   actionName,
		index:    index,
		name:     fmt.Sprintf("%s-%d", actionName, index),
		cfg:      cfg,
		logger:   log.WithExecutor(cfg.Logger, actionName, index),
		tasks:    make(chan task, cfg.QueueSize),
		inflight: make(chan task, inflightSlots),
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	var owned []io.Closer
	fail := func(err error) (*Executor, error) {
		for i := len(owned) - 1; i >= 0; i-- {
			owned[i].Close()
		}
		return nil, err
	}

	var err error
	if e.paramArena, err = transport.NewArena(cfg.ArenaSize); err != nil {
		return fail(err)
	}
	owned = append(owned, e.paramArena)
	e.capacity = e.paramArena.Capacity()
	if e.resultArena, err = transport.NewArena(cfg.ArenaSize); err != nil {
		return fail(err)
	}
	owned = append(owned, e.resultArena)

	// Each signal has one end kept here and one inherited by the worker.
	signal := func() (*transport.Waiter, *transport.Notifier, error) {
		w, n, err := transport.NewSignal()
		if err == nil {
			owned = append(owned, w, n)
		}
		return w, n, err
	}
	paramReadyW, paramReadyN, err := signal()
	if err != nil {
		return fail(err)
	}
	paramReceivedW, paramReceivedN, err := signal()
	if err != nil {
		return fail(err)
	}
	resultReadyW, resultReadyN, err := signal()
	if err != nil {
		return fail(err)
	}
	resultReceivedW, resultReceivedN, err := signal()
	if err != nil {
		return fail(err)
	}
	startedW, startedN, err := signal()
	if err != nil {
		return fail(err)
	}
	e.paramReady, e.paramReceived = paramReadyN, paramReceivedW
	e.resultReady, e.resultReceived = resultReadyW, resultReceivedN

	files := []*os.File{
		e.paramArena.File(),
		e.resultArena.File(),
		paramReadyW.File(),
		paramReceivedN.File(),
		resultReadyN.File(),
		resultReceivedW.File(),
		startedN.File(),
	}

	spawner := lifecycle.NewSpawner().WithEnv(cfg.Env...).WithEnv(
		EnvWorkerAction+"="+actionName,
		EnvWorkerIndex+"="+strconv.Itoa(index),
		EnvWorkerArenaSize+"="+strconv.Itoa(cfg.ArenaSize),
		EnvWorkerExecuteTimeout+"="+cfg.ExecuteTimeout.String(),
	)
	e.proc, err = spawner.Spawn(binary, nil, files)

	// The worker holds its own copies of its ends now.
	for _, f := range files[2:] {
		f.Close()
	}
	if err != nil {
		metrics.RecordInitFailure(actionName)
		return fail(&errors.InitError{Action: actionName, Worker: e.name, Cause: err})
	}

	if err := e.awaitStarted(ctx, startedW); err != nil {
		if killErr := e.proc.Kill(); killErr != nil {
			e.logger.Error("failed to kill worker after failed start", log.Error(killErr))
		}
		metrics.RecordInitFailure(actionName)
		return fail(&errors.InitError{Action: actionName, Worker: e.name, PID: e.proc.PID(), Cause: err})
	}
	startedW.Close()

	e.helpers.Add(2)
	go e.sendLoop()
	go e.receiveLoop()
	go e.supervise()

	metrics.ExecutorStarted(actionName)
	e.logger.Debug("executor started", "pid", e.proc.PID())
	return e, nil
}

// awaitStarted waits for the worker's startup rendezvous.
func (e *Executor) awaitStarted(ctx context.Context, started *transport.Waiter) error {
	stop := context.AfterFunc(ctx, func() { started.Close() })
	defer stop()

	err := started.WaitTimeout(e.cfg.InitTimeout)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, os.ErrDeadlineExceeded):
		return &errors.TimeoutError{Operation: "start " + e.name, Duration: e.cfg.InitTimeout}
	case errors.Is(err, io.EOF):
		return e.startFailure()
	default:
		return err
	}
}

// startFailure explains a worker that exited before the rendezvous. A
// worker whose setup hook failed leaves the failure in the result arena.
func (e *Executor) startFailure() error {
	if data, err := e.resultArena.Read(); err == nil && len(data) > 0 {
		if r := decodeResult(data, e.action); r.Err != nil {
			return r.Err
		}
	}

	select {
	case <-e.proc.Done():
		return fmt.Errorf("worker exited before ready: %v", e.proc.ExitErr())
	case <-time.After(time.Second):
		return fmt.Errorf("worker closed its startup signal before ready")
	}
}

// Submit queues params for execution and returns immediately. The payload
// is encoded here, so a payload larger than the arena fails with a
// CapacityError before anything is queued. A closed executor rejects the
// task with its close cause. Submit blocks only while the
// queue is full.
func (e *Executor) Submit(ctx context.Context, params action.Params) (*Future, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.closing:
		return nil, e.cause
	default:
	}

	payload, err := transport.Marshal(params)
	if err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: fmt.Sprintf("cannot be encoded: %v", err)}
	}
	if len(payload) > e.capacity {
		return nil, &errors.CapacityError{Size: len(payload), Capacity: e.capacity}
	}

	f := newFuture(e.name)
	select {
	case e.tasks <- task{future: f, payload: payload}:
	case <-e.closing:
		return nil, e.cause
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	metrics.RecordSubmit(e.action)
	log.LogTaskSubmitted(e.logger, &log.TaskSubmission{
		Executor:     e.name,
		FutureID:     f.ID(),
		PayloadBytes: len(payload),
	})
	return f, nil
}

// sendLoop hands queued payloads to the worker one at a time.
func (e *Executor) sendLoop() {
	defer e.helpers.Done()

	for {
		var t task
		select {
		case <-e.closing:
			return
		case t = <-e.tasks:
		}

		if err := e.paramArena.Write(t.payload); err != nil {
			t.future.set(failedResult(err))
			continue
		}

		// Queue the future before signalling so the receiver always finds it.
		e.inflight <- t

		if err := e.paramReady.Notify(); err != nil {
			return
		}
		if err := e.paramReceived.Wait(); err != nil {
			return
		}
	}
}

// receiveLoop reads results in submission order and completes their futures.
func (e *Executor) receiveLoop() {
	defer e.helpers.Done()

	for {
		if err := e.resultReady.Wait(); err != nil {
			return
		}
		data, err := e.resultArena.Read()

		var t task
		select {
		case t = <-e.inflight:
		default:
			e.logger.Error("result received with no pending task")
		}

		if err := e.resultReceived.Notify(); err != nil {
			e.logger.Debug("failed to acknowledge result", log.Error(err))
		}

		if t.future == nil {
			continue
		}
		var r *Result
		if err != nil {
			r = failedResult(fmt.Errorf("failed to read result: %w", err))
		} else {
			r = decodeResult(data, e.action)
		}
		e.complete(t, r)
	}
}

func (e *Executor) complete(t task, r *Result) {
	if !t.future.set(r) {
		return
	}

	status := metrics.StatusOK
	if r.Failed() {
		status = metrics.StatusError
		if errors.IsTimeout(r.Err) {
			status = metrics.StatusTimeout
		}
	}
	metrics.RecordTask(e.action, status, r.Duration())

	done := &log.TaskCompletion{
		Success:    !r.Failed(),
		DurationMs: r.Duration().Milliseconds(),
	}
	if r.Failed() {
		done.ErrorType = errors.Classify(r.Err)
		done.Error = r.Err.Error()
	}
	log.LogTaskCompleted(e.logger, &log.TaskSubmission{
		Executor:     e.name,
		FutureID:     t.future.ID(),
		PayloadBytes: len(t.payload),
	}, done)
}

// supervise waits for the worker to exit or the executor to close, then
// stops the helpers and fails every task that will never complete.
func (e *Executor) supervise() {
	select {
	case <-e.proc.Done():
		err := fmt.Errorf("%w: %v", ErrExecutorExited, e.proc.ExitErr())
		e.logger.Warn("executor process exited", log.Error(err))
		e.terminate(err)
	case <-e.closing:
	}

	// Wait out any Submit that raced with terminate so its task is either
	// queued before the drain below or rejected.
	e.mu.Lock()
	e.mu.Unlock() //nolint:staticcheck // barrier for in-flight Submit

	// Closing our ends wakes the helpers, and the worker sees EOF.
	e.paramReady.Close()
	e.paramReceived.Close()
	e.resultReady.Close()
	e.resultReceived.Close()
	e.helpers.Wait()

	for _, ch := range []chan task{e.inflight, e.tasks} {
		for {
			select {
			case t := <-ch:
				t.future.set(failedResult(e.cause))
				continue
			default:
			}
			break
		}
	}
	close(e.stopped)
}

// terminate stops accepting tasks. Submit calls already holding the lock
// finish enqueueing before pending tasks are failed.
func (e *Executor) terminate(cause error) {
	e.termOnce.Do(func() {
		e.cause = cause
		close(e.closing)
		e.mu.Lock()
		e.mu.Unlock() //nolint:staticcheck // barrier for in-flight Submit
	})
}

// Close stops the executor. The worker gets SIGTERM, runs its teardown hook
// and exits; if it is still alive after ShutdownGrace it is killed. Tasks
// that have not completed fail with ErrExecutorClosed. Close is idempotent.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		e.terminate(ErrExecutorClosed)
		e.closeErr = e.proc.Stop(e.cfg.ShutdownGrace)
		<-e.stopped

		if err := errors.Join(e.paramArena.Close(), e.resultArena.Close()); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		metrics.ExecutorStopped(e.action)
		e.logger.Debug("executor stopped")
	})
	return e.closeErr
}

// Alive reports whether the worker is running and accepting tasks.
func (e *Executor) Alive() bool {
	select {
	case <-e.closing:
		return false
	default:
		return !e.proc.Exited()
	}
}

// PID returns the worker's process id.
func (e *Executor) PID() int {
	return e.proc.PID()
}

// Name returns the executor name, the action name plus pool index.
func (e *Executor) Name() string {
	return e.name
}

// Action returns the bound action's name.
func (e *Executor) Action() string {
	return e.action
}

// Index returns the executor's position in its pool.
func (e *Executor) Index() int {
	return e.index
}

// Pending returns the number of tasks submitted but not yet completed.
func (e *Executor) Pending() int {
	return len(e.tasks) + len(e.inflight)
}
