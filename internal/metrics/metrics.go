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

// Package metrics holds the Prometheus collectors for executors, plan runs
// and the dispatch loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task and step statuses used as label values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusSkipped = "skipped"
)

var (
	// tasksSubmitted tracks tasks handed to an executor
	tasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepwise_executor_tasks_submitted_total",
			Help: "Total tasks submitted by action",
		},
		[]string{"action"},
	)

	// tasksCompleted tracks task outcomes reported by hosted workers
	tasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepwise_executor_tasks_completed_total",
			Help: "Total completed tasks by action and status",
		},
		[]string{"action", "status"},
	)

	// taskDuration tracks wall-clock execution time inside the hosted worker
	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepwise_executor_task_duration_seconds",
			Help:    "Task execution time by action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// executorsActive tracks live hosted worker processes
	executorsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stepwise_executors_active",
			Help: "Number of live executors by action",
		},
		[]string{"action"},
	)

	// executorInitFailures tracks executors that never became ready
	executorInitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepwise_executor_init_failures_total",
			Help: "Total executor startup failures by action",
		},
		[]string{"action"},
	)

	// runsTotal tracks plan runs
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepwise_runs_total",
			Help: "Total plan runs by status",
		},
		[]string{"status"},
	)

	// runDuration tracks end-to-end plan run time
	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stepwise_run_duration_seconds",
			Help:    "Plan run duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// stepsTotal tracks step outcomes within plan runs
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepwise_steps_total",
			Help: "Total executed steps by action and status",
		},
		[]string{"action", "status"},
	)

	// stepsUnscheduled tracks steps dropped by the planner
	stepsUnscheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stepwise_steps_unscheduled_total",
			Help: "Total steps left out of a run because a dependency could never be satisfied",
		},
	)

	// dispatchJobs tracks jobs handled by the dispatch loop
	dispatchJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepwise_dispatch_jobs_total",
			Help: "Total dispatched jobs by status",
		},
		[]string{"status"},
	)

	// dispatchQueueDepth tracks jobs waiting for a dispatch worker
	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stepwise_dispatch_queue_depth",
			Help: "Number of jobs waiting for a dispatch worker",
		},
	)

	// observerTriggers tracks observer trigger firings
	observerTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepwise_observer_triggers_total",
			Help: "Total observer trigger firings by observer",
		},
		[]string{"observer"},
	)
)

// RecordSubmit increments the submitted task counter.
func RecordSubmit(action string) {
	tasksSubmitted.WithLabelValues(action).Inc()
}

// RecordTask records a finished task.
func RecordTask(action, status string, d time.Duration) {
	tasksCompleted.WithLabelValues(action, status).Inc()
	taskDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ExecutorStarted increments the live executor gauge.
func ExecutorStarted(action string) {
	executorsActive.WithLabelValues(action).Inc()
}

// ExecutorStopped decrements the live executor gauge.
func ExecutorStopped(action string) {
	executorsActive.WithLabelValues(action).Dec()
}

// RecordInitFailure increments the startup failure counter.
func RecordInitFailure(action string) {
	executorInitFailures.WithLabelValues(action).Inc()
}

// RecordRun records a finished plan run.
func RecordRun(status string, d time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(d.Seconds())
}

// RecordStep records a merged step outcome.
func RecordStep(action, status string) {
	stepsTotal.WithLabelValues(action, status).Inc()
}

// RecordUnscheduled adds n dropped steps.
func RecordUnscheduled(n int) {
	stepsUnscheduled.Add(float64(n))
}

// RecordDispatch records a dispatched job outcome.
func RecordDispatch(status string) {
	dispatchJobs.WithLabelValues(status).Inc()
}

// SetQueueDepth sets the dispatch queue depth gauge.
func SetQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

// RecordTrigger increments the observer trigger counter.
func RecordTrigger(observer string) {
	observerTriggers.WithLabelValues(observer).Inc()
}
