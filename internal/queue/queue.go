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


// Package queue provides the bounded job queue that feeds plan runs to
// dispatch workers.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/plan"
)

// DefaultCapacity is the queue bound used when none is given.
const DefaultCapacity = 128

// Job is one plan run waiting for a worker.
type Job struct {
	ID        string
	Plan      *plan.StepPlan
	Params    action.Params
	Priority  int
	CreatedAt time.Time
}

// NewJob creates a job running p with params.
func NewJob(p *plan.StepPlan, params action.Params) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Plan:      p,
		Params:    params,
		CreatedAt: time.Now(),
	}
}

// Queue defines the interface for job queue implementations.
type Queue interface {
	// Enqueue adds a job to the queue.
	// Blocks while the queue is full until space frees or ctx is cancelled.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue removes and returns the next job from the queue.
	// Blocks until a job is available or context is cancelled.
	Dequeue(ctx context.Context) (*Job, error)

	// Peek returns the next job without removing it.
	Peek() *Job

	// Len returns the number of jobs in the queue.
	Len() int

	// Close closes the queue.
	Close() error
}

// MemoryQueue is a bounded in-memory queue. Higher priority jobs are taken
// first; equal priorities keep arrival order.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     []*Job
	capacity int

	notEmpty chan struct{}
	notFull  chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// NewMemoryQueue creates a queue holding at most capacity jobs. A capacity
// below one uses DefaultCapacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{
		jobs:     make([]*Job, 0, capacity),
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Capacity returns the queue bound.
func (q *MemoryQueue) Capacity() int {
	return q.capacity
}

// Enqueue adds a job to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	for {
		if q.isClosed() {
			return ErrQueueClosed
		}

		q.mu.Lock()
		if len(q.jobs) < q.capacity {
			q.insert(job)
			more := len(q.jobs) < q.capacity
			q.mu.Unlock()
			wake(q.notEmpty)
			if more {
				wake(q.notFull)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return ErrQueueClosed
		case <-q.notFull:
		}
	}
}

// insert places job behind every job of equal or higher priority.
// Callers hold q.mu.
func (q *MemoryQueue) insert(job *Job) {
	for i, j := range q.jobs {
		if job.Priority > j.Priority {
			q.jobs = append(q.jobs[:i], append([]*Job{job}, q.jobs[i:]...)...)
			return
		}
	}
	q.jobs = append(q.jobs, job)
}

// Dequeue removes and returns the next job from the queue. After Close it
// keeps returning queued jobs until the queue is empty, then ErrQueueClosed.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs[0] = nil
			q.jobs = q.jobs[1:]
			more := len(q.jobs) > 0
			q.mu.Unlock()
			wake(q.notFull)
			if more {
				wake(q.notEmpty)
			}
			return job, nil
		}
		q.mu.Unlock()

		if q.isClosed() {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
		case <-q.notEmpty:
		}
	}
}

// Peek returns the next job without removing it, or nil when empty.
func (q *MemoryQueue) Peek() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil
	}
	return q.jobs[0]
}

// Len returns the number of jobs in the queue.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops the queue accepting jobs. Blocked producers fail with
// ErrQueueClosed; consumers drain what is left.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ErrQueueClosed is returned when operations are performed on a closed queue.
var ErrQueueClosed = &QueueError{message: "queue is closed"}

// QueueError represents a queue-related error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}
