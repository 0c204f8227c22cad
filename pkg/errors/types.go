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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents an invalid recipe, plan or input.
// Use this for configuration mistakes that are detected before any work runs.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a lookup miss.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "executor", "step", "definition")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "executor.arena_size")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError reports that a unit of work itself ran longer than the
// executor's execution timeout. The worker that ran it has been abandoned.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "execute resize_0")
	Operation string

	// Duration is the configured limit that was exceeded
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// WaitTimeoutError reports that a caller stopped waiting for a future.
// The task keeps running and its eventual outcome is unaffected.
type WaitTimeoutError struct {
	// Future identifies the future that was being awaited
	Future string

	// Executor is the name of the executor the task was submitted to
	Executor string

	// Duration is how long the caller waited
	Duration time.Duration
}

// Error implements the error interface.
func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("gave up waiting for future %s on %s after %v", e.Future, e.Executor, e.Duration)
}

// ErrorType implements ErrorClassifier.
func (e *WaitTimeoutError) ErrorType() string { return "wait_timeout" }

// IsRetryable implements ErrorClassifier.
func (e *WaitTimeoutError) IsRetryable() bool { return true }

// InitError reports that a hosted worker process failed to become ready.
// By the time it is returned the process has been killed and reaped.
type InitError struct {
	// Action is the action the worker was bound to
	Action string

	// Worker is the executor name (action plus pool index)
	Worker string

	// PID is the process id of the abandoned worker, 0 if it never started
	PID int

	// Cause is the underlying failure (timeout, exit status, spawn error)
	Cause error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("executor %s (pid %d) failed to initialize: %v", e.Worker, e.PID, e.Cause)
	}
	return fmt.Sprintf("executor %s failed to initialize: %v", e.Worker, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InitError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *InitError) ErrorType() string { return "init" }

// IsRetryable implements ErrorClassifier.
func (e *InitError) IsRetryable() bool { return false }

// ExecutionError carries a failure raised by a unit of work inside a hosted
// worker process. It is rebuilt on the submitting side from its wire form.
type ExecutionError struct {
	// Action is the action whose work function failed
	Action string

	// Type is the Go type of the original error or panic value
	Type string

	// Message is the original error's description
	Message string

	// Stack is the formatted stack trace, empty for returned errors
	Stack string
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("<%s> action %s failed: %s", e.Type, e.Action, e.Message)
	}
	return fmt.Sprintf("<%s> %s", e.Type, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ExecutionError) ErrorType() string { return "execution" }

// IsRetryable implements ErrorClassifier.
func (e *ExecutionError) IsRetryable() bool { return false }

// CapacityError reports a payload that does not fit its transport arena.
// It is a configuration error: the arena must be sized for the largest payload.
type CapacityError struct {
	// Size is the payload length in bytes
	Size int

	// Capacity is the usable arena size in bytes
	Capacity int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds arena capacity of %d bytes", e.Size, e.Capacity)
}

// ErrorType implements ErrorClassifier.
func (e *CapacityError) ErrorType() string { return "capacity" }

// IsRetryable implements ErrorClassifier.
func (e *CapacityError) IsRetryable() bool { return false }

// StepError attaches the failing plan step to an error surfaced by the runner.
type StepError struct {
	// Step is the step (action) name
	Step string

	// Level is the zero-based walk level the step belonged to
	Level int

	// Cause is the re-raised execution, timeout or wait error
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (level %d): %v", e.Step, e.Level, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Cause
}
