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

package log

import (
	"context"
	"log/slog"
)

// TaskSubmission describes a task handed to an executor, for logging purposes.
type TaskSubmission struct {
	// Executor is the executor name (action plus pool index).
	Executor string

	// FutureID identifies the future returned to the submitter.
	FutureID string

	// PayloadBytes is the encoded parameter size.
	PayloadBytes int
}

// TaskCompletion describes the outcome of a task, for logging purposes.
type TaskCompletion struct {
	// Success indicates whether the unit of work returned without error.
	Success bool

	// ErrorType is the classified error category when Success is false.
	ErrorType string

	// Error is the error message if the task failed.
	Error string

	// DurationMs is the wall-clock time the hosted worker spent on the task.
	DurationMs int64
}

// LogTaskSubmitted logs a task entering an executor's queue.
func LogTaskSubmitted(logger *slog.Logger, sub *TaskSubmission) {
	logger.Debug("task submitted",
		EventKey, "task_submitted",
		ExecutorKey, sub.Executor,
		FutureKey, sub.FutureID,
		"payload_bytes", sub.PayloadBytes,
	)
}

// LogTaskCompleted logs the result of a task. Failures log at warn level;
// they are data, not faults of the engine.
func LogTaskCompleted(logger *slog.Logger, sub *TaskSubmission, done *TaskCompletion) {
	attrs := []any{
		EventKey, "task_completed",
		ExecutorKey, sub.Executor,
		FutureKey, sub.FutureID,
		"success", done.Success,
		DurationKey, done.DurationMs,
	}

	level := slog.LevelDebug
	message := "task completed"

	if !done.Success {
		attrs = append(attrs, "error_type", done.ErrorType, "error", done.Error)
		level = slog.LevelWarn
		message = "task failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}
