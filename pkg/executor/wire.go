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
	"fmt"
	"time"

	"github.com/tombee/stepwise/internal/transport"
	"github.com/tombee/stepwise/pkg/errors"
)

// Failure kinds carried across the process boundary.
const (
	kindExecution = "execution"
	kindTimeout   = "timeout"
	kindCapacity  = "capacity"
	kindSetup     = "setup"
)

// wireResult is the encoded form of a Result in the result arena.
type wireResult struct {
	Value     any        `json:"value"`
	Error     *wireError `json:"error,omitempty"`
	StartTime time.Time  `json:"start"`
	EndTime   time.Time  `json:"end"`
}

// wireError is the encoded form of a task failure.
type wireError struct {
	Kind     string        `json:"kind"`
	Type     string        `json:"type,omitempty"`
	Message  string        `json:"message"`
	Stack    string        `json:"stack,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Size     int           `json:"size,omitempty"`
	Capacity int           `json:"capacity,omitempty"`
}

func executionFailure(kind string, err error) *wireError {
	return &wireError{Kind: kind, Type: fmt.Sprintf("%T", err), Message: err.Error()}
}

// toError rebuilds the typed error for a failure reported by actionName.
func (w *wireError) toError(actionName string) error {
	switch w.Kind {
	case kindTimeout:
		return &errors.TimeoutError{Operation: "execute " + actionName, Duration: w.Duration}
	case kindCapacity:
		return &errors.CapacityError{Size: w.Size, Capacity: w.Capacity}
	default:
		return &errors.ExecutionError{Action: actionName, Type: w.Type, Message: w.Message, Stack: w.Stack}
	}
}

// encodeResult encodes r, replacing it with a capacity failure when it would
// not fit in capacity bytes, or an execution failure when it cannot be
// encoded at all.
func encodeResult(r *wireResult, capacity int) []byte {
	data, err := transport.Marshal(r)
	if err != nil {
		r = &wireResult{
			Error:     &wireError{Kind: kindExecution, Type: "encode", Message: fmt.Sprintf("result cannot be encoded: %v", err)},
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
		}
		data, _ = transport.Marshal(r)
	}
	if len(data) > capacity {
		data, _ = transport.Marshal(&wireResult{
			Error: &wireError{
				Kind:     kindCapacity,
				Message:  fmt.Sprintf("result of %d bytes exceeds arena capacity", len(data)),
				Size:     len(data),
				Capacity: capacity,
			},
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
		})
	}
	return data
}

// decodeResult rebuilds a Result from the result arena.
func decodeResult(data []byte, actionName string) *Result {
	var w wireResult
	if err := transport.Unmarshal(data, &w); err != nil {
		return failedResult(fmt.Errorf("failed to decode result: %w", err))
	}

	r := &Result{Value: w.Value, StartTime: w.StartTime, EndTime: w.EndTime}
	if w.Error != nil {
		r.Value = nil
		r.Err = w.Error.toError(actionName)
	}
	return r
}
