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

import "time"

// Result is the outcome of one task. A successful result carries Value; a
// failed one carries Err and no value. StartTime and EndTime bound the
// attempt inside the hosted worker.
type Result struct {
	Value     any
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// Failed reports whether the task failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// Duration returns how long the attempt took.
func (r *Result) Duration() time.Duration {
	if r.EndTime.IsZero() || r.StartTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

func failedResult(err error) *Result {
	now := time.Now()
	return &Result{Err: err, StartTime: now, EndTime: now}
}
