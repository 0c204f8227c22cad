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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTask(t *testing.T) {
	before := testutil.ToFloat64(tasksCompleted.WithLabelValues("metrics-test", StatusTimeout))

	RecordTask("metrics-test", StatusTimeout, 50*time.Millisecond)

	after := testutil.ToFloat64(tasksCompleted.WithLabelValues("metrics-test", StatusTimeout))
	assert.Equal(t, before+1, after)
}

func TestExecutorGauge(t *testing.T) {
	ExecutorStarted("metrics-gauge")
	ExecutorStarted("metrics-gauge")
	ExecutorStopped("metrics-gauge")

	assert.Equal(t, 1.0, testutil.ToFloat64(executorsActive.WithLabelValues("metrics-gauge")))
}

func TestRecordUnscheduled(t *testing.T) {
	before := testutil.ToFloat64(stepsUnscheduled)
	RecordUnscheduled(3)
	assert.Equal(t, before+3, testutil.ToFloat64(stepsUnscheduled))
}

func TestDispatchCollectors(t *testing.T) {
	before := testutil.ToFloat64(dispatchJobs.WithLabelValues(StatusError))
	RecordDispatch(StatusError)
	SetQueueDepth(7)

	assert.Equal(t, before+1, testutil.ToFloat64(dispatchJobs.WithLabelValues(StatusError)))
	assert.Equal(t, 7.0, testutil.ToFloat64(dispatchQueueDepth))
}
