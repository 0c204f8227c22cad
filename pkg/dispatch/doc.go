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


/*
Package dispatch feeds a stream of plan runs to a pool of runner workers.

A Source is polled at most once per Config.Interval. Each job it returns is
placed on a bounded queue.MemoryQueue, which blocks the source while
Config.Workers workers are busy and the queue is full. Workers run the
job's plan with its parameters and hand the outcome to the completion
callback.

	d, err := dispatch.New(runner.New(manager), dispatch.DefaultConfig(),
	    dispatch.WithOnFinish(func(job *queue.Job, results action.Params, err error) {
	        ...
	    }))
	err = d.Run(ctx, dispatch.FromChannel(jobs))

Dispatch ends when the source returns ErrStop or a nil job and the queue
has drained, or when ctx is cancelled.
*/
package dispatch
