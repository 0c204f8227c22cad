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
Package executor runs actions in persistent, process-isolated workers.

An Executor owns one hosted worker process bound to a single action. The
worker is the current binary re-executed with STEPWISE_WORKER_* set in its
environment; its main must hand control to ServeWorker:

	if executor.IsWorkerProcess() {
	    os.Exit(executor.ServeWorker(registry))
	}

Parameters and results cross the process boundary through two shared memory
arenas, one per direction, each paired with ready and received signals. The
submitting side runs two goroutines: a sender that writes queued payloads to
the parameter arena one at a time, and a receiver that reads results in the
same order and completes their futures. Submit only encodes and queues, so
callers can queue many tasks ahead of the worker.

Inside the worker, each task runs on an inner goroutine under the execution
timeout. A task that overruns is abandoned: its context is cancelled, its
eventual result is discarded, and the next task gets a fresh inner goroutine.
The worker process and its one-time setup survive.

There are two independent timeouts. Config.ExecuteTimeout bounds the task
itself and surfaces as a TimeoutError in the Result. The timeout passed to
Future.Get bounds only the caller's wait and surfaces as a WaitTimeoutError;
the task keeps running.

Manager keeps a fixed-size pool of executors per action name.
*/
package executor
