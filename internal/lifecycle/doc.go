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
Package lifecycle starts and stops hosted worker processes.

Workers run in their own process group so that a terminal interrupt reaches
only the parent, which then stops each worker in turn:

	proc, err := lifecycle.NewSpawner().
	    WithEnv("STEPWISE_WORKER_ACTION=fetch").
	    Spawn(binary, nil, files)
	if err != nil {
	    // Handle error
	}

	// SIGTERM, then SIGKILL if the worker is still alive after the grace period.
	if err := proc.Stop(2 * time.Second); err != nil {
	    // Handle error
	}

The spawner reaps the child in the background, so Done and ExitErr report
the exit without polling and a stopped worker never lingers as a zombie.
*/
package lifecycle
