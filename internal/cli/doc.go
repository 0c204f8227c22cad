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
Package cli provides the root command for the stepwise CLI.

This package creates the Cobra command root and handles global concerns like
version information, persistent flags and exit codes. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	stepwise
	├── run        Execute the plan once
	├── plan       Show the leveled plan
	├── watch      Execute the plan for every file event under a directory
	└── version    Show version

The same binary serves as the hosted worker process of every executor; main
checks executor.IsWorkerProcess before building the command tree.

# Global Flags

All commands inherit these flags:

	--verbose, -v       Enable verbose output
	--quiet, -q         Suppress non-error output
	--json              Output in JSON format
	--config            Path to config file
	--definitions, -d   Glob of definition files

# Error Handling

Errors are handled centrally to ensure proper exit codes:

  - Exit 0: Success
  - Exit 1: Plan execution failed
  - Exit 2: Definitions failed to load or validate
  - Exit 3: Configuration error
  - Exit 4: Invalid input or query
  - Exit 130: Interrupted
*/
package cli
