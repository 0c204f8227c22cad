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


package main

import (
	"os"

	"github.com/tombee/stepwise/internal/cli"
	"github.com/tombee/stepwise/internal/commands/plan"
	"github.com/tombee/stepwise/internal/commands/run"
	"github.com/tombee/stepwise/internal/commands/shared"
	versioncmd "github.com/tombee/stepwise/internal/commands/version"
	"github.com/tombee/stepwise/internal/commands/watch"
	"github.com/tombee/stepwise/pkg/executor"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Executors re-execute this binary as their hosted worker process.
	// Serve before any cobra processing.
	if executor.IsWorkerProcess() {
		os.Exit(shared.ServeWorker())
	}

	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Plan commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(plan.NewCommand())
	rootCmd.AddCommand(watch.NewCommand())

	// Version command
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
