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


package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for stepwise
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stepwise",
		Short: "stepwise - leveled plan execution on isolated worker processes",
		Long: `stepwise runs plans of dependent actions. Each action executes in a pool
of hosted worker processes that exchange parameters and results with the
parent through shared memory.

Actions, plan steps and observers are declared in YAML definition files
selected by a glob (--definitions or STEPWISE_DEFINITIONS).

Run 'stepwise plan' to see how a plan will be leveled.
Run 'stepwise run' to execute it once, or 'stepwise watch' to execute it
for every file change under a directory.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	flags := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(flags.Verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(flags.Quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(flags.JSON, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(flags.Config, "config", "", "Path to config file (default: ~/.config/stepwise/config.yaml)")
	cmd.PersistentFlags().StringVarP(flags.Definitions, "definitions", "d", "", "Glob of definition files, e.g. 'defs/**/*.yaml'")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
