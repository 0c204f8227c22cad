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


package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/tombee/stepwise/pkg/errors"
)

// Exit codes for stepwise commands
const (
	ExitSuccess           = 0
	ExitExecutionFailed   = 1
	ExitInvalidDefinition = 2
	ExitConfigError       = 3
	ExitInvalidInput      = 4
	ExitInterrupted       = 130 // 128 + SIGINT
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for plan execution failures
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// NewInvalidDefinitionError creates an error for definition files that do
// not load or validate
func NewInvalidDefinitionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidDefinition, Message: msg, Cause: cause}
}

// NewConfigError creates an error for configuration problems
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewInvalidInputError creates an error for bad --input or --query values
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidInput, Message: msg, Cause: cause}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var cfgErr *pkgerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}

	var valErr *pkgerrors.ValidationError
	if errors.As(err, &valErr) {
		return ExitInvalidDefinition
	}

	return ExitExecutionFailed
}

// HandleExitError prints err and exits with the code ExitCode picks.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, RenderError("Error: "+err.Error()))

	// Name the failing step once more when it is buried in the chain.
	var stepErr *pkgerrors.StepError
	if errors.As(err, &stepErr) && GetVerbose() {
		fmt.Fprintf(os.Stderr, "\nFailed step: %s (level %d, %s)\n",
			stepErr.Step, stepErr.Level, pkgerrors.Classify(stepErr.Cause))
	}

	os.Exit(ExitCode(err))
}
