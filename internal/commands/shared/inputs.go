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
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/stepwise/pkg/action"
)

// loadInputFile loads inputs from a YAML or JSON file, or stdin for "-"
func loadInputFile(path string, stdin io.Reader) (action.Params, error) {
	var data []byte
	var err error

	if path == "-" {
		// Refuse to block on an interactive terminal
		if f, ok := stdin.(*os.File); ok {
			if stat, _ := f.Stat(); stat != nil && stat.Mode()&os.ModeCharDevice != 0 {
				return nil, fmt.Errorf("--input-file - requires input on stdin (pipe or redirect)")
			}
		}
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
	}

	var inputs map[string]any
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse input file: %w", err)
	}

	return action.Params(inputs), nil
}

// parseValue reads v as a YAML scalar or flow collection so that
// "3", "[a, b]" and "{x: 1}" arrive typed. Anything else stays a string.
func parseValue(v string) any {
	var out any
	if err := yaml.Unmarshal([]byte(v), &out); err != nil || out == nil {
		return v
	}
	// "note: x" is a string, not a block mapping
	if _, ok := out.(map[string]any); ok && !strings.HasPrefix(strings.TrimSpace(v), "{") {
		return v
	}
	return out
}

// ParseInputs parses input arguments in key=value format and merges them
// over file inputs
func ParseInputs(inputArgs []string, inputFile string, stdin io.Reader) (action.Params, error) {
	inputs := action.Params{}
	if inputFile != "" {
		fromFile, err := loadInputFile(inputFile, stdin)
		if err != nil {
			return nil, err
		}
		inputs = inputs.Merge(fromFile)
	}

	for _, arg := range inputArgs {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q (expected key=value)", arg)
		}
		inputs[key] = parseValue(value)
	}

	return inputs, nil
}
