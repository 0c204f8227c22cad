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


package expression

import (
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/errors"
)

// Evaluator compiles and runs expressions.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Env builds the evaluation environment for task parameters.
func Env(params action.Params) map[string]any {
	return map[string]any{
		"params":    map[string]any(params),
		"expansion": params[action.ExpansionKey],
		"results":   params[action.ResultsKey],
	}
}

// Check compiles expression without running it.
func (e *Evaluator) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Eval runs expression against env and returns its value.
func (e *Evaluator) Eval(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	evalEnv := make(map[string]any, len(env)+3)
	for k, v := range env {
		evalEnv[k] = v
	}
	evalEnv["has"] = containsFunc
	evalEnv["includes"] = containsFunc
	evalEnv["length"] = lenFunc

	result, err := expr.Run(program, evalEnv)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced parameters exist",
		}
	}
	return result, nil
}

// Bool runs expression and requires a boolean result. An empty expression
// is true.
func (e *Evaluator) Bool(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	result, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}
	return b, nil
}

// Int runs expression and requires a whole number.
func (e *Evaluator) Int(expression string, env map[string]any) (int, error) {
	result, err := e.Eval(expression, env)
	if err != nil {
		return 0, err
	}
	n, ok := toInt(result)
	if !ok {
		return 0, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("expression must return an integer, got %T (%v)", result, result),
		}
	}
	return n, nil
}

// List runs expression and requires a list. nil yields an empty list.
func (e *Evaluator) List(expression string, env map[string]any) ([]any, error) {
	result, err := e.Eval(expression, env)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if list, ok := result.([]any); ok {
		return list, nil
	}
	v := reflect.ValueOf(result)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("expression must return a list, got %T (%v)", result, result),
		}
	}
	out := make([]any, v.Len())
	for i := range out {
		out[i] = v.Index(i).Interface()
	}
	return out, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return toInt(float64(n))
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	// Check cache first (read lock)
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// Note: "contains" is a reserved string operator in expr, so we use "has" and "includes"
	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		// Parameters are only known at run time
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax",
		}
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
