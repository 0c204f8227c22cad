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


package definition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tombee/stepwise/internal/jq"
	"github.com/tombee/stepwise/pkg/action"
	"github.com/tombee/stepwise/pkg/errors"
)

// Environment variables set for shell actions.
const (
	ShellParamsEnv    = "STEPWISE_PARAMS"
	ShellExpansionEnv = "STEPWISE_EXPANSION"
)

// workOptions returns the work and setup options for a's kind.
func workOptions(a ActionDef) []action.Option {
	switch a.Kind {
	case KindSleep:
		return []action.Option{action.WithWork(sleepWork(a.Duration))}
	case KindFail:
		return []action.Option{action.WithWork(failWork(a.Name, a.Message))}
	case KindShell:
		return []action.Option{action.WithWork(shellWork(a.Command))}
	case KindJQ:
		w := &jqWork{source: a.Query}
		return []action.Option{action.WithSetup(w.setup), action.WithWork(w.work)}
	default:
		if a.Message != "" {
			msg := a.Message
			return []action.Option{action.WithWork(func(context.Context, action.Params) (any, error) {
				return msg, nil
			})}
		}
		return []action.Option{action.WithWork(action.Echo)}
	}
}

func sleepWork(d time.Duration) action.WorkFunc {
	return func(ctx context.Context, _ action.Params) (any, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return d.String(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func failWork(name, message string) action.WorkFunc {
	if message == "" {
		message = fmt.Sprintf("action %s failed", name)
	}
	return func(context.Context, action.Params) (any, error) {
		return nil, errors.New(message)
	}
}

// shellWork runs command with the task parameters as JSON in
// STEPWISE_PARAMS and the expansion token in STEPWISE_EXPANSION. Standard
// output is the result, decoded when it is JSON.
func shellWork(command string) action.WorkFunc {
	return func(ctx context.Context, params action.Params) (any, error) {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		expansion := ""
		if tok := params[action.ExpansionKey]; tok != nil {
			expansion = fmt.Sprint(tok)
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Env = append(os.Environ(),
			ShellParamsEnv+"="+string(encoded),
			ShellExpansionEnv+"="+expansion,
		)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errMsg := strings.TrimSpace(stderr.String())
			if errMsg == "" {
				errMsg = err.Error()
			}
			return nil, fmt.Errorf("command failed: %s", errMsg)
		}

		out := strings.TrimSpace(stdout.String())
		var decoded any
		if json.Unmarshal([]byte(out), &decoded) == nil {
			return decoded, nil
		}
		return out, nil
	}
}

// jqWork compiles its query once per hosted worker, in setup.
type jqWork struct {
	source string

	mu sync.Mutex
	q  *jq.Query
}

func (w *jqWork) setup() error {
	q, err := jq.Compile(w.source)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.q = q
	w.mu.Unlock()
	return nil
}

func (w *jqWork) query() (*jq.Query, error) {
	w.mu.Lock()
	q := w.q
	w.mu.Unlock()
	if q != nil {
		return q, nil
	}
	if err := w.setup(); err != nil {
		return nil, err
	}
	return w.query()
}

func (w *jqWork) work(ctx context.Context, params action.Params) (any, error) {
	q, err := w.query()
	if err != nil {
		return nil, err
	}
	return q.Run(ctx, params)
}
