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

package lifecycle

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Spawner handles worker process spawning.
type Spawner struct {
	// Env is the complete environment of the child.
	Env []string

	// Stdout and Stderr receive the child's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// NewSpawner creates a spawner that inherits this process's environment and
// stderr.
func NewSpawner() *Spawner {
	return &Spawner{
		Env:    os.Environ(),
		Stderr: os.Stderr,
	}
}

// WithEnv appends environment variables for the spawned process.
func (s *Spawner) WithEnv(env ...string) *Spawner {
	s.Env = append(append([]string(nil), s.Env...), env...)
	return s
}

// Spawn starts binary with args. files are inherited by the child as
// descriptors 3, 4, and so on, in order.
func (s *Spawner) Spawn(binary string, args []string, files []*os.File) (*Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Stdin = nil
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.ExtraFiles = files
	cmd.SysProcAttr = workerSysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	p := &Process{
		proc: cmd.Process,
		done: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}
