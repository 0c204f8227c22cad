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
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrShutdownTimeout is returned when the process doesn't exit within the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// killWait bounds how long to wait for SIGKILL to take effect.
const killWait = 5 * time.Second

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Process is a started child that is reaped in the background.
type Process struct {
	proc *os.Process
	done chan struct{}
	err  error
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.proc.Pid
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the error from waiting on the child. It is only
// meaningful after Done is closed.
func (p *Process) ExitErr() error {
	<-p.done
	return p.err
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signal sends sig to the child. Signalling an exited child returns
// ErrProcessNotRunning.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return ErrProcessNotRunning
	}
	if err := p.proc.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessNotRunning
		}
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, p.PID(), err)
	}
	return nil
}

// WaitForExit waits for the child to exit.
// Returns ErrShutdownTimeout if the process is still running after timeout.
func (p *Process) WaitForExit(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	}
}

// Kill sends SIGKILL and waits for the child to be reaped.
func (p *Process) Kill() error {
	if err := p.Signal(syscall.SIGKILL); err != nil {
		if errors.Is(err, ErrProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	if err := p.WaitForExit(killWait); err != nil {
		return fmt.Errorf("process did not die after SIGKILL: %w", err)
	}
	return nil
}

// Stop sends SIGTERM and waits up to grace for the child to exit, then
// falls back to SIGKILL. Stopping an exited child is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, ErrProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	if err := p.WaitForExit(grace); err == nil {
		return nil
	}
	return p.Kill()
}
