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

package transport

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Notifier is the sending end of a signal.
type Notifier struct {
	w *os.File
}

// Waiter is the receiving end of a signal.
type Waiter struct {
	r *os.File
}

// NewSignal creates a connected waiter and notifier.
func NewSignal() (*Waiter, *Notifier, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create signal pipe: %w", err)
	}
	return &Waiter{r: r}, &Notifier{w: w}, nil
}

// NewNotifier wraps an inherited pipe write end.
func NewNotifier(f *os.File) *Notifier {
	return &Notifier{w: f}
}

// NewWaiter wraps an inherited pipe read end.
func NewWaiter(f *os.File) *Waiter {
	return &Waiter{r: f}
}

// Notify marks the slot full.
func (n *Notifier) Notify() error {
	_, err := n.w.Write([]byte{1})
	return err
}

// File returns the pipe end, for handing to a child process.
func (n *Notifier) File() *os.File {
	return n.w
}

// Close closes the pipe end. A peer blocked in Wait receives io.EOF.
func (n *Notifier) Close() error {
	return n.w.Close()
}

// Wait blocks until the slot is full and empties it. It returns io.EOF once
// the notifier has been closed, and os.ErrClosed if the waiter itself is
// closed while blocked.
func (w *Waiter) Wait() error {
	var buf [1]byte
	_, err := io.ReadFull(w.r, buf[:])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return err
}

// WaitTimeout is like Wait but gives up after d with os.ErrDeadlineExceeded.
// Only pipes created in this process support deadlines.
func (w *Waiter) WaitTimeout(d time.Duration) error {
	if err := w.r.SetReadDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	defer w.r.SetReadDeadline(time.Time{})
	return w.Wait()
}

// File returns the pipe end, for handing to a child process.
func (w *Waiter) File() *os.File {
	return w.r
}

// Close closes the pipe end, unblocking a pending Wait.
func (w *Waiter) Close() error {
	return w.r.Close()
}
