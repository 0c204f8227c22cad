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
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tombee/stepwise/pkg/errors"
)

// DefaultArenaSize is the mapping size used when none is configured.
const DefaultArenaSize = 64 << 20

// headerSize is the length prefix written before every payload.
const headerSize = 8

// Arena is a fixed-size shared memory region holding at most one payload.
// Both processes map the same file, so writes are visible to the peer
// without copying through the kernel.
type Arena struct {
	mu     sync.Mutex
	file   *os.File
	data   []byte
	closed bool
}

// NewArena creates an anonymous shared mapping of size bytes.
func NewArena(size int) (*Arena, error) {
	if size <= headerSize {
		return nil, &errors.ValidationError{
			Field:   "arena_size",
			Message: fmt.Sprintf("must be larger than %d bytes", headerSize),
		}
	}

	f, err := createArenaFile(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create arena: %w", err)
	}

	a, err := mapArena(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// OpenArena maps an arena file inherited from another process.
func OpenArena(f *os.File, size int) (*Arena, error) {
	if f == nil {
		return nil, &errors.ValidationError{Field: "arena", Message: "file is nil"}
	}
	return mapArena(f, size)
}

func mapArena(f *os.File, size int) (*Arena, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map arena: %w", err)
	}
	return &Arena{file: f, data: data}, nil
}

// File returns the backing file, for handing to a child process.
func (a *Arena) File() *os.File {
	return a.file
}

// Size returns the size of the mapping in bytes.
func (a *Arena) Size() int {
	return len(a.data)
}

// Capacity returns the largest payload the arena can hold.
func (a *Arena) Capacity() int {
	return len(a.data) - headerSize
}

// Write stores payload in the arena, replacing whatever was there.
// A payload larger than Capacity is rejected with a CapacityError and the
// arena is left untouched.
func (a *Arena) Write(payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return os.ErrClosed
	}
	if len(payload) > a.Capacity() {
		return &errors.CapacityError{Size: len(payload), Capacity: a.Capacity()}
	}

	binary.LittleEndian.PutUint64(a.data[:headerSize], uint64(len(payload)))
	copy(a.data[headerSize:], payload)
	return nil
}

// Read returns a copy of the payload currently stored in the arena.
func (a *Arena) Read() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, os.ErrClosed
	}

	n := binary.LittleEndian.Uint64(a.data[:headerSize])
	if n > uint64(a.Capacity()) {
		return nil, fmt.Errorf("corrupt arena header: length %d exceeds capacity %d", n, a.Capacity())
	}

	out := make([]byte, n)
	copy(out, a.data[headerSize:headerSize+int(n)])
	return out, nil
}

// Close unmaps the arena and closes its file. It is safe to call twice.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if err := unix.Munmap(a.data); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmap arena: %w", err))
	}
	a.data = nil
	if err := a.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
