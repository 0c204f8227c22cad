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

/*
Package transport carries encoded payloads between a parent process and a
hosted worker.

Each direction uses an Arena, a shared memory mapping with a length header,
and a pair of pipe-backed signals for the handoff:

	writer: arena.Write(payload); ready.Notify(); received.Wait()
	reader: ready.Wait(); payload := arena.Read(); received.Notify()

Only one payload is in flight per arena, so a single byte on the pipe is
enough to mark the slot full or empty. Closing either end of a pipe wakes the
peer with io.EOF, which is how both sides notice the other has gone away.
*/
package transport
