// Copyright 2015 Google Inc. All Rights Reserved.
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

package kernel

import (
	"context"
	"errors"
	"io"
)

// DefaultPipeCapacity is the queue depth of a pipe created without an
// explicit capacity.
const DefaultPipeCapacity = 128

// Pipe is a bounded in-memory byte queue exposed as a file by the file
// system backends. Readers and writers block byte by byte; once the
// writing side is closed, readers drain what remains and then observe
// EOF.
type Pipe struct {
	q *Queue[byte]
}

func NewPipe(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}

	return &Pipe{q: NewQueue[byte](capacity)}
}

// Read fills dst, blocking until len(dst) bytes have moved or the pipe is
// closed and drained. At EOF it returns the bytes read so far (possibly
// zero) and a nil error, matching the read(2) convention the VFS expects.
func (p *Pipe) Read(ctx context.Context, dst []byte) (n int, err error) {
	for n < len(dst) {
		var b byte
		b, err = p.q.Receive(ctx, WaitForever)
		if errors.Is(err, ErrQueueClosed) {
			err = nil
			return
		}

		if err != nil {
			return
		}

		dst[n] = b
		n++
	}

	return
}

// Write pushes src into the pipe, blocking for space. Writing to a closed
// pipe returns io.ErrClosedPipe.
func (p *Pipe) Write(ctx context.Context, src []byte) (n int, err error) {
	for n < len(src) {
		err = p.q.Send(ctx, src[n], WaitForever)
		if errors.Is(err, ErrQueueClosed) {
			err = io.ErrClosedPipe
			return
		}

		if err != nil {
			return
		}

		n++
	}

	return
}

// Close closes the writing side. Idempotent.
func (p *Pipe) Close() {
	p.q.Close()
}

// Closed reports whether the writing side has been closed.
func (p *Pipe) Closed() bool {
	return p.q.Closed()
}

// Len returns the number of bytes currently queued.
func (p *Pipe) Len() int {
	return p.q.Len()
}
