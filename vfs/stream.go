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

package vfs

import (
	"context"
	"io"
)

// Stream adapts a descriptor to io.Reader and io.Writer, for handing a
// program its standard streams. The context supplied at creation governs
// blocking operations on the underlying descriptor.
type Stream struct {
	ctx context.Context
	v   *Vfs
	fd  int
}

func (v *Vfs) Stream(ctx context.Context, fd int) *Stream {
	return &Stream{ctx: ctx, v: v, fd: fd}
}

// FD returns the descriptor behind the stream.
func (s *Stream) FD() int {
	return s.fd
}

func (s *Stream) Read(p []byte) (n int, err error) {
	n, err = s.v.Read(s.ctx, s.fd, p)
	if err == nil && n == 0 && len(p) > 0 {
		err = io.EOF
	}

	return
}

func (s *Stream) Write(p []byte) (n int, err error) {
	return s.v.Write(s.ctx, s.fd, p)
}

// Close closes the underlying descriptor.
func (s *Stream) Close() error {
	return s.v.Close(s.ctx, s.fd)
}
