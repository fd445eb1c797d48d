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

package lfs

import (
	"fmt"
	"io"

	"github.com/veloxos/velox/internal/syserr"
)

// content is the growable byte buffer behind a regular file node. Writes
// past the end extend the buffer; a charge function accounts the growth
// against the file system's capacity before it becomes visible.
//
// External synchronization is required.
type content struct {
	// Charges (positive) or refunds (negative) bytes against the FS-wide
	// budget; returns false when the allocator refuses.
	charge func(delta int64) bool

	buf []byte
}

func newContent(charge func(delta int64) bool) *content {
	return &content{charge: charge}
}

func (c *content) Size() int64 {
	return int64(len(c.buf))
}

// ReadAt reads into dst at offset off, with io.ReaderAt semantics.
func (c *content) ReadAt(dst []byte, off int64) (n int, err error) {
	if off >= int64(len(c.buf)) {
		err = io.EOF
		return
	}

	n = copy(dst, c.buf[off:])
	if n < len(dst) {
		err = io.EOF
	}

	return
}

// WriteAt writes src at offset off, extending the buffer as needed. On
// ENOSPC no partial byte becomes visible.
func (c *content) WriteAt(src []byte, off int64) (n int, err error) {
	end := off + int64(len(src))
	if grow := end - int64(len(c.buf)); grow > 0 {
		if !c.charge(grow) {
			err = fmt.Errorf("cannot grow by %d bytes: %w", grow, syserr.ENOSPC)
			return
		}

		c.buf = append(c.buf, make([]byte, grow)...)
	}

	n = copy(c.buf[off:], src)
	return
}

// Truncate resizes the content to n bytes, zero-extending on growth.
func (c *content) Truncate(n int64) (err error) {
	switch {
	case n < int64(len(c.buf)):
		c.charge(n - int64(len(c.buf)))
		c.buf = c.buf[:n]

	case n > int64(len(c.buf)):
		grow := n - int64(len(c.buf))
		if !c.charge(grow) {
			err = fmt.Errorf("cannot grow by %d bytes: %w", grow, syserr.ENOSPC)
			return
		}

		c.buf = append(c.buf, make([]byte, grow)...)
	}

	return
}

// Destroy refunds the content's bytes. The object must not be used again.
func (c *content) Destroy() {
	c.charge(-int64(len(c.buf)))
	c.buf = nil
}
