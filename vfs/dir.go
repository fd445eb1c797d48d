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
	"fmt"
	"io"

	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
)

// Dir is an open directory handle. The entry returned by ReadDir is owned
// by the handle and valid until the next ReadDir or CloseDir.
type Dir struct {
	// dirValidation while open; cleared on close.
	validation uint32

	m    *mount
	iter fs.DirIter

	// The most recently yielded entry.
	last fs.DirEntry
}

// OpenDir opens path for listing.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) OpenDir(ctx context.Context, path string) (d *Dir, err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	m, rel, err := v.resolveAndPin(path)
	if err != nil {
		return
	}

	iter, err := m.fsys.OpenDir(ctx, rel)
	if err != nil {
		v.unpin(m)
		return
	}

	d = &Dir{
		validation: dirValidation,
		m:          m,
		iter:       iter,
	}
	return
}

// ReadDir returns the next entry, or nil at the end of the listing.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) ReadDir(ctx context.Context, d *Dir) (e *fs.DirEntry, err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = d.check(); err != nil {
		return
	}

	entry, err := d.iter.NextEntry(ctx)
	if err == io.EOF {
		err = nil
		return
	}

	if err != nil {
		err = fmt.Errorf("NextEntry: %w", err)
		return
	}

	d.last = entry
	e = &d.last
	return
}

// CloseDir releases the handle. Closing twice is detected and reported as
// EBADF.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) CloseDir(ctx context.Context, d *Dir) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = d.check(); err != nil {
		return
	}

	d.validation = 0
	err = d.iter.Close(ctx)
	v.unpin(d.m)

	if err != nil {
		err = fmt.Errorf("Close: %w", err)
	}

	return
}

// FlushDir exists to give a deliberate answer for flushing a directory
// handle: it is a kind mismatch.
func (v *Vfs) FlushDir(ctx context.Context, d *Dir) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = d.check(); err != nil {
		return
	}

	return fmt.Errorf("flush of a directory: %w", syserr.EISDIR)
}

func (d *Dir) check() error {
	if d == nil || d.validation != dirValidation {
		return fmt.Errorf("stale directory handle: %w", syserr.EBADF)
	}

	return nil
}
