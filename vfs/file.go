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
	"strings"

	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
)

// File is an open file description: the kernel-owned record behind a
// descriptor. A descriptor is assumed to be used by one task at a time;
// concurrent use of a single descriptor is undefined behavior of the
// caller.
type File struct {
	// fileValidation while open; cleared on close so use after close is
	// detectable.
	validation uint32

	m     *mount
	h     fs.Handle
	flags fs.OpenFlags

	// Current seek offset.
	pos int64

	// Sticky flags mirroring the C stdio feof/ferror pair.
	eof    bool
	errSet bool
}

// parseMode translates an fopen-style mode string into backend flags. A
// 'b' anywhere after the first byte is accepted and ignored.
func parseMode(mode string) (flags fs.OpenFlags, err error) {
	if mode == "" {
		err = fmt.Errorf("empty mode: %w", syserr.EINVAL)
		return
	}

	base := mode[:1]
	rest := strings.ReplaceAll(mode[1:], "b", "")

	plus := false
	switch rest {
	case "":
	case "+":
		plus = true
	default:
		err = fmt.Errorf("mode %q: %w", mode, syserr.EINVAL)
		return
	}

	switch base {
	case "r":
		flags = fs.FlagRead
		if plus {
			flags |= fs.FlagWrite
		}

	case "w":
		flags = fs.FlagWrite | fs.FlagCreate | fs.FlagTruncate
		if plus {
			flags |= fs.FlagRead
		}

	case "a":
		flags = fs.FlagWrite | fs.FlagCreate | fs.FlagAppend
		if plus {
			flags |= fs.FlagRead
		}

	default:
		err = fmt.Errorf("mode %q: %w", mode, syserr.EINVAL)
	}

	return
}

// lookupFile translates a descriptor to its description, detecting stale
// and foreign descriptors.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) lookupFile(fd int) (f *File, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, ok := v.files[fd]
	if !ok {
		err = fmt.Errorf("descriptor %d: %w", fd, syserr.EBADF)
		return
	}

	if f.validation != fileValidation {
		panic(fmt.Sprintf("Descriptor %d live with cookie %x", fd, f.validation))
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Syscall surface
////////////////////////////////////////////////////////////////////////

// Open opens path with an fopen-style mode string and returns a
// descriptor.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Open(ctx context.Context, path string, mode string) (fd int, err error) {
	defer v.recordTaskErr(ctx, &err)

	fd = -1

	flags, err := parseMode(mode)
	if err != nil {
		return
	}

	if err = v.checkPath(path); err != nil {
		return
	}

	// A trailing slash demands a directory, which open cannot produce.
	if strings.HasSuffix(path, "/") {
		err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
		return
	}

	m, rel, err := v.resolveAndPin(path)
	if err != nil {
		return
	}

	h, err := m.fsys.Open(ctx, rel, flags)
	if err != nil {
		v.unpin(m)
		return
	}

	f := &File{
		validation: fileValidation,
		m:          m,
		h:          h,
		flags:      flags,
	}

	v.mu.Lock()
	fd = v.nextFD
	v.nextFD++
	v.files[fd] = f
	v.mu.Unlock()

	return
}

// Close releases the descriptor. Closing an already-closed descriptor is
// detected and reported as EBADF without corrupting the table.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Close(ctx context.Context, fd int) (err error) {
	return v.close(ctx, fd, false)
}

// ForceClose is the teardown variant: the backend must complete without
// blocking on slow I/O.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) ForceClose(ctx context.Context, fd int) (err error) {
	return v.close(ctx, fd, true)
}

func (v *Vfs) close(ctx context.Context, fd int, force bool) (err error) {
	defer v.recordTaskErr(ctx, &err)

	v.mu.Lock()
	f, ok := v.files[fd]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("descriptor %d: %w", fd, syserr.EBADF)
	}

	delete(v.files, fd)
	f.validation = 0
	v.mu.Unlock()

	err = f.m.fsys.Close(ctx, f.h, force)
	v.unpin(f.m)

	if err != nil {
		err = fmt.Errorf("Close: %w", err)
	}

	return
}

// Read reads up to len(dst) bytes at the descriptor's seek offset,
// advancing it by the count read. A zero count with no error at the end
// of a file sets the descriptor's EOF flag.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Read(ctx context.Context, fd int, dst []byte) (n int, err error) {
	defer v.recordTaskErr(ctx, &err)

	f, err := v.lookupFile(fd)
	if err != nil {
		return
	}

	if !f.flags.Read() {
		err = fmt.Errorf("descriptor %d not open for reading: %w", fd, syserr.EACCES)
		return
	}

	n, err = f.m.fsys.Read(ctx, f.h, dst, f.pos)
	if err != nil {
		f.errSet = true
		return
	}

	f.pos += int64(n)
	if n == 0 && len(dst) > 0 {
		f.eof = true
	}

	return
}

// Write writes src at the descriptor's seek offset (or at the end, for
// append descriptors), advancing the offset by the count written.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Write(ctx context.Context, fd int, src []byte) (n int, err error) {
	defer v.recordTaskErr(ctx, &err)

	f, err := v.lookupFile(fd)
	if err != nil {
		return
	}

	if !f.flags.Write() {
		err = fmt.Errorf("descriptor %d not open for writing: %w", fd, syserr.EACCES)
		return
	}

	// Append mode writes at the current end regardless of the seek offset.
	if f.flags.Append() {
		var st fs.Stat
		if st, err = f.m.fsys.FStat(ctx, f.h); err != nil {
			f.errSet = true
			err = fmt.Errorf("FStat: %w", err)
			return
		}

		f.pos = st.Size
	}

	n, err = f.m.fsys.Write(ctx, f.h, src, f.pos)
	f.pos += int64(n)

	if err != nil {
		f.errSet = true
	}

	return
}

// Seek whence values.
const (
	SeekSet = io.SeekStart
	SeekCur = io.SeekCurrent
	SeekEnd = io.SeekEnd
)

// Lseek repositions the descriptor's seek offset and clears its EOF flag.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Lseek(ctx context.Context, fd int, off int64, whence int) (pos int64, err error) {
	defer v.recordTaskErr(ctx, &err)

	f, err := v.lookupFile(fd)
	if err != nil {
		return
	}

	switch whence {
	case SeekSet:
		pos = off

	case SeekCur:
		pos = f.pos + off

	case SeekEnd:
		var st fs.Stat
		if st, err = f.m.fsys.FStat(ctx, f.h); err != nil {
			err = fmt.Errorf("FStat: %w", err)
			return
		}

		pos = st.Size + off

	default:
		err = fmt.Errorf("whence %d: %w", whence, syserr.EINVAL)
		return
	}

	if pos < 0 {
		pos = 0
		err = fmt.Errorf("offset %d: %w", off, syserr.EINVAL)
		return
	}

	f.pos = pos
	f.eof = false
	return
}

// Ioctl forwards a device request on the descriptor.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Ioctl(ctx context.Context, fd int, req int, arg any) (err error) {
	defer v.recordTaskErr(ctx, &err)

	f, err := v.lookupFile(fd)
	if err != nil {
		return
	}

	return f.m.fsys.Ioctl(ctx, f.h, req, arg)
}

// Flush asks the backend to push the descriptor's buffered state down.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Flush(ctx context.Context, fd int) (err error) {
	defer v.recordTaskErr(ctx, &err)

	f, err := v.lookupFile(fd)
	if err != nil {
		return
	}

	return f.m.fsys.Flush(ctx, f.h)
}

// FStat stats the open file behind the descriptor.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) FStat(ctx context.Context, fd int) (st fs.Stat, err error) {
	defer v.recordTaskErr(ctx, &err)

	f, err := v.lookupFile(fd)
	if err != nil {
		return
	}

	return f.m.fsys.FStat(ctx, f.h)
}

// EOF reports whether the descriptor has observed end of file.
func (v *Vfs) EOF(fd int) (eof bool, err error) {
	f, err := v.lookupFile(fd)
	if err != nil {
		return
	}

	return f.eof, nil
}

// Error reports whether an operation on the descriptor has failed.
func (v *Vfs) Error(fd int) (set bool, err error) {
	f, err := v.lookupFile(fd)
	if err != nil {
		return
	}

	return f.errSet, nil
}
