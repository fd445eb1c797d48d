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

// Package devfs implements the device file system: a flat namespace whose
// entries are driver links or pipes. Drivers are registered by the board
// support at boot via mknod; pipes are created on demand via mkfifo.
package devfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
)

// How long entry points wait for the FS mutex before giving up.
const lockTimeout = time.Second

// entry is one node of the flat namespace: a driver link or a pipe.
type entry struct {
	name  string
	ctime time.Time

	// Exactly one of drv and pipe is set.
	drv  fs.Driver
	pipe *kernel.Pipe

	// Open handles on this entry; non-zero forbids removal.
	opens int
}

func (e *entry) kind() fs.FileType {
	if e.drv != nil {
		return fs.TypeDevice
	}
	return fs.TypePipe
}

// openFile is the backend handle for one open on an entry.
type openFile struct {
	e *entry
}

type fileSystem struct {
	fs.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	pipeCapacity int

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu *kernel.Mutex

	// Entries in creation order; lookup is linear.
	//
	// GUARDED_BY(mu)
	entries []*entry

	// Open handles across the instance; governs unmountability.
	//
	// GUARDED_BY(mu)
	openCount int
}

// New creates an empty devfs instance. pipeCapacity bounds the byte queue
// of every pipe created within it; zero picks the kernel default.
func New(clock timeutil.Clock, pipeCapacity int) fs.FileSystem {
	return &fileSystem{
		clock:        clock,
		pipeCapacity: pipeCapacity,
		mu:           kernel.NewMutex(),
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// leafName rejects paths with subdirectories: the namespace is flat.
func leafName(path string) (name string, err error) {
	name = strings.Trim(path, "/")
	if name == "" || strings.Contains(name, "/") {
		err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
	}

	return
}

// LOCKS_REQUIRED(d.mu)
func (d *fileSystem) find(name string) *entry {
	for _, e := range d.entries {
		if e.name == name {
			return e
		}
	}

	return nil
}

func (d *fileSystem) lock(ctx context.Context) error {
	return d.mu.Lock(ctx, lockTimeout)
}

////////////////////////////////////////////////////////////////////////
// Capability table
////////////////////////////////////////////////////////////////////////

func (d *fileSystem) Release(ctx context.Context) (err error) {
	if err = d.lock(ctx); err != nil {
		return
	}
	defer d.mu.Unlock()

	if d.openCount != 0 {
		return fmt.Errorf("%d open files: %w", d.openCount, syserr.EBUSY)
	}

	for _, e := range d.entries {
		if e.pipe != nil {
			e.pipe.Close()
		}
	}

	d.entries = nil
	return
}

func (d *fileSystem) Open(
	ctx context.Context,
	path string,
	flags fs.OpenFlags) (h fs.Handle, err error) {
	name, err := leafName(path)
	if err != nil {
		return
	}

	if err = d.lock(ctx); err != nil {
		return
	}

	e := d.find(name)
	if e == nil {
		d.mu.Unlock()
		err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
		return
	}

	drv := e.drv
	d.mu.Unlock()

	// Opening a pipe always succeeds; a driver gets a say, without the FS
	// mutex held.
	if drv != nil {
		if err = drv.Open(ctx, flags); err != nil {
			err = fmt.Errorf("driver Open: %w", err)
			return
		}
	}

	if err = d.lock(ctx); err != nil {
		return
	}
	defer d.mu.Unlock()

	e.opens++
	d.openCount++
	h = &openFile{e: e}
	return
}

func (d *fileSystem) Close(ctx context.Context, h fs.Handle, force bool) (err error) {
	of := h.(*openFile)

	if of.e.drv != nil {
		if err = of.e.drv.Close(ctx, force); err != nil && !force {
			err = fmt.Errorf("driver Close: %w", err)
			return
		}
	}

	if force {
		d.mu.ForceLock()
	} else if err = d.lock(ctx); err != nil {
		return
	}
	defer d.mu.Unlock()

	of.e.opens--
	d.openCount--
	return
}

func (d *fileSystem) Read(
	ctx context.Context,
	h fs.Handle,
	dst []byte,
	off int64) (n int, err error) {
	of := h.(*openFile)

	// Pipe and driver reads may suspend arbitrarily; the FS mutex is not
	// held across them.
	if of.e.drv != nil {
		return of.e.drv.Read(ctx, dst, off)
	}

	return of.e.pipe.Read(ctx, dst)
}

func (d *fileSystem) Write(
	ctx context.Context,
	h fs.Handle,
	src []byte,
	off int64) (n int, err error) {
	of := h.(*openFile)

	if of.e.drv != nil {
		return of.e.drv.Write(ctx, src, off)
	}

	n, err = of.e.pipe.Write(ctx, src)
	if err == io.ErrClosedPipe {
		err = fmt.Errorf("pipe closed: %w", syserr.EPERM)
	}

	return
}

func (d *fileSystem) Ioctl(
	ctx context.Context,
	h fs.Handle,
	req int,
	arg any) (err error) {
	of := h.(*openFile)

	if of.e.drv != nil {
		return of.e.drv.Ioctl(ctx, req, arg)
	}

	if req == fs.IoctlPipeClose {
		of.e.pipe.Close()
		return
	}

	return syserr.ENOTSUP
}

func (d *fileSystem) Flush(ctx context.Context, h fs.Handle) (err error) {
	of := h.(*openFile)

	if of.e.drv != nil {
		return of.e.drv.Flush(ctx)
	}

	return
}

func (d *fileSystem) FStat(ctx context.Context, h fs.Handle) (st fs.Stat, err error) {
	of := h.(*openFile)
	return d.statEntry(ctx, of.e)
}

func (d *fileSystem) statEntry(ctx context.Context, e *entry) (st fs.Stat, err error) {
	if e.drv != nil {
		var dst fs.DeviceStat
		if dst, err = e.drv.Stat(ctx); err != nil {
			err = fmt.Errorf("driver Stat: %w", err)
			return
		}

		st = fs.Stat{
			Size:  dst.Size,
			Mode:  0666 | os.ModeDevice,
			Type:  fs.TypeDevice,
			Dev:   uint32(dst.Major)<<8 | uint32(dst.Minor),
			Ctime: e.ctime,
			Mtime: e.ctime,
		}
		return
	}

	// A pipe reports its current queue depth as its size.
	st = fs.Stat{
		Size:  int64(e.pipe.Len()),
		Mode:  0644 | os.ModeNamedPipe,
		Type:  fs.TypePipe,
		Ctime: e.ctime,
		Mtime: e.ctime,
	}
	return
}

// MkDir always fails: the namespace is flat.
func (d *fileSystem) MkDir(ctx context.Context, path string, mode os.FileMode) error {
	return fmt.Errorf("devfs has no directories: %w", syserr.EPERM)
}

func (d *fileSystem) MkFifo(ctx context.Context, path string) (err error) {
	name, err := leafName(path)
	if err != nil {
		return
	}

	if err = d.lock(ctx); err != nil {
		return
	}
	defer d.mu.Unlock()

	if d.find(name) != nil {
		return fmt.Errorf("%q: %w", path, syserr.EEXIST)
	}

	d.entries = append(d.entries, &entry{
		name:  name,
		ctime: d.clock.Now(),
		pipe:  kernel.NewPipe(d.pipeCapacity),
	})
	return
}

func (d *fileSystem) MkNod(ctx context.Context, path string, cfg fs.DriverConfig) (err error) {
	if cfg.Driver == nil {
		return fmt.Errorf("nil driver: %w", syserr.EINVAL)
	}

	name, err := leafName(path)
	if err != nil {
		return
	}

	if err = d.lock(ctx); err != nil {
		return
	}
	defer d.mu.Unlock()

	if d.find(name) != nil {
		return fmt.Errorf("%q: %w", path, syserr.EEXIST)
	}

	d.entries = append(d.entries, &entry{
		name:  name,
		ctime: d.clock.Now(),
		drv:   cfg.Driver,
	})
	return
}

type dirIter struct {
	d       *fileSystem
	entries []*entry
	pos     int
}

func (it *dirIter) NextEntry(ctx context.Context) (e fs.DirEntry, err error) {
	if it.pos >= len(it.entries) {
		err = io.EOF
		return
	}

	ent := it.entries[it.pos]
	it.pos++

	st, err := it.d.statEntry(ctx, ent)
	if err != nil {
		return
	}

	e = fs.DirEntry{Name: ent.name, Type: ent.kind(), Size: st.Size}
	return
}

func (it *dirIter) Close(ctx context.Context) error {
	it.entries = nil
	return nil
}

func (d *fileSystem) OpenDir(ctx context.Context, path string) (it fs.DirIter, err error) {
	if strings.Trim(path, "/") != "" {
		err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
		return
	}

	if err = d.lock(ctx); err != nil {
		return
	}
	defer d.mu.Unlock()

	snapshot := make([]*entry, len(d.entries))
	copy(snapshot, d.entries)

	it = &dirIter{d: d, entries: snapshot}
	return
}

func (d *fileSystem) Remove(ctx context.Context, path string) (err error) {
	name, err := leafName(path)
	if err != nil {
		return
	}

	if err = d.lock(ctx); err != nil {
		return
	}
	defer d.mu.Unlock()

	e := d.find(name)
	if e == nil {
		return fmt.Errorf("%q: %w", path, syserr.ENOENT)
	}

	if e.opens != 0 {
		return fmt.Errorf("%q has %d open handles: %w", path, e.opens, syserr.EBUSY)
	}

	if e.pipe != nil {
		e.pipe.Close()
	}

	for i, cand := range d.entries {
		if cand == e {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}

	return
}

func (d *fileSystem) Stat(ctx context.Context, path string) (st fs.Stat, err error) {
	// The root itself stats as a directory.
	if strings.Trim(path, "/") == "" {
		st = fs.Stat{Mode: 0755 | os.ModeDir, Type: fs.TypeDir}
		return
	}

	name, err := leafName(path)
	if err != nil {
		return
	}

	if err = d.lock(ctx); err != nil {
		return
	}

	e := d.find(name)
	d.mu.Unlock()

	if e == nil {
		err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
		return
	}

	return d.statEntry(ctx, e)
}

func (d *fileSystem) StatFS(ctx context.Context) (sfs fs.StatFS, err error) {
	sfs = fs.StatFS{
		BlockSize: 1,
		FSName:    "devfs",
	}
	return
}

func (d *fileSystem) Sync(ctx context.Context) error {
	return nil
}

func (d *fileSystem) OpenCount() (n int) {
	d.mu.ForceLock()
	defer d.mu.Unlock()
	return d.openCount
}
