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

// Package ext4fs is the ext backend: capability-table glue over the
// extlib library, on a block device whose storage is typically a file
// opened through the VFS. A recursive mutex is installed as the device
// lock, since the library reenters it; every entry point holds it for the
// whole call.
package ext4fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/fs/ext4fs/extlib"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
)

// Config parameterizes New.
type Config struct {
	// Read-only mount: no write-back, no journal start, writes refused.
	ReadOnly bool

	// Enable write-back caching after mount. Ignored for read-only mounts.
	WriteBack bool

	// Block cache capacity in logical blocks. Zero means the default (16).
	CacheSlots int
}

const defaultCacheSlots = 16

// lockAdapter installs the driver's recursive mutex as the device lock.
type lockAdapter struct {
	mu *kernel.RecursiveMutex
}

func (l lockAdapter) Lock(ctx context.Context)   { l.mu.ForceLock(ctx) }
func (l lockAdapter) Unlock(ctx context.Context) { l.mu.Unlock(ctx) }

// Driver is one mounted ext volume.
type Driver struct {
	fs.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	dev   *blockdev.Device
	lib   *extlib.Fs
	clock timeutil.Clock

	// Releases the source the volume lives on; nil for a raw device.
	closeSource func(ctx context.Context) error

	/////////////////////////
	// Constant data
	/////////////////////////

	readOnly  bool
	writeBack bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The installed lock: recursive, because the library reenters it.
	mu *kernel.RecursiveMutex

	// GUARDED_BY(mu)
	openCount int
}

// handle is the backend handle for one open file.
type handle struct {
	file *extlib.File
}

// New mounts the volume on the supplied device: parses the superblock,
// installs the lock and cache, replays the journal, and enables
// write-back per configuration.
func New(
	ctx context.Context,
	dev *blockdev.Device,
	clock timeutil.Clock,
	cfg Config) (d *Driver, err error) {
	if cfg.CacheSlots == 0 {
		cfg.CacheSlots = defaultCacheSlots
	}

	d = &Driver{
		dev:   dev,
		clock: clock,
		mu:    kernel.NewRecursiveMutex(),
	}

	dev.SetLocker(lockAdapter{mu: d.mu})

	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	lib, err := extlib.Mount(ctx, dev, extlib.MountConfig{
		ReadOnly: cfg.ReadOnly,
		Now:      func() uint32 { return uint32(clock.Now().Unix()) },
	})
	if err != nil {
		d = nil
		return nil, fmt.Errorf("extlib.Mount: %w", err)
	}

	// The library may have downgraded the mount (a journalled volume is
	// served read-only); its answer, not the caller's request, gates
	// writes and write-back.
	d.readOnly = lib.ReadOnly()
	d.writeBack = cfg.WriteBack && !d.readOnly

	// The cache works in the logical block size the superblock dictated.
	dev.BindCache(blockdev.NewCache(cfg.CacheSlots, dev.LogicalBlockSize()))

	if err = lib.ReplayJournal(ctx); err != nil {
		return nil, fmt.Errorf("ReplayJournal: %w", err)
	}

	if d.writeBack {
		if err = dev.SetWriteBack(ctx, true); err != nil {
			return nil, fmt.Errorf("SetWriteBack: %w", err)
		}
	}

	d.lib = lib
	return
}

// SetCloseSource installs a callback run at Release, used by the mount
// glue to close the backing source file.
func (d *Driver) SetCloseSource(fn func(ctx context.Context) error) {
	d.closeSource = fn
}

////////////////////////////////////////////////////////////////////////
// Capability table
////////////////////////////////////////////////////////////////////////

func (d *Driver) Release(ctx context.Context) (err error) {
	d.mu.ForceLock(ctx)

	if d.openCount != 0 {
		d.mu.Unlock(ctx)
		return fmt.Errorf("%d open files: %w", d.openCount, syserr.EBUSY)
	}

	if d.writeBack {
		if err = d.dev.SetWriteBack(ctx, false); err != nil {
			d.mu.Unlock(ctx)
			return fmt.Errorf("SetWriteBack: %w", err)
		}
	}

	err = d.lib.Unmount(ctx)
	d.mu.Unlock(ctx)

	if err != nil {
		return fmt.Errorf("Unmount: %w", err)
	}

	if d.closeSource != nil {
		if err = d.closeSource(ctx); err != nil {
			return fmt.Errorf("closing source: %w", err)
		}
	}

	return
}

func (d *Driver) Open(
	ctx context.Context,
	path string,
	flags fs.OpenFlags) (h fs.Handle, err error) {
	if (flags.Write() || flags.Create() || flags.Truncate()) && d.readOnly {
		err = fmt.Errorf("read-only mount: %w", syserr.EACCES)
		return
	}

	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	file, err := d.lib.OpenFile(ctx, path, flags.Create(), flags.Truncate())
	if err != nil {
		return
	}

	d.openCount++
	h = &handle{file: file}
	return
}

func (d *Driver) Close(ctx context.Context, h fs.Handle, force bool) (err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	d.openCount--
	return
}

func (d *Driver) Read(
	ctx context.Context,
	h fs.Handle,
	dst []byte,
	off int64) (n int, err error) {
	hd := h.(*handle)

	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.lib.ReadAt(ctx, hd.file, dst, off)
}

func (d *Driver) Write(
	ctx context.Context,
	h fs.Handle,
	src []byte,
	off int64) (n int, err error) {
	hd := h.(*handle)

	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.lib.WriteAt(ctx, hd.file, src, off)
}

// Flush forces delayed cache slots out by momentarily dropping the
// write-back depth to zero, then pushes the superblock mirror.
func (d *Driver) Flush(ctx context.Context, h fs.Handle) (err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.syncLocked(ctx)
}

func (d *Driver) Sync(ctx context.Context) (err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.syncLocked(ctx)
}

// LOCKS_REQUIRED(d.mu)
func (d *Driver) syncLocked(ctx context.Context) (err error) {
	if d.readOnly {
		return
	}

	if d.writeBack {
		if err = d.dev.SetWriteBack(ctx, false); err != nil {
			return fmt.Errorf("SetWriteBack(off): %w", err)
		}

		if err = d.dev.SetWriteBack(ctx, true); err != nil {
			return fmt.Errorf("SetWriteBack(on): %w", err)
		}
	}

	return d.lib.Sync(ctx)
}

func (d *Driver) FStat(ctx context.Context, h fs.Handle) (st fs.Stat, err error) {
	hd := h.(*handle)

	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	ls, err := d.lib.FStat(ctx, hd.file)
	if err != nil {
		return
	}

	st = statFromLib(ls)
	return
}

func (d *Driver) Stat(ctx context.Context, path string) (st fs.Stat, err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	ls, err := d.lib.Stat(ctx, path)
	if err != nil {
		return
	}

	st = statFromLib(ls)
	return
}

func statFromLib(ls extlib.Stat) (st fs.Stat) {
	st = fs.Stat{
		Size:  int64(ls.Size),
		Mode:  os.FileMode(ls.Mode & 0777),
		Uid:   uint32(ls.Uid),
		Gid:   uint32(ls.Gid),
		Type:  fs.TypeRegular,
		Ctime: time.Unix(int64(ls.Ctime), 0),
		Mtime: time.Unix(int64(ls.Mtime), 0),
	}

	switch ls.Mode & 0xF000 {
	case 0x4000:
		st.Type = fs.TypeDir
		st.Mode |= os.ModeDir
	case 0x1000:
		st.Type = fs.TypePipe
		st.Mode |= os.ModeNamedPipe
	case 0x2000, 0x6000:
		st.Type = fs.TypeDevice
		st.Mode |= os.ModeDevice
	}

	return
}

func (d *Driver) MkDir(ctx context.Context, path string, mode os.FileMode) (err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.lib.MkDir(ctx, path, uint16(mode.Perm()))
}

type dirIter struct {
	entries []fs.DirEntry
	pos     int
}

func (it *dirIter) NextEntry(ctx context.Context) (e fs.DirEntry, err error) {
	if it.pos >= len(it.entries) {
		err = io.EOF
		return
	}

	e = it.entries[it.pos]
	it.pos++
	return
}

func (it *dirIter) Close(ctx context.Context) error {
	it.entries = nil
	return nil
}

func (d *Driver) OpenDir(ctx context.Context, path string) (it fs.DirIter, err error) {
	d.mu.ForceLock(ctx)

	list, err := d.lib.List(ctx, path)
	if err != nil {
		d.mu.Unlock(ctx)
		return
	}

	entries := make([]fs.DirEntry, 0, len(list))
	for _, le := range list {
		kind := fs.TypeRegular
		if le.Type == 2 {
			kind = fs.TypeDir
		}

		var size int64
		if ls, serr := d.lib.Stat(ctx, path+"/"+le.Name); serr == nil {
			size = int64(ls.Size)
		}

		entries = append(entries, fs.DirEntry{Name: le.Name, Type: kind, Size: size})
	}
	d.mu.Unlock(ctx)

	it = &dirIter{entries: entries}
	return
}

func (d *Driver) Remove(ctx context.Context, path string) (err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.lib.Remove(ctx, path)
}

func (d *Driver) Rename(ctx context.Context, oldPath string, newPath string) (err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.lib.Rename(ctx, oldPath, newPath)
}

func (d *Driver) Chmod(ctx context.Context, path string, mode os.FileMode) (err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.lib.Chmod(ctx, path, uint16(mode.Perm()))
}

func (d *Driver) Chown(ctx context.Context, path string, uid uint32, gid uint32) (err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	return d.lib.Chown(ctx, path, uint16(uid), uint16(gid))
}

func (d *Driver) StatFS(ctx context.Context) (sfs fs.StatFS, err error) {
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)

	ls, err := d.lib.StatFS(ctx)
	if err != nil {
		return
	}

	sfs = fs.StatFS{
		TotalBytes: uint64(ls.BlocksCount) * uint64(ls.BlockSize),
		FreeBytes:  uint64(ls.FreeBlocks) * uint64(ls.BlockSize),
		BlockSize:  ls.BlockSize,
		FSName:     "ext4fs",
	}
	return
}

func (d *Driver) OpenCount() (n int) {
	ctx := context.Background()
	d.mu.ForceLock(ctx)
	defer d.mu.Unlock(ctx)
	return d.openCount
}
