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

// Package fatfs implements the FAT12/16/32 backend with long file names
// and an OEM code page table, over a block device. One mutex serializes
// every public entry point per volume; a single sector window buffers
// device access and is re-synced before it moves.
package fatfs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
)

// How long entry points wait for the volume mutex.
const lockTimeout = 10 * time.Second

// Boot sector field offsets, per the canonical layout.
const (
	offBytsPerSec = 11
	offSecPerClus = 13
	offRsvdSecCnt = 14
	offNumFATs    = 16
	offRootEntCnt = 17
	offTotSec16   = 19
	offFATSz16    = 22
	offTotSec32   = 32
	offFATSz32    = 36
	offRootClus   = 44
	offVolID16    = 39
	offVolID32    = 67
	offSignature  = 510
)

// Directory entry attribute bits.
const (
	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	attrLFN      = 0x0F
)

const dirEntrySize = 32

type volume struct {
	fs.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	dev   *blockdev.Device
	clock timeutil.Clock

	// Releases the source the volume lives on; set by the mount glue.
	closeSource func(ctx context.Context) error

	/////////////////////////
	// Constant data (after mount)
	/////////////////////////

	readOnly bool

	fatType    fatType
	ssize      uint32 // bytes per sector
	secPerClus uint32
	rsvdSecCnt uint32
	numFATs    uint32
	fatSize    uint32 // sectors per FAT
	fatStart   uint32

	rootEntCnt     uint32
	rootDirStart   uint32 // FAT12/16 fixed root region
	rootDirSectors uint32
	rootClus       uint32 // FAT32 root chain

	dataStart       uint32
	countOfClusters uint32
	volID           uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu *kernel.Mutex

	// The sector window.
	//
	// GUARDED_BY(mu)
	win       []byte
	winSector uint32
	winValid  bool
	winDirty  bool

	// GUARDED_BY(mu)
	openCount int
}

// fatFile is the backend handle for one open file.
type fatFile struct {
	name  string
	flags fs.OpenFlags

	// Location of the 8.3 directory entry, for size and time updates.
	loc dirLoc

	firstClus uint32
	size      uint32
	attr      byte
}

// New mounts a FAT volume living on the supplied device. The device's
// physical block size must equal the volume's sector size.
func New(
	ctx context.Context,
	dev *blockdev.Device,
	clock timeutil.Clock,
	readOnly bool) (v *volume, err error) {
	v = &volume{
		dev:      dev,
		clock:    clock,
		readOnly: readOnly,
		mu:       kernel.NewMutex(),
	}

	if err = v.mountParse(ctx); err != nil {
		v = nil
		return
	}

	return
}

// SetCloseSource installs a callback run at Release, used by the mount
// glue to close the backing source file.
func (v *volume) SetCloseSource(fn func(ctx context.Context) error) {
	v.closeSource = fn
}

// mountParse reads and validates the boot sector and derives the volume
// geometry.
func (v *volume) mountParse(ctx context.Context) (err error) {
	bsize := v.dev.PhysBlockSize()
	boot := make([]byte, bsize)
	if err = v.dev.GetBlocksDirect(ctx, 0, boot, 1); err != nil {
		return fmt.Errorf("reading boot sector: %w", err)
	}

	if len(boot) < offSignature+2 || boot[offSignature] != 0x55 || boot[offSignature+1] != 0xAA {
		return fmt.Errorf("missing 55AA signature: %w", syserr.EIO)
	}

	v.ssize = uint32(le16(boot[offBytsPerSec:]))
	if v.ssize != bsize {
		return fmt.Errorf(
			"sector size %d vs. device block size %d: %w",
			v.ssize,
			bsize,
			syserr.EIO)
	}

	v.secPerClus = uint32(boot[offSecPerClus])
	v.rsvdSecCnt = uint32(le16(boot[offRsvdSecCnt:]))
	v.numFATs = uint32(boot[offNumFATs])
	v.rootEntCnt = uint32(le16(boot[offRootEntCnt:]))

	if v.secPerClus == 0 || v.rsvdSecCnt == 0 || v.numFATs == 0 {
		return fmt.Errorf("degenerate BPB: %w", syserr.EIO)
	}

	totSec := uint32(le16(boot[offTotSec16:]))
	if totSec == 0 {
		totSec = le32(boot[offTotSec32:])
	}

	v.fatSize = uint32(le16(boot[offFATSz16:]))
	if v.fatSize == 0 {
		v.fatSize = le32(boot[offFATSz32:])
	}

	v.fatStart = v.rsvdSecCnt
	v.rootDirSectors = (v.rootEntCnt*dirEntrySize + v.ssize - 1) / v.ssize
	v.rootDirStart = v.rsvdSecCnt + v.numFATs*v.fatSize
	v.dataStart = v.rootDirStart + v.rootDirSectors

	if totSec <= v.dataStart {
		return fmt.Errorf("no data region: %w", syserr.EIO)
	}

	v.countOfClusters = (totSec - v.dataStart) / v.secPerClus

	switch {
	case v.countOfClusters < 4085:
		v.fatType = fat12
		v.volID = le32(boot[offVolID16:])
	case v.countOfClusters < 65525:
		v.fatType = fat16
		v.volID = le32(boot[offVolID16:])
	default:
		v.fatType = fat32
		v.volID = le32(boot[offVolID32:])
		v.rootClus = le32(boot[offRootClus:])
	}

	v.win = make([]byte, v.ssize)
	return
}

////////////////////////////////////////////////////////////////////////
// Sector window
////////////////////////////////////////////////////////////////////////

// winSync writes the window out if dirty.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) winSync(ctx context.Context) (err error) {
	if !v.winDirty {
		return
	}

	if err = v.dev.SetBlocksDirect(ctx, uint64(v.winSector), v.win, 1); err != nil {
		return fmt.Errorf("SetBlocksDirect(%d): %w", v.winSector, err)
	}

	v.winDirty = false
	return
}

// winLoad points the window at the given sector, syncing first if it is
// moving away from a dirty one.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) winLoad(ctx context.Context, sector uint32) (err error) {
	if v.winValid && v.winSector == sector {
		return
	}

	if err = v.winSync(ctx); err != nil {
		return
	}

	if err = v.dev.GetBlocksDirect(ctx, uint64(sector), v.win, 1); err != nil {
		v.winValid = false
		return fmt.Errorf("GetBlocksDirect(%d): %w", sector, err)
	}

	v.winSector = sector
	v.winValid = true
	return
}

// readSector reads a whole sector, serving it from the window when the
// window holds it.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) readSector(ctx context.Context, sector uint32, dst []byte) (err error) {
	if v.winValid && v.winSector == sector {
		copy(dst, v.win)
		return
	}

	return v.dev.GetBlocksDirect(ctx, uint64(sector), dst, 1)
}

// writeSector writes a whole sector directly, keeping the window
// coherent.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) writeSector(ctx context.Context, sector uint32, src []byte) (err error) {
	if err = v.dev.SetBlocksDirect(ctx, uint64(sector), src, 1); err != nil {
		return
	}

	if v.winValid && v.winSector == sector {
		copy(v.win, src)
		v.winDirty = false
	}

	return
}

func (v *volume) lock(ctx context.Context) error {
	return v.mu.Lock(ctx, lockTimeout)
}

func (v *volume) checkWritable() error {
	if v.readOnly {
		return fmt.Errorf("read-only volume: %w", syserr.EACCES)
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Capability table
////////////////////////////////////////////////////////////////////////

func (v *volume) Release(ctx context.Context) (err error) {
	if err = v.lock(ctx); err != nil {
		return
	}

	if v.openCount != 0 {
		v.mu.Unlock()
		return fmt.Errorf("%d open files: %w", v.openCount, syserr.EBUSY)
	}

	err = v.winSync(ctx)
	v.mu.Unlock()

	if err != nil {
		return
	}

	if v.closeSource != nil {
		if err = v.closeSource(ctx); err != nil {
			return fmt.Errorf("closing source: %w", err)
		}
	}

	return
}

func (v *volume) Open(
	ctx context.Context,
	path string,
	flags fs.OpenFlags) (h fs.Handle, err error) {
	if flags.Write() || flags.Create() || flags.Truncate() {
		if err = v.checkWritable(); err != nil {
			return
		}
	}

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	dirClus, leaf, err := v.resolveParent(ctx, path)
	if err != nil {
		return
	}

	info, found, err := v.findEntry(ctx, dirClus, leaf)
	if err != nil {
		return
	}

	if !found {
		if !flags.Create() {
			err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
			return
		}

		if info, err = v.createEntry(ctx, dirClus, leaf, 0); err != nil {
			return
		}
	}

	if info.attr&attrDir != 0 {
		err = fmt.Errorf("%q: %w", path, syserr.EISDIR)
		return
	}

	f := &fatFile{
		name:      leaf,
		flags:     flags,
		loc:       info.loc,
		firstClus: info.firstClus,
		size:      info.size,
		attr:      info.attr,
	}

	if flags.Truncate() && f.size > 0 {
		if f.firstClus != 0 {
			if err = v.freeChain(ctx, f.firstClus); err != nil {
				return
			}
		}

		f.firstClus = 0
		f.size = 0
		if err = v.updateEntry(ctx, f); err != nil {
			return
		}
	}

	v.openCount++
	h = f
	return
}

func (v *volume) Close(ctx context.Context, h fs.Handle, force bool) (err error) {
	if force {
		v.mu.ForceLock()
	} else if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	if !v.readOnly {
		if err = v.winSync(ctx); err != nil && !force {
			return
		}
		err = nil
	}

	v.openCount--
	return
}

func (v *volume) Read(
	ctx context.Context,
	h fs.Handle,
	dst []byte,
	off int64) (n int, err error) {
	f := h.(*fatFile)

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	if off >= int64(f.size) {
		return
	}

	if rest := int64(f.size) - off; int64(len(dst)) > rest {
		dst = dst[:rest]
	}

	n, err = v.chainIO(ctx, f.firstClus, uint32(off), dst, false)
	return
}

func (v *volume) Write(
	ctx context.Context,
	h fs.Handle,
	src []byte,
	off int64) (n int, err error) {
	f := h.(*fatFile)

	if err = v.checkWritable(); err != nil {
		return
	}

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	end := uint32(off) + uint32(len(src))

	// Make sure the chain covers [0, end).
	if err = v.ensureChain(ctx, f, end); err != nil {
		return
	}

	if n, err = v.chainIO(ctx, f.firstClus, uint32(off), src, true); err != nil {
		return
	}

	if end > f.size {
		f.size = end
	}

	err = v.updateEntry(ctx, f)
	return
}

func (v *volume) Flush(ctx context.Context, h fs.Handle) (err error) {
	f := h.(*fatFile)

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	if !v.readOnly {
		if err = v.updateEntry(ctx, f); err != nil {
			return
		}
	}

	return v.winSync(ctx)
}

func (v *volume) FStat(ctx context.Context, h fs.Handle) (st fs.Stat, err error) {
	f := h.(*fatFile)

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	st = v.statFromEntryFields(f.attr, f.size, f.loc)
	return
}

func (v *volume) Sync(ctx context.Context) (err error) {
	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	return v.winSync(ctx)
}

func (v *volume) StatFS(ctx context.Context) (sfs fs.StatFS, err error) {
	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	free, err := v.countFreeClusters(ctx)
	if err != nil {
		return
	}

	clusterBytes := uint64(v.secPerClus) * uint64(v.ssize)
	sfs = fs.StatFS{
		TotalBytes: uint64(v.countOfClusters) * clusterBytes,
		FreeBytes:  uint64(free) * clusterBytes,
		BlockSize:  v.ssize,
		FSName:     "fatfs",
	}
	return
}

func (v *volume) OpenCount() (n int) {
	v.mu.ForceLock()
	defer v.mu.Unlock()
	return v.openCount
}

// statFromEntryFields builds a Stat from the cached entry fields. FAT has
// no ownership; permissions reduce to the read-only attribute.
func (v *volume) statFromEntryFields(attr byte, size uint32, loc dirLoc) (st fs.Stat) {
	mode := os.FileMode(0644)
	if attr&attrReadOnly != 0 {
		mode = 0444
	}

	st = fs.Stat{
		Size: int64(size),
		Mode: mode,
		Type: fs.TypeRegular,
	}

	if attr&attrDir != 0 {
		st.Type = fs.TypeDir
		st.Mode |= os.ModeDir | 0111
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Cluster chain I/O
////////////////////////////////////////////////////////////////////////

// chainIO moves bytes between buf and the chain starting at firstClus, at
// byte offset off within the chain.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) chainIO(
	ctx context.Context,
	firstClus uint32,
	off uint32,
	buf []byte,
	write bool) (n int, err error) {
	if len(buf) == 0 || firstClus == 0 {
		return
	}

	clusterBytes := v.secPerClus * v.ssize

	clus, err := v.chainSeek(ctx, firstClus, off/clusterBytes)
	if err != nil {
		return
	}

	offInClus := off % clusterBytes
	sec := make([]byte, v.ssize)

	for n < len(buf) {
		sector := v.clusterSector(clus) + offInClus/v.ssize
		offInSec := offInClus % v.ssize

		span := int(v.ssize - offInSec)
		if span > len(buf)-n {
			span = len(buf) - n
		}

		if write && offInSec == 0 && span == int(v.ssize) {
			// Whole sector; no read-modify-write needed.
			if err = v.writeSector(ctx, sector, buf[n:n+span]); err != nil {
				return
			}
		} else if write {
			if err = v.winLoad(ctx, sector); err != nil {
				return
			}

			copy(v.win[offInSec:], buf[n:n+span])
			v.winDirty = true
		} else {
			if offInSec == 0 && span == int(v.ssize) {
				if err = v.readSector(ctx, sector, buf[n:n+span]); err != nil {
					return
				}
			} else {
				if err = v.readSector(ctx, sector, sec); err != nil {
					return
				}

				copy(buf[n:n+span], sec[offInSec:int(offInSec)+span])
			}
		}

		n += span
		offInClus += uint32(span)

		if offInClus == clusterBytes && n < len(buf) {
			var next uint32
			if next, err = v.fatGet(ctx, clus); err != nil {
				return
			}

			if v.isEOC(next) {
				err = fmt.Errorf("chain ends mid-span: %w", syserr.EIO)
				return
			}

			clus = next
			offInClus = 0
		}
	}

	return
}

// ensureChain extends f's cluster chain to cover size bytes.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) ensureChain(ctx context.Context, f *fatFile, size uint32) (err error) {
	if size == 0 {
		return
	}

	clusterBytes := v.secPerClus * v.ssize
	need := (size + clusterBytes - 1) / clusterBytes

	if f.firstClus == 0 {
		if f.firstClus, err = v.allocCluster(ctx, 0); err != nil {
			return
		}
	}

	clus := f.firstClus
	have := uint32(1)
	for {
		var next uint32
		if next, err = v.fatGet(ctx, clus); err != nil {
			return
		}

		if v.isEOC(next) {
			break
		}

		clus = next
		have++
	}

	for ; have < need; have++ {
		if clus, err = v.allocCluster(ctx, clus); err != nil {
			return
		}
	}

	return
}
