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

// Package extlib is the ext file system library behind the ext4fs
// backend: the rev-1 block-map layout (superblock, block groups, bitmap
// allocators, block-map inodes, directories) plus a formatter. All device
// access goes through the block device's cache, and the caller's
// installed lock serializes every call.
package extlib

import (
	"context"
	"fmt"

	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/internal/syserr"
)

// Superblock constants.
const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagic         = 0xEF53

	rootIno  = 2
	firstIno = 11

	inodeSize = 128
)

// Feature bits the library knows about.
const (
	featureCompatHasJournal = 0x0004
	featureIncompatFiletype = 0x0002
	featureIncompatRecover  = 0x0004
)

// Inode mode bits.
const (
	modeFIFO = 0x1000
	modeChar = 0x2000
	modeDir  = 0x4000
	modeBlk  = 0x6000
	modeReg  = 0x8000
	modeLink = 0xA000

	modeTypeMask = 0xF000
)

// Directory entry file types (FILETYPE feature).
const (
	fileTypeUnknown = 0
	fileTypeReg     = 1
	fileTypeDir     = 2
	fileTypeFifo    = 5
)

// Stat describes one inode to the driver above.
type Stat struct {
	Ino   uint32
	Mode  uint16
	Uid   uint16
	Gid   uint16
	Size  uint64
	Links uint16
	Atime uint32
	Ctime uint32
	Mtime uint32
}

// DirEntry is one directory listing entry.
type DirEntry struct {
	Ino  uint32
	Name string
	Type uint8
}

// StatFS summarizes the volume.
type StatFS struct {
	BlockSize   uint32
	BlocksCount uint32
	FreeBlocks  uint32
	InodesCount uint32
	FreeInodes  uint32
}

// superblock is the in-memory mirror of the interesting fields.
type superblock struct {
	inodesCount     uint32
	blocksCount     uint32
	freeBlocksCount uint32
	freeInodesCount uint32
	firstDataBlock  uint32
	logBlockSize    uint32
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	featureCompat   uint32
	featureIncompat uint32
	featureROCompat uint32
}

// Fs is one mounted volume.
type Fs struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev *blockdev.Device

	// Supplies the second-granularity timestamps stamped on create and
	// write.
	now func() uint32

	/////////////////////////
	// Constant data
	/////////////////////////

	readOnly  bool
	blockSize uint32
	groups    uint32

	// Blocks occupied by the group descriptor table.
	gdBlocks uint32

	/////////////////////////
	// Mutable state (under the caller's installed lock)
	/////////////////////////

	sb superblock
}

// MountConfig parameterizes Mount.
type MountConfig struct {
	ReadOnly bool

	// Timestamp source; nil stamps zeros.
	Now func() uint32
}

// Mount parses and validates the superblock and prepares the volume for
// use. A journalled volume is only mountable read-only, and a volume with
// a dirty journal is refused.
func Mount(ctx context.Context, dev *blockdev.Device, cfg MountConfig) (f *Fs, err error) {
	f = &Fs{
		dev:      dev,
		now:      cfg.Now,
		readOnly: cfg.ReadOnly,
	}

	if f.now == nil {
		f.now = func() uint32 { return 0 }
	}

	raw := make([]byte, superblockSize)
	if err = dev.ReadBytes(ctx, superblockOffset, raw); err != nil {
		f = nil
		return nil, fmt.Errorf("reading superblock: %w", err)
	}

	if le16(raw[56:]) != extMagic {
		return nil, fmt.Errorf("bad magic %#x: %w", le16(raw[56:]), syserr.EIO)
	}

	sb := superblock{
		inodesCount:     le32(raw[0:]),
		blocksCount:     le32(raw[4:]),
		freeBlocksCount: le32(raw[12:]),
		freeInodesCount: le32(raw[16:]),
		firstDataBlock:  le32(raw[20:]),
		logBlockSize:    le32(raw[24:]),
		blocksPerGroup:  le32(raw[32:]),
		inodesPerGroup:  le32(raw[40:]),
	}

	if le32(raw[76:]) >= 1 {
		sb.featureCompat = le32(raw[92:])
		sb.featureIncompat = le32(raw[96:])
		sb.featureROCompat = le32(raw[100:])

		if is := le16(raw[88:]); is != inodeSize {
			return nil, fmt.Errorf("inode size %d unsupported: %w", is, syserr.ENOTSUP)
		}
	}

	if sb.featureIncompat&featureIncompatRecover != 0 {
		return nil, fmt.Errorf("dirty journal: %w", syserr.ENOTSUP)
	}

	if sb.featureIncompat&^uint32(featureIncompatFiletype) != 0 {
		return nil, fmt.Errorf(
			"incompatible features %#x: %w",
			sb.featureIncompat,
			syserr.ENOTSUP)
	}

	// Journalled volumes (ext3/4) are mounted read-only regardless of what
	// the caller asked for; journal calls are then no-ops. Only a dirty
	// journal (the recover bit above) is refused.
	if sb.featureCompat&featureCompatHasJournal != 0 {
		f.readOnly = true
	}

	f.sb = sb
	f.blockSize = 1024 << sb.logBlockSize
	f.groups = (sb.blocksCount - sb.firstDataBlock + sb.blocksPerGroup - 1) / sb.blocksPerGroup
	f.gdBlocks = (f.groups*32 + f.blockSize - 1) / f.blockSize

	if err = dev.SetLogicalBlockSize(f.blockSize); err != nil {
		return nil, fmt.Errorf("SetLogicalBlockSize: %w", err)
	}

	return
}

// ReplayJournal verifies journal state. With no journal it is a no-op; a
// clean journalled volume passes (it is mounted read-only), and recovery
// needs were already refused at mount.
func (f *Fs) ReplayJournal(ctx context.Context) error {
	return nil
}

// Sync pushes the superblock mirror back to the device.
func (f *Fs) Sync(ctx context.Context) (err error) {
	if f.readOnly {
		return
	}

	return f.flushSuper(ctx)
}

// Unmount flushes the superblock mirror back to the device.
func (f *Fs) Unmount(ctx context.Context) (err error) {
	if f.readOnly {
		return
	}

	return f.flushSuper(ctx)
}

// ReadOnly reports the mount mode.
func (f *Fs) ReadOnly() bool {
	return f.readOnly
}

// BlockSize returns the volume's block size in bytes.
func (f *Fs) BlockSize() uint32 {
	return f.blockSize
}

// StatFS summarizes capacity from the superblock mirror.
func (f *Fs) StatFS(ctx context.Context) (s StatFS, err error) {
	s = StatFS{
		BlockSize:   f.blockSize,
		BlocksCount: f.sb.blocksCount,
		FreeBlocks:  f.sb.freeBlocksCount,
		InodesCount: f.sb.inodesCount,
		FreeInodes:  f.sb.freeInodesCount,
	}
	return
}

// flushSuper writes the mutable superblock counters back.
func (f *Fs) flushSuper(ctx context.Context) (err error) {
	raw := make([]byte, superblockSize)
	if err = f.dev.ReadBytes(ctx, superblockOffset, raw); err != nil {
		return fmt.Errorf("reading superblock: %w", err)
	}

	putLE32(raw[12:], f.sb.freeBlocksCount)
	putLE32(raw[16:], f.sb.freeInodesCount)
	putLE32(raw[48:], f.now()) // write time

	if err = f.dev.WriteBytes(ctx, superblockOffset, raw); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}

	return
}

func (f *Fs) checkWritable() error {
	if f.readOnly {
		return fmt.Errorf("read-only volume: %w", syserr.EACCES)
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Group descriptors
////////////////////////////////////////////////////////////////////////

// groupDesc is the in-memory form of one block group descriptor.
type groupDesc struct {
	blockBitmap uint32
	inodeBitmap uint32
	inodeTable  uint32
	freeBlocks  uint16
	freeInodes  uint16
	usedDirs    uint16
}

// gdLocation returns the block and offset of group g's descriptor.
func (f *Fs) gdLocation(g uint32) (blk uint32, off uint32) {
	perBlock := f.blockSize / 32
	blk = f.sb.firstDataBlock + 1 + g/perBlock
	off = (g % perBlock) * 32
	return
}

// readGroupDesc loads group g's descriptor.
//
// The caller's installed lock must be held throughout, as for every
// method of Fs.
func (f *Fs) readGroupDesc(ctx context.Context, g uint32) (gd groupDesc, err error) {
	blk, off := f.gdLocation(g)

	b, err := f.dev.GetBlock(ctx, uint64(blk))
	if err != nil {
		return
	}

	raw := b.Data[off:]
	gd = groupDesc{
		blockBitmap: le32(raw[0:]),
		inodeBitmap: le32(raw[4:]),
		inodeTable:  le32(raw[8:]),
		freeBlocks:  le16(raw[12:]),
		freeInodes:  le16(raw[14:]),
		usedDirs:    le16(raw[16:]),
	}

	err = f.dev.PutBlock(ctx, b)
	return
}

// writeGroupDesc stores group g's descriptor.
func (f *Fs) writeGroupDesc(ctx context.Context, g uint32, gd groupDesc) (err error) {
	blk, off := f.gdLocation(g)

	b, err := f.dev.GetBlock(ctx, uint64(blk))
	if err != nil {
		return
	}

	raw := b.Data[off:]
	putLE32(raw[0:], gd.blockBitmap)
	putLE32(raw[4:], gd.inodeBitmap)
	putLE32(raw[8:], gd.inodeTable)
	putLE16(raw[12:], gd.freeBlocks)
	putLE16(raw[14:], gd.freeInodes)
	putLE16(raw[16:], gd.usedDirs)

	b.Dirty = true
	return f.dev.PutBlock(ctx, b)
}

////////////////////////////////////////////////////////////////////////
// Little-endian helpers
////////////////////////////////////////////////////////////////////////

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
