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

package extlib

import (
	"context"
	"fmt"

	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/internal/syserr"
)

// FormatConfig parameterizes Format. The zero value formats with 1 KiB
// blocks.
type FormatConfig struct {
	// Block size in bytes: 1024, 2048, or 4096. Zero means 1024.
	BlockSize uint32

	// Timestamp source for the superblock and root inode; nil stamps
	// zeros.
	Now func() uint32
}

// Format writes an empty rev-1 volume with the FILETYPE feature onto the
// device: superblock and descriptor copies in every group, bitmaps, inode
// tables, and a root directory.
func Format(ctx context.Context, dev *blockdev.Device, cfg FormatConfig) (err error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 1024
	}

	switch cfg.BlockSize {
	case 1024, 2048, 4096:
	default:
		return fmt.Errorf("block size %d: %w", cfg.BlockSize, syserr.EINVAL)
	}

	now := cfg.Now
	if now == nil {
		now = func() uint32 { return 0 }
	}

	bs := cfg.BlockSize
	logBS := uint32(0)
	for 1024<<logBS != bs {
		logBS++
	}

	totalBytes := dev.SizeBytes()
	blocksCount := uint32(totalBytes / uint64(bs))

	firstDataBlock := uint32(0)
	if bs == 1024 {
		firstDataBlock = 1
	}

	blocksPerGroup := bs * 8 // one block bitmap covers this many
	usable := blocksCount - firstDataBlock
	if usable < 16 {
		return fmt.Errorf("device too small to format: %w", syserr.ENOSPC)
	}

	groups := (usable + blocksPerGroup - 1) / blocksPerGroup
	gdBlocks := (groups*32 + bs - 1) / bs

	// One inode per four blocks, rounded up to a byte of bitmap.
	inodesPerGroup := (blocksPerGroup/4 + 7) &^ uint32(7)
	if max := bs * 8; inodesPerGroup > max {
		inodesPerGroup = max
	}
	itBlocks := (inodesPerGroup*inodeSize + bs - 1) / bs

	overhead := 1 + gdBlocks + 1 + 1 + itBlocks // sb copy, gd, bitmaps, table
	if overhead+2 >= blocksPerGroup && groups > 1 || overhead+2 >= usable {
		return fmt.Errorf("geometry leaves no data blocks: %w", syserr.ENOSPC)
	}

	if err = dev.SetLogicalBlockSize(bs); err != nil {
		return
	}

	type groupLayout struct {
		start       uint32 // first block of the group
		count       uint32 // blocks covered
		blockBitmap uint32
		inodeBitmap uint32
		inodeTable  uint32
	}

	layouts := make([]groupLayout, groups)
	for g := uint32(0); g < groups; g++ {
		start := firstDataBlock + g*blocksPerGroup
		count := blocksPerGroup
		if start+count > blocksCount {
			count = blocksCount - start
		}

		base := start + 1 + gdBlocks
		layouts[g] = groupLayout{
			start:       start,
			count:       count,
			blockBitmap: base,
			inodeBitmap: base + 1,
			inodeTable:  base + 2,
		}
	}

	zero := make([]byte, bs)
	writeBlock := func(blk uint32, data []byte) error {
		return dev.SetBlocksDirect(ctx, uint64(blk), data, 1)
	}

	// Root directory data lives in the first data block of group zero.
	rootBlk := layouts[0].inodeTable + itBlocks

	freeBlocksTotal := uint32(0)
	freeInodesTotal := uint32(0)

	for g := uint32(0); g < groups; g++ {
		l := layouts[g]

		// Block bitmap: overhead blocks used, tail beyond the group marked
		// used so they never allocate.
		bbm := make([]byte, bs)
		used := overhead
		if g == 0 {
			used++ // root directory block
		}

		for i := uint32(0); i < blocksPerGroup; i++ {
			inUse := i < used || i >= l.count
			if inUse {
				bbm[i/8] |= 1 << (i % 8)
			}
		}

		if err = writeBlock(l.blockBitmap, bbm); err != nil {
			return fmt.Errorf("writing block bitmap: %w", err)
		}

		groupFreeBlocks := uint16(0)
		if l.count > used {
			groupFreeBlocks = uint16(l.count - used)
		}
		freeBlocksTotal += uint32(groupFreeBlocks)

		// Inode bitmap: group zero reserves the first inodes.
		ibm := make([]byte, bs)
		reserved := uint32(0)
		if g == 0 {
			reserved = firstIno - 1
		}

		for i := uint32(0); i < bs*8; i++ {
			if i < reserved || i >= inodesPerGroup {
				ibm[i/8] |= 1 << (i % 8)
			}
		}

		if err = writeBlock(l.inodeBitmap, ibm); err != nil {
			return fmt.Errorf("writing inode bitmap: %w", err)
		}

		groupFreeInodes := uint16(inodesPerGroup - reserved)
		freeInodesTotal += uint32(groupFreeInodes)

		// Zero the inode table.
		for i := uint32(0); i < itBlocks; i++ {
			if err = writeBlock(l.inodeTable+i, zero); err != nil {
				return fmt.Errorf("zeroing inode table: %w", err)
			}
		}

		// Descriptor table copy for this group describes all groups.
		gd := make([]byte, gdBlocks*bs)
		for og := uint32(0); og < groups; og++ {
			ol := layouts[og]
			raw := gd[og*32:]

			ogOverhead := overhead
			if og == 0 {
				ogOverhead++
			}

			ogFreeBlocks := uint32(0)
			if ol.count > ogOverhead {
				ogFreeBlocks = ol.count - ogOverhead
			}
			ogFreeInodes := inodesPerGroup
			ogUsedDirs := uint16(0)
			if og == 0 {
				ogFreeInodes -= firstIno - 1
				ogUsedDirs = 1
			}

			putLE32(raw[0:], ol.blockBitmap)
			putLE32(raw[4:], ol.inodeBitmap)
			putLE32(raw[8:], ol.inodeTable)
			putLE16(raw[12:], uint16(ogFreeBlocks))
			putLE16(raw[14:], uint16(ogFreeInodes))
			putLE16(raw[16:], ogUsedDirs)
		}

		for i := uint32(0); i < gdBlocks; i++ {
			if err = writeBlock(l.start+1+i, gd[i*bs:(i+1)*bs]); err != nil {
				return fmt.Errorf("writing group descriptors: %w", err)
			}
		}
	}

	// The root directory block.
	root := make([]byte, bs)
	writeEntry(root, rootIno, 12, ".", fileTypeDir)
	writeEntry(root[12:], rootIno, uint16(bs-12), "..", fileTypeDir)
	if err = writeBlock(rootBlk, root); err != nil {
		return fmt.Errorf("writing root directory: %w", err)
	}

	// The root inode, in group zero's table.
	itBlock := make([]byte, bs)
	if err = dev.GetBlocksDirect(ctx, uint64(layouts[0].inodeTable), itBlock, 1); err != nil {
		return
	}

	ts := now()
	rootRaw := itBlock[(rootIno-1)*inodeSize:]
	putLE16(rootRaw[0:], modeDir|0755)
	putLE32(rootRaw[4:], bs) // size: one block
	putLE32(rootRaw[8:], ts)
	putLE32(rootRaw[12:], ts)
	putLE32(rootRaw[16:], ts)
	putLE16(rootRaw[26:], 2) // "." and ".."
	putLE32(rootRaw[28:], bs/512)
	putLE32(rootRaw[40:], rootBlk)

	if err = writeBlock(layouts[0].inodeTable, itBlock); err != nil {
		return fmt.Errorf("writing root inode: %w", err)
	}

	// The superblock, written at byte 1024 of the volume (the primary) and
	// at the start of every later group (the copies).
	sb := make([]byte, superblockSize)
	putLE32(sb[0:], inodesPerGroup*groups)
	putLE32(sb[4:], blocksCount)
	putLE32(sb[12:], freeBlocksTotal)
	putLE32(sb[16:], freeInodesTotal)
	putLE32(sb[20:], firstDataBlock)
	putLE32(sb[24:], logBS)
	putLE32(sb[28:], logBS)
	putLE32(sb[32:], blocksPerGroup)
	putLE32(sb[36:], blocksPerGroup)
	putLE32(sb[40:], inodesPerGroup)
	putLE32(sb[48:], ts)              // write time
	putLE16(sb[52:], 0)               // mount count
	putLE16(sb[54:], 0xFFFF)          // max mount count: never check
	putLE16(sb[56:], extMagic)        // magic
	putLE16(sb[58:], 1)               // clean
	putLE16(sb[60:], 1)               // errors: continue
	putLE32(sb[76:], 1)               // revision
	putLE32(sb[84:], firstIno)        // first non-reserved inode
	putLE16(sb[88:], inodeSize)       // inode size
	putLE32(sb[96:], featureIncompatFiletype)

	if err = dev.WriteBytes(ctx, superblockOffset, sb); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}

	// Backup copies at the start of every other group.
	for g := uint32(1); g < groups; g++ {
		copyBuf := make([]byte, bs)
		copy(copyBuf, sb)
		if err = writeBlock(layouts[g].start, copyBuf); err != nil {
			return fmt.Errorf("writing superblock copy: %w", err)
		}
	}

	return
}
