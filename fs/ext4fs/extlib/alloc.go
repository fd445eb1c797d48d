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

	"github.com/veloxos/velox/internal/syserr"
)

// Bitmap allocators. Block bitmap bit j of group g covers block
// firstDataBlock + g*blocksPerGroup + j; inode bitmap bit j covers inode
// g*inodesPerGroup + j + 1.

// allocBlock finds, marks, and zeroes a free block.
func (f *Fs) allocBlock(ctx context.Context) (blk uint32, err error) {
	for g := uint32(0); g < f.groups; g++ {
		gd, gerr := f.readGroupDesc(ctx, g)
		if gerr != nil {
			err = gerr
			return
		}

		if gd.freeBlocks == 0 {
			continue
		}

		var bit int
		if bit, err = f.takeBit(ctx, gd.blockBitmap, f.groupBlockCount(g)); err != nil {
			return
		}

		if bit < 0 {
			// The descriptor lied; fix it up and move on.
			gd.freeBlocks = 0
			if err = f.writeGroupDesc(ctx, g, gd); err != nil {
				return
			}
			continue
		}

		gd.freeBlocks--
		if err = f.writeGroupDesc(ctx, g, gd); err != nil {
			return
		}

		f.sb.freeBlocksCount--

		blk = f.sb.firstDataBlock + g*f.sb.blocksPerGroup + uint32(bit)
		err = f.zeroBlock(ctx, blk)
		return
	}

	err = fmt.Errorf("no free blocks: %w", syserr.ENOSPC)
	return
}

// freeBlock releases one block.
func (f *Fs) freeBlock(ctx context.Context, blk uint32) (err error) {
	idx := blk - f.sb.firstDataBlock
	g := idx / f.sb.blocksPerGroup
	bit := idx % f.sb.blocksPerGroup

	gd, err := f.readGroupDesc(ctx, g)
	if err != nil {
		return
	}

	if err = f.clearBit(ctx, gd.blockBitmap, int(bit)); err != nil {
		return
	}

	gd.freeBlocks++
	if err = f.writeGroupDesc(ctx, g, gd); err != nil {
		return
	}

	f.sb.freeBlocksCount++
	return
}

// allocInode finds and marks a free inode, honoring the reserved range.
func (f *Fs) allocInode(ctx context.Context, dir bool) (ino uint32, err error) {
	for g := uint32(0); g < f.groups; g++ {
		gd, gerr := f.readGroupDesc(ctx, g)
		if gerr != nil {
			err = gerr
			return
		}

		if gd.freeInodes == 0 {
			continue
		}

		// Skip the reserved inodes in group zero.
		min := 0
		if g == 0 {
			min = firstIno - 1
		}

		var bit int
		if bit, err = f.takeBitFrom(ctx, gd.inodeBitmap, f.sb.inodesPerGroup, min); err != nil {
			return
		}

		if bit < 0 {
			continue
		}

		gd.freeInodes--
		if dir {
			gd.usedDirs++
		}
		if err = f.writeGroupDesc(ctx, g, gd); err != nil {
			return
		}

		f.sb.freeInodesCount--
		ino = g*f.sb.inodesPerGroup + uint32(bit) + 1
		return
	}

	err = fmt.Errorf("no free inodes: %w", syserr.ENOSPC)
	return
}

// freeInode releases one inode number.
func (f *Fs) freeInode(ctx context.Context, ino uint32, dir bool) (err error) {
	idx := ino - 1
	g := idx / f.sb.inodesPerGroup
	bit := idx % f.sb.inodesPerGroup

	gd, err := f.readGroupDesc(ctx, g)
	if err != nil {
		return
	}

	if err = f.clearBit(ctx, gd.inodeBitmap, int(bit)); err != nil {
		return
	}

	gd.freeInodes++
	if dir && gd.usedDirs > 0 {
		gd.usedDirs--
	}
	if err = f.writeGroupDesc(ctx, g, gd); err != nil {
		return
	}

	f.sb.freeInodesCount++
	return
}

// groupBlockCount returns how many blocks group g actually covers (the
// last group may be short).
func (f *Fs) groupBlockCount(g uint32) uint32 {
	total := f.sb.blocksCount - f.sb.firstDataBlock
	start := g * f.sb.blocksPerGroup
	if start+f.sb.blocksPerGroup <= total {
		return f.sb.blocksPerGroup
	}

	return total - start
}

// takeBit finds the first clear bit below limit in the bitmap block and
// sets it. Returns -1 when every bit is taken.
func (f *Fs) takeBit(ctx context.Context, bitmapBlk uint32, limit uint32) (bit int, err error) {
	return f.takeBitFrom(ctx, bitmapBlk, limit, 0)
}

func (f *Fs) takeBitFrom(
	ctx context.Context,
	bitmapBlk uint32,
	limit uint32,
	min int) (bit int, err error) {
	b, err := f.dev.GetBlock(ctx, uint64(bitmapBlk))
	if err != nil {
		return
	}

	bit = -1
	for i := min; i < int(limit); i++ {
		if b.Data[i/8]&(1<<(i%8)) == 0 {
			b.Data[i/8] |= 1 << (i % 8)
			b.Dirty = true
			bit = i
			break
		}
	}

	err = f.dev.PutBlock(ctx, b)
	return
}

// clearBit clears one bit in a bitmap block.
func (f *Fs) clearBit(ctx context.Context, bitmapBlk uint32, bit int) (err error) {
	b, err := f.dev.GetBlock(ctx, uint64(bitmapBlk))
	if err != nil {
		return
	}

	b.Data[bit/8] &^= 1 << (bit % 8)
	b.Dirty = true
	return f.dev.PutBlock(ctx, b)
}

// zeroBlock clears a block's content.
func (f *Fs) zeroBlock(ctx context.Context, blk uint32) (err error) {
	b, err := f.dev.GetBlock(ctx, uint64(blk))
	if err != nil {
		return
	}

	for i := range b.Data {
		b.Data[i] = 0
	}

	b.Dirty = true
	return f.dev.PutBlock(ctx, b)
}
