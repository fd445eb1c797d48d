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

// inode is the in-memory mirror of one on-disk inode.
type inode struct {
	mode   uint16
	uid    uint16
	gid    uint16
	size   uint32
	atime  uint32
	ctime  uint32
	mtime  uint32
	dtime  uint32
	links  uint16
	blocks uint32 // 512-byte sectors

	// Block map: 12 direct, then single, double, triple indirect.
	block [15]uint32
}

const (
	directBlocks = 12
	idxSingle    = 12
	idxDouble    = 13
	idxTriple    = 14
)

// inodeLocation returns the block and offset storing inode ino.
func (f *Fs) inodeLocation(ctx context.Context, ino uint32) (blk uint32, off uint32, err error) {
	if ino == 0 || ino > f.sb.inodesCount {
		err = fmt.Errorf("inode %d out of volume: %w", ino, syserr.EIO)
		return
	}

	idx := ino - 1
	g := idx / f.sb.inodesPerGroup
	local := idx % f.sb.inodesPerGroup

	gd, err := f.readGroupDesc(ctx, g)
	if err != nil {
		return
	}

	perBlock := f.blockSize / inodeSize
	blk = gd.inodeTable + local/perBlock
	off = (local % perBlock) * inodeSize
	return
}

// readInode loads inode ino.
func (f *Fs) readInode(ctx context.Context, ino uint32) (in inode, err error) {
	blk, off, err := f.inodeLocation(ctx, ino)
	if err != nil {
		return
	}

	b, err := f.dev.GetBlock(ctx, uint64(blk))
	if err != nil {
		return
	}

	raw := b.Data[off : off+inodeSize]
	in = inode{
		mode:   le16(raw[0:]),
		uid:    le16(raw[2:]),
		size:   le32(raw[4:]),
		atime:  le32(raw[8:]),
		ctime:  le32(raw[12:]),
		mtime:  le32(raw[16:]),
		dtime:  le32(raw[20:]),
		gid:    le16(raw[24:]),
		links:  le16(raw[26:]),
		blocks: le32(raw[28:]),
	}

	for i := 0; i < 15; i++ {
		in.block[i] = le32(raw[40+4*i:])
	}

	err = f.dev.PutBlock(ctx, b)
	return
}

// writeInode stores inode ino.
func (f *Fs) writeInode(ctx context.Context, ino uint32, in inode) (err error) {
	blk, off, err := f.inodeLocation(ctx, ino)
	if err != nil {
		return
	}

	b, err := f.dev.GetBlock(ctx, uint64(blk))
	if err != nil {
		return
	}

	raw := b.Data[off : off+inodeSize]
	putLE16(raw[0:], in.mode)
	putLE16(raw[2:], in.uid)
	putLE32(raw[4:], in.size)
	putLE32(raw[8:], in.atime)
	putLE32(raw[12:], in.ctime)
	putLE32(raw[16:], in.mtime)
	putLE32(raw[20:], in.dtime)
	putLE16(raw[24:], in.gid)
	putLE16(raw[26:], in.links)
	putLE32(raw[28:], in.blocks)

	for i := 0; i < 15; i++ {
		putLE32(raw[40+4*i:], in.block[i])
	}

	b.Dirty = true
	return f.dev.PutBlock(ctx, b)
}

////////////////////////////////////////////////////////////////////////
// Block map
////////////////////////////////////////////////////////////////////////

// mapBlock resolves logical file block n to a volume block. When alloc is
// set, missing blocks (and missing indirect blocks) are allocated and the
// inode mirror updated. A zero result with alloc unset means a hole.
func (f *Fs) mapBlock(
	ctx context.Context,
	in *inode,
	n uint32,
	alloc bool) (blk uint32, err error) {
	ptrsPerBlock := f.blockSize / 4

	// Direct.
	if n < directBlocks {
		blk = in.block[n]
		if blk == 0 && alloc {
			if blk, err = f.allocBlock(ctx); err != nil {
				return
			}

			in.block[n] = blk
			in.blocks += f.blockSize / 512
		}
		return
	}

	n -= directBlocks

	// Single indirect.
	if n < ptrsPerBlock {
		return f.mapViaIndirect(ctx, in, &in.block[idxSingle], []uint32{n}, alloc)
	}

	n -= ptrsPerBlock

	// Double indirect.
	if n < ptrsPerBlock*ptrsPerBlock {
		return f.mapViaIndirect(
			ctx,
			in,
			&in.block[idxDouble],
			[]uint32{n / ptrsPerBlock, n % ptrsPerBlock},
			alloc)
	}

	// Triple-indirect files exceed what this volume format port serves.
	err = fmt.Errorf("file block %d needs triple indirection: %w", n, syserr.ENOSPC)
	return
}

// mapViaIndirect walks (and optionally builds) an indirection path. root
// points at the inode's slot for the top indirect block; idxs are the
// successive indices at each level, the last one addressing the data
// block.
func (f *Fs) mapViaIndirect(
	ctx context.Context,
	in *inode,
	root *uint32,
	idxs []uint32,
	alloc bool) (blk uint32, err error) {
	if *root == 0 {
		if !alloc {
			return
		}

		if *root, err = f.allocBlock(ctx); err != nil {
			return
		}

		in.blocks += f.blockSize / 512
	}

	cur := *root
	for level, idx := range idxs {
		b, gerr := f.dev.GetBlock(ctx, uint64(cur))
		if gerr != nil {
			err = gerr
			return
		}

		next := le32(b.Data[4*idx:])
		last := level == len(idxs)-1

		if next == 0 {
			if !alloc {
				err = f.dev.PutBlock(ctx, b)
				return
			}

			if next, err = f.allocBlock(ctx); err != nil {
				f.dev.PutBlock(ctx, b)
				return
			}

			putLE32(b.Data[4*idx:], next)
			b.Dirty = true
			in.blocks += f.blockSize / 512
		}

		if err = f.dev.PutBlock(ctx, b); err != nil {
			return
		}

		if last {
			blk = next
			return
		}

		cur = next
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Data I/O
////////////////////////////////////////////////////////////////////////

// readData reads from the inode's content at byte offset off. Reads past
// the size are clipped; holes read as zeros.
func (f *Fs) readData(
	ctx context.Context,
	in *inode,
	off uint32,
	dst []byte) (n int, err error) {
	if off >= in.size {
		return
	}

	if rest := in.size - off; uint32(len(dst)) > rest {
		dst = dst[:rest]
	}

	for n < len(dst) {
		fileBlk := (off + uint32(n)) / f.blockSize
		inBlk := (off + uint32(n)) % f.blockSize

		span := int(f.blockSize - inBlk)
		if span > len(dst)-n {
			span = len(dst) - n
		}

		var blk uint32
		if blk, err = f.mapBlock(ctx, in, fileBlk, false); err != nil {
			return
		}

		if blk == 0 {
			// A hole.
			for i := 0; i < span; i++ {
				dst[n+i] = 0
			}
			n += span
			continue
		}

		var b *blockdev.Block
		if b, err = f.dev.GetBlock(ctx, uint64(blk)); err != nil {
			return
		}

		copy(dst[n:n+span], b.Data[inBlk:int(inBlk)+span])
		if err = f.dev.PutBlock(ctx, b); err != nil {
			return
		}

		n += span
	}

	return
}

// writeData writes into the inode's content at byte offset off, growing
// the size and allocating blocks as needed. The caller must write the
// inode back.
func (f *Fs) writeData(
	ctx context.Context,
	in *inode,
	off uint32,
	src []byte) (n int, err error) {
	for n < len(src) {
		fileBlk := (off + uint32(n)) / f.blockSize
		inBlk := (off + uint32(n)) % f.blockSize

		span := int(f.blockSize - inBlk)
		if span > len(src)-n {
			span = len(src) - n
		}

		var blk uint32
		if blk, err = f.mapBlock(ctx, in, fileBlk, true); err != nil {
			return
		}

		var b *blockdev.Block
		if b, err = f.dev.GetBlock(ctx, uint64(blk)); err != nil {
			return
		}

		copy(b.Data[inBlk:int(inBlk)+span], src[n:n+span])
		b.Dirty = true
		if err = f.dev.PutBlock(ctx, b); err != nil {
			return
		}

		n += span
	}

	if end := off + uint32(n); end > in.size {
		in.size = end
	}

	in.mtime = f.now()
	return
}

// truncateData frees every data and indirect block of the inode and
// zeroes its size. (Shrinking to arbitrary sizes is not needed by the
// driver: truncation happens only at open.)
func (f *Fs) truncateData(ctx context.Context, in *inode) (err error) {
	ptrsPerBlock := f.blockSize / 4

	for i := 0; i < directBlocks; i++ {
		if in.block[i] != 0 {
			if err = f.freeBlock(ctx, in.block[i]); err != nil {
				return
			}
			in.block[i] = 0
		}
	}

	// Single indirect.
	if in.block[idxSingle] != 0 {
		if err = f.freeIndirect(ctx, in.block[idxSingle], 1, ptrsPerBlock); err != nil {
			return
		}
		in.block[idxSingle] = 0
	}

	// Double indirect.
	if in.block[idxDouble] != 0 {
		if err = f.freeIndirect(ctx, in.block[idxDouble], 2, ptrsPerBlock); err != nil {
			return
		}
		in.block[idxDouble] = 0
	}

	in.size = 0
	in.blocks = 0
	in.mtime = f.now()
	return
}

// freeIndirect recursively frees an indirection tree of the given depth,
// then the indirect block itself.
func (f *Fs) freeIndirect(
	ctx context.Context,
	blk uint32,
	depth int,
	ptrsPerBlock uint32) (err error) {
	b, err := f.dev.GetBlock(ctx, uint64(blk))
	if err != nil {
		return
	}

	ptrs := make([]uint32, 0, ptrsPerBlock)
	for i := uint32(0); i < ptrsPerBlock; i++ {
		if p := le32(b.Data[4*i:]); p != 0 {
			ptrs = append(ptrs, p)
		}
	}

	if err = f.dev.PutBlock(ctx, b); err != nil {
		return
	}

	for _, p := range ptrs {
		if depth > 1 {
			if err = f.freeIndirect(ctx, p, depth-1, ptrsPerBlock); err != nil {
				return
			}
		} else {
			if err = f.freeBlock(ctx, p); err != nil {
				return
			}
		}
	}

	return f.freeBlock(ctx, blk)
}
