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

package blockdev

import (
	"context"
	"fmt"

	"github.com/veloxos/velox/internal/syserr"
)

// Block is a pinned handle on one cached logical block. Obtained from
// Device.GetBlock and returned through Device.PutBlock. Set Dirty before
// returning a modified block.
type Block struct {
	// The logical block this handle refers to.
	LbID uint64

	// The block's bytes; aliases the cache slot, so valid only until
	// PutBlock.
	Data []byte

	// Whether the holder modified Data.
	Dirty bool

	cacheID int
}

// Device is a logical-block view over a Storage, with a bound cache and
// optional write-back. All methods must run under the installed lock; the
// convenience methods take it themselves.
type Device struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	storage Storage
	lock    Locker

	/////////////////////////
	// Constant data
	/////////////////////////

	phBSize uint32
	phBCnt  uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Logical geometry; set by SetLogicalBlockSize.
	//
	// INVARIANT: lgBSize % phBSize == 0
	lgBSize uint32
	lgBCnt  uint64

	// Single-block bounce buffer for unaligned byte access.
	bounce []byte

	cache *Cache

	// Write-back nesting depth.
	writeBack int

	// Physical read/write operation counters for GetBlock/PutBlock and the
	// direct block paths.
	breadCtr  uint64
	bwriteCtr uint64
}

// New creates a device over the supplied storage with the given physical
// geometry. The logical block size starts equal to the physical one.
func New(storage Storage, phBSize uint32, phBCnt uint64) (d *Device, err error) {
	if phBSize == 0 || phBCnt == 0 {
		err = fmt.Errorf("degenerate geometry %dx%d: %w", phBSize, phBCnt, syserr.EINVAL)
		return
	}

	d = &Device{
		storage: storage,
		lock:    noopLocker{},
		phBSize: phBSize,
		phBCnt:  phBCnt,
		lgBSize: phBSize,
		lgBCnt:  phBCnt,
		bounce:  make([]byte, phBSize),
	}

	return
}

// SetLocker installs the lock that serializes all device and cache access.
// The consumer that mounts a file system on the device supplies it.
func (d *Device) SetLocker(l Locker) {
	d.lock = l
}

// BindCache binds the block cache used by GetBlock/PutBlock. The cache's
// item size must equal the logical block size.
func (d *Device) BindCache(c *Cache) {
	if c.itemSize != d.lgBSize {
		panic(fmt.Sprintf(
			"Cache item size %d vs. logical block size %d",
			c.itemSize,
			d.lgBSize))
	}

	d.cache = c
}

// SetLogicalBlockSize switches the logical geometry. The size must be a
// positive integer multiple of the physical block size.
func (d *Device) SetLogicalBlockSize(lgBSize uint32) (err error) {
	if lgBSize == 0 || lgBSize%d.phBSize != 0 {
		err = fmt.Errorf(
			"logical size %d not a multiple of physical size %d: %w",
			lgBSize,
			d.phBSize,
			syserr.EINVAL)
		return
	}

	d.lgBSize = lgBSize
	d.lgBCnt = (d.phBCnt * uint64(d.phBSize)) / uint64(lgBSize)
	return
}

func (d *Device) PhysBlockSize() uint32    { return d.phBSize }
func (d *Device) PhysBlockCount() uint64   { return d.phBCnt }
func (d *Device) LogicalBlockSize() uint32 { return d.lgBSize }
func (d *Device) LogicalBlockCount() uint64 {
	return d.lgBCnt
}

// SizeBytes returns the device capacity in bytes.
func (d *Device) SizeBytes() uint64 {
	return d.phBCnt * uint64(d.phBSize)
}

// BReadCount returns the number of block-granularity reads issued to the
// storage via GetBlock and the direct block paths.
func (d *Device) BReadCount() uint64 { return d.breadCtr }

// BWriteCount is the write counterpart of BReadCount.
func (d *Device) BWriteCount() uint64 { return d.bwriteCtr }

////////////////////////////////////////////////////////////////////////
// Cached block access
////////////////////////////////////////////////////////////////////////

// GetBlock pins the logical block lba in the cache, reading it from the
// device if it was not resident, and returns a handle on it.
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) GetBlock(ctx context.Context, lba uint64) (b *Block, err error) {
	if lba >= d.lgBCnt {
		err = fmt.Errorf("lba %d beyond %d logical blocks: %w", lba, d.lgBCnt, syserr.ERANGE)
		return
	}

	// If the cache is full and write-back is on, push out one delayed,
	// unreferenced slot so the allocation below can succeed.
	if d.cache.full() && d.writeBack > 0 {
		if err = d.flushOneDelayed(ctx); err != nil {
			return
		}
	}

	slot, isNew, err := d.cache.alloc(lba)
	if err != nil {
		return
	}

	b = &Block{
		LbID:    lba,
		Data:    d.cache.slots[slot].data,
		cacheID: slot,
	}

	if !isNew {
		// Resident; no device read required.
		return
	}

	pba, pbCnt := d.physSpan(lba)
	if err = d.storage.ReadBlocks(ctx, pba, b.Data, pbCnt); err != nil {
		// Release the slot so nothing leaks, and drop its content: it was
		// never filled.
		d.cache.invalidate(slot)
		b = nil
		err = fmt.Errorf("ReadBlocks(%d): %w", pba, err)
		return
	}

	d.breadCtr++
	return
}

// PutBlock returns a block handle obtained from GetBlock, writing it out
// or deferring the write depending on dirtiness, other holders, and the
// write-back mode.
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) PutBlock(ctx context.Context, b *Block) (err error) {
	slot := b.cacheID
	s := &d.cache.slots[slot]

	// Nothing was modified by anyone: just unpin.
	if !b.Dirty && !s.dirty {
		d.cache.release(slot, false)
		return
	}

	// Write-back: keep the content in memory, postponing the write.
	if d.writeBack > 0 {
		s.dirty = true
		d.cache.release(slot, true)
		return
	}

	// Another holder still references the slot; the last one out writes.
	if s.refctr > 1 {
		s.dirty = true
		d.cache.release(slot, false)
		return
	}

	pba, pbCnt := d.physSpan(b.LbID)
	writeErr := d.storage.WriteBlocks(ctx, pba, s.data, pbCnt)
	if writeErr != nil {
		// The slot stays dirty so a later retry is possible; the reference
		// is dropped so nothing leaks.
		s.dirty = true
		d.cache.release(slot, false)
		err = fmt.Errorf("WriteBlocks(%d): %w", pba, writeErr)
		return
	}

	d.bwriteCtr++
	s.dirty = false
	d.cache.release(slot, false)
	return
}

// SetWriteBack adjusts the nestable write-back depth. On the transition to
// zero every free-delayed, unreferenced slot is flushed to the device.
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) SetWriteBack(ctx context.Context, on bool) (err error) {
	if on {
		d.writeBack++
	} else if d.writeBack > 0 {
		d.writeBack--
	}

	if d.writeBack > 0 {
		return
	}

	for i := range d.cache.slots {
		s := &d.cache.slots[i]
		if !s.freeDelay || s.refctr > 0 {
			continue
		}

		if err = d.writeSlot(ctx, i); err != nil {
			return
		}

		s.freeDelay = false
		s.dirty = false
		d.cache.refBlocks--
	}

	return
}

// WriteBackDepth returns the current nesting depth.
func (d *Device) WriteBackDepth() int {
	return d.writeBack
}

// flushOneDelayed writes out the least recently used free-delayed slot
// with no references, clearing its delay flag. No-op when there is no such
// slot.
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) flushOneDelayed(ctx context.Context) (err error) {
	candidate := -1
	var candidateLRU uint32

	for i := range d.cache.slots {
		s := &d.cache.slots[i]
		if !s.freeDelay || s.refctr > 0 {
			continue
		}

		if candidate == -1 || s.lruID < candidateLRU {
			candidate = i
			candidateLRU = s.lruID
		}
	}

	if candidate == -1 {
		return
	}

	if err = d.writeSlot(ctx, candidate); err != nil {
		return
	}

	s := &d.cache.slots[candidate]
	s.freeDelay = false
	s.dirty = false
	d.cache.refBlocks--
	return
}

// writeSlot pushes one slot's content to the device through the direct
// path (bumping the write counter).
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) writeSlot(ctx context.Context, slot int) (err error) {
	s := &d.cache.slots[slot]
	pba, pbCnt := d.physSpan(s.lbID)

	if err = d.storage.WriteBlocks(ctx, pba, s.data, pbCnt); err != nil {
		err = fmt.Errorf("WriteBlocks(%d): %w", pba, err)
		return
	}

	d.bwriteCtr++
	return
}

func (d *Device) physSpan(lba uint64) (pba uint64, pbCnt uint32) {
	pba = lba * uint64(d.lgBSize) / uint64(d.phBSize)
	pbCnt = d.lgBSize / d.phBSize
	return
}

////////////////////////////////////////////////////////////////////////
// Direct block access
////////////////////////////////////////////////////////////////////////

// GetBlocksDirect reads cnt logical blocks into buf, bypassing the cache.
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) GetBlocksDirect(
	ctx context.Context,
	lba uint64,
	buf []byte,
	cnt uint32) (err error) {
	pba, pbCnt := d.physSpan(lba)
	d.breadCtr++
	return d.storage.ReadBlocks(ctx, pba, buf, pbCnt*cnt)
}

// SetBlocksDirect writes cnt logical blocks from buf, bypassing the cache.
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) SetBlocksDirect(
	ctx context.Context,
	lba uint64,
	buf []byte,
	cnt uint32) (err error) {
	pba, pbCnt := d.physSpan(lba)
	d.bwriteCtr++
	return d.storage.WriteBlocks(ctx, pba, buf, pbCnt*cnt)
}

////////////////////////////////////////////////////////////////////////
// Byte access
////////////////////////////////////////////////////////////////////////

// ReadBytes reads len(buf) bytes at byte offset off: an initial partial
// block through the bounce buffer if off is unaligned, the aligned middle
// directly into buf, and a trailing partial block through the bounce
// buffer again.
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) ReadBytes(ctx context.Context, off uint64, buf []byte) (err error) {
	if err = d.checkByteRange(off, len(buf)); err != nil {
		return
	}

	bsize := uint64(d.phBSize)
	blockIdx := off / bsize
	p := buf

	// Initial partial block.
	if unalg := off % bsize; unalg != 0 {
		rlen := bsize - unalg
		if uint64(len(p)) < rlen {
			rlen = uint64(len(p))
		}

		if err = d.storage.ReadBlocks(ctx, blockIdx, d.bounce, 1); err != nil {
			return
		}

		copy(p, d.bounce[unalg:unalg+rlen])
		p = p[rlen:]
		blockIdx++
	}

	// Aligned middle.
	if blen := uint64(len(p)) / bsize; blen > 0 {
		if err = d.storage.ReadBlocks(ctx, blockIdx, p[:blen*bsize], uint32(blen)); err != nil {
			return
		}

		p = p[blen*bsize:]
		blockIdx += blen
	}

	// Trailing partial block.
	if len(p) > 0 {
		if err = d.storage.ReadBlocks(ctx, blockIdx, d.bounce, 1); err != nil {
			return
		}

		copy(p, d.bounce[:len(p)])
	}

	return
}

// WriteBytes is the write counterpart of ReadBytes; the partial head and
// tail are read-modify-write.
//
// LOCKS_REQUIRED(d.lock)
func (d *Device) WriteBytes(ctx context.Context, off uint64, buf []byte) (err error) {
	if err = d.checkByteRange(off, len(buf)); err != nil {
		return
	}

	bsize := uint64(d.phBSize)
	blockIdx := off / bsize
	p := buf

	// Initial partial block: read, patch, write back.
	if unalg := off % bsize; unalg != 0 {
		wlen := bsize - unalg
		if uint64(len(p)) < wlen {
			wlen = uint64(len(p))
		}

		if err = d.storage.ReadBlocks(ctx, blockIdx, d.bounce, 1); err != nil {
			return
		}

		copy(d.bounce[unalg:unalg+wlen], p)

		if err = d.storage.WriteBlocks(ctx, blockIdx, d.bounce, 1); err != nil {
			return
		}

		p = p[wlen:]
		blockIdx++
	}

	// Aligned middle.
	if blen := uint64(len(p)) / bsize; blen > 0 {
		if err = d.storage.WriteBlocks(ctx, blockIdx, p[:blen*bsize], uint32(blen)); err != nil {
			return
		}

		p = p[blen*bsize:]
		blockIdx += blen
	}

	// Trailing partial block: read, patch, write back.
	if len(p) > 0 {
		if err = d.storage.ReadBlocks(ctx, blockIdx, d.bounce, 1); err != nil {
			return
		}

		copy(d.bounce[:len(p)], p)

		if err = d.storage.WriteBlocks(ctx, blockIdx, d.bounce, 1); err != nil {
			return
		}
	}

	return
}

func (d *Device) checkByteRange(off uint64, n int) (err error) {
	if off+uint64(n) > d.SizeBytes() {
		err = fmt.Errorf(
			"byte span [%d, %d) beyond device of %d bytes: %w",
			off,
			off+uint64(n),
			d.SizeBytes(),
			syserr.EINVAL)
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Locked convenience wrappers
////////////////////////////////////////////////////////////////////////

// WithLock runs fn holding the device's installed lock.
func (d *Device) WithLock(ctx context.Context, fn func() error) (err error) {
	d.lock.Lock(ctx)
	defer d.lock.Unlock(ctx)
	return fn()
}
