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
	"fmt"

	"github.com/veloxos/velox/internal/syserr"
)

// cacheSlot is one entry in the block cache.
type cacheSlot struct {
	// Whether the slot holds a block at all. Replaces the magic LRU
	// sentinel: an invalid slot never participates in LRU comparisons.
	valid bool

	// The logical block resident in this slot. Meaningful only when valid.
	lbID uint64

	// Number of outstanding Block handles on this slot. A slot with a
	// non-zero reference counter may not be evicted.
	refctr uint32

	// LRU tick of the most recent allocation.
	lruID uint32

	// The slot's content differs from the device.
	dirty bool

	// The refcount reached zero under write-back; write-out is postponed
	// until write-back ends or eviction forces it.
	freeDelay bool

	data []byte
}

// Cache is the fixed-capacity block cache bound to a Device. External
// synchronization is required: the device's installed lock covers the
// cache.
type Cache struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// Slot count and logical block size.
	cnt      int
	itemSize uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	// INVARIANT: refBlocks == number of slots with refctr > 0 or freeDelay
	// INVARIANT: For each slot s, s.freeDelay => s.refctr == 0
	// INVARIANT: For each slot s, !s.valid => s.refctr == 0 && !s.freeDelay
	slots []cacheSlot

	// Count of slots that are referenced or free-delayed.
	refBlocks int

	// Monotonic LRU tick, bumped on every allocation.
	lruCtr uint32
}

// NewCache creates a cache of cnt slots of itemSize bytes each.
func NewCache(cnt int, itemSize uint32) (c *Cache) {
	c = &Cache{
		cnt:      cnt,
		itemSize: itemSize,
		slots:    make([]cacheSlot, cnt),
	}

	for i := range c.slots {
		c.slots[i].data = make([]byte, itemSize)
	}

	return
}

// Panic if any internal invariants are violated. External synchronization
// is required.
func (c *Cache) CheckInvariants() {
	ref := 0
	for i := range c.slots {
		s := &c.slots[i]

		if s.refctr > 0 || s.freeDelay {
			ref++
		}

		if s.freeDelay && s.refctr != 0 {
			panic(fmt.Sprintf("Slot %d free-delayed with refctr %d", i, s.refctr))
		}

		if !s.valid && (s.refctr != 0 || s.freeDelay) {
			panic(fmt.Sprintf("Invalid slot %d holds references", i))
		}
	}

	if ref != c.refBlocks {
		panic(fmt.Sprintf("refBlocks mismatch: %d vs. %d", c.refBlocks, ref))
	}
}

// full reports whether every slot is referenced or free-delayed.
func (c *Cache) full() bool {
	return c.refBlocks == c.cnt
}

// alloc pins a slot for the given logical block. If the block is already
// resident its slot is reused and isNew is false; otherwise the least
// recently used unpinned slot is recycled and isNew is true, in which case
// the caller must fill the data from the device. Returns ENOMEM when every
// slot is pinned.
func (c *Cache) alloc(lbID uint64) (slot int, isNew bool, err error) {
	// Already resident?
	for i := range c.slots {
		s := &c.slots[i]
		if !s.valid || s.lbID != lbID {
			continue
		}

		c.lruCtr++
		s.lruID = c.lruCtr

		if s.refctr == 0 && !s.freeDelay {
			c.refBlocks++
		}

		// A delayed slot sprung back to life keeps its dirty content; the
		// delay flag is superseded by the new reference.
		if s.freeDelay {
			s.freeDelay = false
			s.dirty = true
		}

		s.refctr++
		slot = i
		return
	}

	// Recycle the LRU slot among the unpinned, undelayed ones.
	candidate := -1
	var candidateLRU uint32
	for i := range c.slots {
		s := &c.slots[i]
		if s.refctr > 0 || s.freeDelay {
			continue
		}

		if candidate == -1 || s.lruID < candidateLRU {
			candidate = i
			candidateLRU = s.lruID
		}
	}

	if candidate == -1 {
		err = fmt.Errorf("all %d cache slots pinned: %w", c.cnt, syserr.ENOMEM)
		return
	}

	s := &c.slots[candidate]
	c.lruCtr++
	s.valid = true
	s.lbID = lbID
	s.lruID = c.lruCtr
	s.refctr = 1
	s.dirty = false
	c.refBlocks++

	slot = candidate
	isNew = true
	return
}

// release drops one reference from the slot. When the count reaches zero
// the slot either becomes free-delayed (delay set) or plain unpinned.
func (c *Cache) release(slot int, delay bool) {
	s := &c.slots[slot]
	if s.refctr == 0 {
		panic(fmt.Sprintf("Release of unreferenced slot %d", slot))
	}

	s.refctr--
	if s.refctr != 0 {
		return
	}

	if delay {
		s.freeDelay = true
		return
	}

	c.refBlocks--
}

// invalidate drops a slot's content entirely. The slot must be about to be
// released by its sole holder; used when a device read into a fresh slot
// fails.
func (c *Cache) invalidate(slot int) {
	s := &c.slots[slot]
	if s.refctr != 1 {
		panic(fmt.Sprintf("Invalidate of slot %d with refctr %d", slot, s.refctr))
	}

	s.refctr = 0
	s.valid = false
	s.dirty = false
	c.refBlocks--
}
