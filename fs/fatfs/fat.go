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

package fatfs

import (
	"context"
	"fmt"

	"github.com/veloxos/velox/internal/syserr"
)

// FAT variants, decided by the count of clusters per the canonical rule.
type fatType int

const (
	fat12 fatType = 12
	fat16 fatType = 16
	fat32 fatType = 32
)

// Cluster number constants.
const (
	clusterFree  = 0
	firstCluster = 2
)

// eoc returns the end-of-chain marker for the volume's FAT type.
func (v *volume) eoc() uint32 {
	switch v.fatType {
	case fat12:
		return 0x0FFF
	case fat16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// isEOC reports whether a FAT entry terminates a chain.
func (v *volume) isEOC(clus uint32) bool {
	switch v.fatType {
	case fat12:
		return clus >= 0x0FF8
	case fat16:
		return clus >= 0xFFF8
	default:
		return clus >= 0x0FFFFFF8
	}
}

// fatGet reads the FAT entry for the given cluster.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) fatGet(ctx context.Context, clus uint32) (value uint32, err error) {
	if clus < firstCluster || clus >= v.countOfClusters+firstCluster {
		err = fmt.Errorf("cluster %d out of volume: %w", clus, syserr.EIO)
		return
	}

	switch v.fatType {
	case fat12:
		off := clus + clus/2
		var b0, b1 byte
		if b0, err = v.fatByte(ctx, off); err != nil {
			return
		}
		if b1, err = v.fatByte(ctx, off+1); err != nil {
			return
		}

		raw := uint32(b0) | uint32(b1)<<8
		if clus&1 != 0 {
			value = raw >> 4
		} else {
			value = raw & 0x0FFF
		}

	case fat16:
		var sec []byte
		var o uint32
		if sec, o, err = v.fatSpan(ctx, clus*2); err != nil {
			return
		}
		value = uint32(sec[o]) | uint32(sec[o+1])<<8

	default:
		var sec []byte
		var o uint32
		if sec, o, err = v.fatSpan(ctx, clus*4); err != nil {
			return
		}
		value = (uint32(sec[o]) | uint32(sec[o+1])<<8 |
			uint32(sec[o+2])<<16 | uint32(sec[o+3])<<24) & 0x0FFFFFFF
	}

	return
}

// fatSet writes the FAT entry for the given cluster into every FAT copy.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) fatSet(ctx context.Context, clus uint32, value uint32) (err error) {
	if clus < firstCluster || clus >= v.countOfClusters+firstCluster {
		return fmt.Errorf("cluster %d out of volume: %w", clus, syserr.EIO)
	}

	switch v.fatType {
	case fat12:
		off := clus + clus/2
		var b0, b1 byte
		if b0, err = v.fatByte(ctx, off); err != nil {
			return
		}
		if b1, err = v.fatByte(ctx, off+1); err != nil {
			return
		}

		raw := uint32(b0) | uint32(b1)<<8
		if clus&1 != 0 {
			raw = (raw & 0x000F) | value<<4
		} else {
			raw = (raw & 0xF000) | (value & 0x0FFF)
		}

		if err = v.fatSetByte(ctx, off, byte(raw)); err != nil {
			return
		}
		err = v.fatSetByte(ctx, off+1, byte(raw>>8))

	case fat16:
		err = v.fatPut(ctx, clus*2, []byte{byte(value), byte(value >> 8)})

	default:
		// The top nibble of a FAT32 entry is reserved and preserved.
		var sec []byte
		var o uint32
		if sec, o, err = v.fatSpan(ctx, clus*4); err != nil {
			return
		}

		old := uint32(sec[o]) | uint32(sec[o+1])<<8 |
			uint32(sec[o+2])<<16 | uint32(sec[o+3])<<24
		merged := (old & 0xF0000000) | (value & 0x0FFFFFFF)

		err = v.fatPut(ctx, clus*4, []byte{
			byte(merged),
			byte(merged >> 8),
			byte(merged >> 16),
			byte(merged >> 24),
		})
	}

	return
}

// fatSpan loads the FAT sector containing byte offset off into the window
// and returns the window plus the in-sector offset. The entry must not
// straddle sectors (guaranteed for FAT16/32).
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) fatSpan(ctx context.Context, off uint32) (sec []byte, o uint32, err error) {
	sector := v.fatStart + off/v.ssize
	if err = v.winLoad(ctx, sector); err != nil {
		return
	}

	sec = v.win
	o = off % v.ssize
	return
}

// fatByte reads one byte of the first FAT copy.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) fatByte(ctx context.Context, off uint32) (b byte, err error) {
	sec, o, err := v.fatSpan(ctx, off)
	if err != nil {
		return
	}

	b = sec[o]
	return
}

// fatSetByte writes one byte at off into every FAT copy.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) fatSetByte(ctx context.Context, off uint32, b byte) error {
	return v.fatPut(ctx, off, []byte{b})
}

// fatPut writes bytes at off into every FAT copy through the window.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) fatPut(ctx context.Context, off uint32, data []byte) (err error) {
	for copyIdx := uint32(0); copyIdx < v.numFATs; copyIdx++ {
		base := v.fatStart + copyIdx*v.fatSize
		for i, b := range data {
			byteOff := off + uint32(i)
			sector := base + byteOff/v.ssize
			if err = v.winLoad(ctx, sector); err != nil {
				return
			}

			v.win[byteOff%v.ssize] = b
			v.winDirty = true
		}
	}

	return
}

// chainSeek walks n links down a cluster chain.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) chainSeek(ctx context.Context, start uint32, n uint32) (clus uint32, err error) {
	clus = start
	for i := uint32(0); i < n; i++ {
		var next uint32
		if next, err = v.fatGet(ctx, clus); err != nil {
			return
		}

		if v.isEOC(next) {
			err = fmt.Errorf("chain from %d ends after %d links: %w", start, i, syserr.EIO)
			return
		}

		clus = next
	}

	return
}

// allocCluster finds a free cluster, marks it end-of-chain, and links it
// after prev when prev is non-zero. Returns ENOSPC when the volume is
// full.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) allocCluster(ctx context.Context, prev uint32) (clus uint32, err error) {
	for cand := uint32(firstCluster); cand < v.countOfClusters+firstCluster; cand++ {
		var val uint32
		if val, err = v.fatGet(ctx, cand); err != nil {
			return
		}

		if val != clusterFree {
			continue
		}

		if err = v.fatSet(ctx, cand, v.eoc()); err != nil {
			return
		}

		if prev != 0 {
			if err = v.fatSet(ctx, prev, cand); err != nil {
				return
			}
		}

		if err = v.zeroCluster(ctx, cand); err != nil {
			return
		}

		clus = cand
		return
	}

	err = fmt.Errorf("no free clusters: %w", syserr.ENOSPC)
	return
}

// freeChain releases a whole cluster chain starting at clus.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) freeChain(ctx context.Context, clus uint32) (err error) {
	for clus != 0 && !v.isEOC(clus) {
		var next uint32
		if next, err = v.fatGet(ctx, clus); err != nil {
			return
		}

		if err = v.fatSet(ctx, clus, clusterFree); err != nil {
			return
		}

		clus = next
	}

	return
}

// countFreeClusters scans the FAT for statfs.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) countFreeClusters(ctx context.Context) (n uint32, err error) {
	for cand := uint32(firstCluster); cand < v.countOfClusters+firstCluster; cand++ {
		var val uint32
		if val, err = v.fatGet(ctx, cand); err != nil {
			return
		}

		if val == clusterFree {
			n++
		}
	}

	return
}

// clusterSector returns the first sector of a data cluster.
func (v *volume) clusterSector(clus uint32) uint32 {
	return v.dataStart + (clus-firstCluster)*v.secPerClus
}

// zeroCluster clears a freshly allocated cluster's sectors.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) zeroCluster(ctx context.Context, clus uint32) (err error) {
	zero := make([]byte, v.ssize)
	sector := v.clusterSector(clus)
	for i := uint32(0); i < v.secPerClus; i++ {
		if err = v.writeSector(ctx, sector+i, zero); err != nil {
			return
		}
	}

	return
}
