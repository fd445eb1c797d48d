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

	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/internal/syserr"
)

// FormatConfig controls Format. The zero value picks usable defaults.
type FormatConfig struct {
	// Sectors per cluster; must be a power of two. Zero means 1.
	SecPerClus uint32

	// Root directory entries for FAT12/16. Zero means 512.
	RootEntries uint32

	// Volume serial number. Zero derives one from the clock.
	VolID uint32
}

// Format writes an empty FAT volume onto the device, choosing FAT12, 16,
// or 32 by the resulting cluster count per the canonical rule.
func Format(
	ctx context.Context,
	dev *blockdev.Device,
	clock timeutil.Clock,
	cfg FormatConfig) (err error) {
	ssize := dev.PhysBlockSize()
	totSec := uint32(dev.PhysBlockCount())

	if cfg.SecPerClus == 0 {
		cfg.SecPerClus = 1
	}
	if cfg.RootEntries == 0 {
		cfg.RootEntries = 512
	}
	if cfg.VolID == 0 {
		cfg.VolID = uint32(clock.Now().Unix())
	}

	const numFATs = 2

	// First pass assuming FAT12/16 geometry; redo for FAT32 when the
	// cluster count lands there.
	rsvd := uint32(1)
	rootEntCnt := cfg.RootEntries
	rootDirSectors := (rootEntCnt*dirEntrySize + ssize - 1) / ssize

	fatSize, clusters := fatGeometry(totSec, ssize, rsvd, rootDirSectors, cfg.SecPerClus, numFATs, false)

	isFAT32 := clusters >= 65525
	if isFAT32 {
		rsvd = 32
		rootEntCnt = 0
		rootDirSectors = 0
		fatSize, clusters = fatGeometry(totSec, ssize, rsvd, 0, cfg.SecPerClus, numFATs, true)
	}

	if clusters < 1 {
		return fmt.Errorf("device too small to format: %w", syserr.ENOSPC)
	}

	// Boot sector.
	boot := make([]byte, ssize)
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	copy(boot[3:11], "VELOX1.0")
	putLE16(boot[offBytsPerSec:], uint16(ssize))
	boot[offSecPerClus] = byte(cfg.SecPerClus)
	putLE16(boot[offRsvdSecCnt:], uint16(rsvd))
	boot[offNumFATs] = numFATs
	putLE16(boot[offRootEntCnt:], uint16(rootEntCnt))
	boot[21] = 0xF8 // media descriptor

	if totSec < 0x10000 && !isFAT32 {
		putLE16(boot[offTotSec16:], uint16(totSec))
	} else {
		putLE32(boot[offTotSec32:], totSec)
	}

	if isFAT32 {
		putLE32(boot[offFATSz32:], fatSize)
		putLE32(boot[offRootClus:], firstCluster)
		putLE16(boot[48:], 1)          // FSInfo sector
		putLE16(boot[50:], 6)          // backup boot sector
		boot[66] = 0x29                // extended boot signature
		putLE32(boot[offVolID32:], cfg.VolID)
		copy(boot[71:82], "NO NAME    ")
		copy(boot[82:90], "FAT32   ")
	} else {
		putLE16(boot[offFATSz16:], uint16(fatSize))
		boot[38] = 0x29
		putLE32(boot[offVolID16:], cfg.VolID)
		copy(boot[43:54], "NO NAME    ")
		if clusters < 4085 {
			copy(boot[54:62], "FAT12   ")
		} else {
			copy(boot[54:62], "FAT16   ")
		}
	}

	boot[offSignature] = 0x55
	boot[offSignature+1] = 0xAA

	if err = dev.SetBlocksDirect(ctx, 0, boot, 1); err != nil {
		return fmt.Errorf("writing boot sector: %w", err)
	}

	if isFAT32 {
		if err = writeFSInfo(ctx, dev, ssize); err != nil {
			return
		}

		if err = dev.SetBlocksDirect(ctx, 6, boot, 1); err != nil {
			return fmt.Errorf("writing backup boot sector: %w", err)
		}
	}

	// Zero the FATs and seed the reserved entries.
	zero := make([]byte, ssize)
	for f := uint32(0); f < numFATs; f++ {
		for s := uint32(0); s < fatSize; s++ {
			if err = dev.SetBlocksDirect(ctx, uint64(rsvd+f*fatSize+s), zero, 1); err != nil {
				return fmt.Errorf("zeroing FAT: %w", err)
			}
		}
	}

	seed := make([]byte, ssize)
	switch {
	case isFAT32:
		putLE32(seed[0:], 0x0FFFFFF8)
		putLE32(seed[4:], 0x0FFFFFFF)
		putLE32(seed[8:], 0x0FFFFFFF) // root directory cluster
	case clusters < 4085:
		seed[0], seed[1], seed[2] = 0xF8, 0xFF, 0xFF
	default:
		putLE16(seed[0:], 0xFFF8)
		putLE16(seed[2:], 0xFFFF)
	}

	for f := uint32(0); f < numFATs; f++ {
		if err = dev.SetBlocksDirect(ctx, uint64(rsvd+f*fatSize), seed, 1); err != nil {
			return fmt.Errorf("seeding FAT: %w", err)
		}
	}

	// Zero the root directory (fixed region or cluster 2).
	rootStart := rsvd + numFATs*fatSize
	rootLen := rootDirSectors
	if isFAT32 {
		rootLen = cfg.SecPerClus
	}

	for s := uint32(0); s < rootLen; s++ {
		if err = dev.SetBlocksDirect(ctx, uint64(rootStart+s), zero, 1); err != nil {
			return fmt.Errorf("zeroing root directory: %w", err)
		}
	}

	return
}

// fatGeometry computes sectors per FAT and the resulting cluster count
// per the canonical sizing formula.
func fatGeometry(
	totSec uint32,
	ssize uint32,
	rsvd uint32,
	rootDirSectors uint32,
	secPerClus uint32,
	numFATs uint32,
	isFAT32 bool) (fatSize uint32, clusters uint32) {
	tmp1 := totSec - (rsvd + rootDirSectors)
	tmp2 := 256*secPerClus + numFATs
	if isFAT32 {
		tmp2 /= 2
	}

	fatSize = (tmp1 + tmp2 - 1) / tmp2
	dataStart := rsvd + numFATs*fatSize + rootDirSectors
	if totSec <= dataStart {
		return fatSize, 0
	}

	clusters = (totSec - dataStart) / secPerClus
	return
}

func writeFSInfo(ctx context.Context, dev *blockdev.Device, ssize uint32) (err error) {
	info := make([]byte, ssize)
	putLE32(info[0:], 0x41615252)
	putLE32(info[484:], 0x61417272)
	putLE32(info[488:], 0xFFFFFFFF) // free count unknown
	putLE32(info[492:], 0xFFFFFFFF) // next free unknown
	info[510] = 0x55
	info[511] = 0xAA

	if err = dev.SetBlocksDirect(ctx, 1, info, 1); err != nil {
		err = fmt.Errorf("writing FSInfo: %w", err)
	}

	return
}
