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
	"io"
	"os"
	"strings"
	"unicode/utf16"

	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
)

// dirLoc addresses one 32-byte directory entry on disk.
type dirLoc struct {
	sector uint32
	off    uint32
}

// entryInfo is a decoded directory entry plus everything needed to
// rewrite or delete it.
type entryInfo struct {
	name      string
	attr      byte
	firstClus uint32
	size      uint32

	// Location of the 8.3 entry and of the preceding LFN chain.
	loc     dirLoc
	lfnLocs []dirLoc
}

// dirScan walks the entries of one directory: either the fixed root
// region (clus == 0 on FAT12/16) or a cluster chain.
type dirScan struct {
	v    *volume
	clus uint32

	// Linear entry index within the current region or cluster.
	idx uint32

	// Cluster currently being walked (chain dirs only).
	curClus uint32
}

// LOCKS_REQUIRED(v.mu)
func (v *volume) newDirScan(clus uint32) *dirScan {
	return &dirScan{v: v, clus: clus, curClus: clus}
}

// rootScan scans the volume's root directory.
func (v *volume) rootScan() *dirScan {
	if v.fatType == fat32 {
		return v.newDirScan(v.rootClus)
	}

	return v.newDirScan(0)
}

// next returns the next raw entry and its location. A zero first name
// byte ends the scan (io.EOF), as does the end of the region or chain.
//
// LOCKS_REQUIRED(v.mu)
func (s *dirScan) next(ctx context.Context) (raw []byte, loc dirLoc, err error) {
	v := s.v
	perSector := v.ssize / dirEntrySize

	if s.clus == 0 {
		// Fixed root region.
		if s.idx >= v.rootEntCnt {
			err = io.EOF
			return
		}

		loc.sector = v.rootDirStart + s.idx/perSector
		loc.off = (s.idx % perSector) * dirEntrySize
	} else {
		perClus := perSector * v.secPerClus
		if s.idx == perClus {
			var next uint32
			if next, err = v.fatGet(ctx, s.curClus); err != nil {
				return
			}

			if v.isEOC(next) {
				err = io.EOF
				return
			}

			s.curClus = next
			s.idx = 0
		}

		loc.sector = v.clusterSector(s.curClus) + s.idx/perSector
		loc.off = (s.idx % perSector) * dirEntrySize
	}

	s.idx++

	if err = v.winLoad(ctx, loc.sector); err != nil {
		return
	}

	raw = make([]byte, dirEntrySize)
	copy(raw, v.win[loc.off:loc.off+dirEntrySize])

	if raw[0] == 0x00 {
		err = io.EOF
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Name handling
////////////////////////////////////////////////////////////////////////

// decode83 renders an 11-byte short name as "name.ext".
func decode83(raw []byte) string {
	base := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")

	// 0x05 stands in for a leading 0xE5.
	if len(base) > 0 && base[0] == 0x05 {
		base = string([]byte{0xE5}) + base[1:]
	}

	if ext == "" {
		return base
	}

	return base + "." + ext
}

// shortChecksum is the LFN checksum over the 11 short-name bytes.
func shortChecksum(short []byte) (sum byte) {
	for i := 0; i < 11; i++ {
		sum = ((sum & 1) << 7) + (sum >> 1) + short[i]
	}

	return
}

// lfnUnits extracts the 13 UTF-16 units of one LFN entry.
func lfnUnits(raw []byte) (units []uint16) {
	offsets := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
	for _, o := range offsets {
		units = append(units, le16(raw[o:]))
	}

	return
}

// assembleLFN turns the accumulated entries (last ordinal first on disk)
// into a name, verifying the checksum against the short entry.
func assembleLFN(parts map[int][]uint16, count int, chksum byte, short []byte) (name string, ok bool) {
	if count == 0 || chksum != shortChecksum(short) {
		return
	}

	var units []uint16
	for ord := 1; ord <= count; ord++ {
		p, present := parts[ord]
		if !present {
			return
		}

		units = append(units, p...)
	}

	// Trim the terminator and padding.
	for i, u := range units {
		if u == 0x0000 || u == 0xFFFF {
			units = units[:i]
			break
		}
	}

	name = string(utf16.Decode(units))
	ok = name != ""
	return
}

// nameMatches compares a directory name against a lookup target through
// the code page fold.
func nameMatches(entryName, target string) bool {
	return equalFold(entryName, target)
}

////////////////////////////////////////////////////////////////////////
// Lookup
////////////////////////////////////////////////////////////////////////

// findEntry looks the name up in the directory rooted at dirClus (0 for
// the fixed root region). Dot entries and the volume label never match.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) findEntry(
	ctx context.Context,
	dirClus uint32,
	name string) (info entryInfo, found bool, err error) {
	s := v.newDirScan(dirClus)

	lfnParts := make(map[int][]uint16)
	lfnCount := 0
	var lfnChksum byte
	var lfnLocs []dirLoc

	resetLFN := func() {
		if len(lfnParts) != 0 {
			lfnParts = make(map[int][]uint16)
		}
		lfnCount = 0
		lfnLocs = nil
	}

	for {
		var raw []byte
		var loc dirLoc
		raw, loc, err = s.next(ctx)
		if err == io.EOF {
			err = nil
			return
		}
		if err != nil {
			return
		}

		if raw[0] == 0xE5 {
			resetLFN()
			continue
		}

		attr := raw[11]
		if attr == attrLFN {
			ord := int(raw[0] & 0x3F)
			if raw[0]&0x40 != 0 {
				resetLFN()
				lfnCount = ord
			}

			lfnParts[ord] = lfnUnits(raw)
			lfnChksum = raw[13]
			lfnLocs = append(lfnLocs, loc)
			continue
		}

		if attr&attrVolumeID != 0 {
			resetLFN()
			continue
		}

		shortName := decode83(raw)
		longName, hasLFN := assembleLFN(lfnParts, lfnCount, lfnChksum, raw[:11])

		match := nameMatches(shortName, name) || (hasLFN && nameMatches(longName, name))
		if match && shortName != "." && shortName != ".." {
			displayName := shortName
			if hasLFN {
				displayName = longName
			}

			info = entryInfo{
				name:      displayName,
				attr:      attr,
				firstClus: uint32(le16(raw[26:])) | uint32(le16(raw[20:]))<<16,
				size:      le32(raw[28:]),
				loc:       loc,
				lfnLocs:   lfnLocs,
			}
			found = true
			return
		}

		resetLFN()
	}
}

// resolvePath walks a backend-relative path to its entry. The empty path
// and "/" denote the root, reported with found == true and a synthetic
// info whose attr has attrDir and whose loc is zero.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) resolvePath(ctx context.Context, path string) (info entryInfo, found bool, err error) {
	parts := splitFATPath(path)
	if len(parts) == 0 {
		info = v.rootInfo()
		found = true
		return
	}

	dirClus := v.rootDirClus()
	for i, part := range parts {
		info, found, err = v.findEntry(ctx, dirClus, part)
		if err != nil || !found {
			return
		}

		if i < len(parts)-1 {
			if info.attr&attrDir == 0 {
				err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
				return
			}

			dirClus = info.firstClus
		}
	}

	return
}

// resolveParent resolves the directory containing path, returning its
// first cluster (0 for the fixed root) and the leaf name.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) resolveParent(ctx context.Context, path string) (dirClus uint32, leaf string, err error) {
	parts := splitFATPath(path)
	if len(parts) == 0 {
		err = fmt.Errorf("%q has no parent: %w", path, syserr.EINVAL)
		return
	}

	dirClus = v.rootDirClus()
	for _, part := range parts[:len(parts)-1] {
		var info entryInfo
		var found bool
		if info, found, err = v.findEntry(ctx, dirClus, part); err != nil {
			return
		}

		if !found {
			err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
			return
		}

		if info.attr&attrDir == 0 {
			err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
			return
		}

		dirClus = info.firstClus
	}

	leaf = parts[len(parts)-1]
	return
}

func (v *volume) rootDirClus() uint32 {
	if v.fatType == fat32 {
		return v.rootClus
	}

	return 0
}

func (v *volume) rootInfo() entryInfo {
	return entryInfo{
		name:      "/",
		attr:      attrDir,
		firstClus: v.rootDirClus(),
	}
}

func splitFATPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "/")
}

////////////////////////////////////////////////////////////////////////
// Entry creation and deletion
////////////////////////////////////////////////////////////////////////

// shortAlias derives the 11-byte 8.3 alias for a long name, with a ~n
// numeric tail. Candidate aliases are checked against the directory with
// aliasTaken.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) shortAlias(
	ctx context.Context,
	dirClus uint32,
	name string) (short [11]byte, fits bool, err error) {
	base, ext, lossless := split83(name)

	for i := range short {
		short[i] = ' '
	}
	copy(short[8:], ext)

	if lossless && len(base) <= 8 {
		copy(short[:8], base)
		fits = len(ext) <= 3
		if fits {
			return
		}
	}

	// Lossy: BASE~1 .. BASE~999999.
	for n := 1; n <= 999999; n++ {
		tail := fmt.Sprintf("~%d", n)
		keep := 8 - len(tail)
		if keep > len(base) {
			keep = len(base)
		}

		cand := short
		for i := 0; i < 8; i++ {
			cand[i] = ' '
		}
		copy(cand[:], base[:keep])
		copy(cand[keep:], tail)

		var taken bool
		if taken, err = v.aliasTaken(ctx, dirClus, cand); err != nil {
			return
		}

		if !taken {
			short = cand
			return
		}
	}

	err = fmt.Errorf("alias space exhausted for %q: %w", name, syserr.EEXIST)
	return
}

// split83 reduces a name to upper-case 8.3 material, reporting whether
// the reduction was lossless (no substitutions, single dot, short
// enough).
func split83(name string) (base string, ext string, lossless bool) {
	lossless = true

	dot := strings.LastIndexByte(name, '.')
	rawBase, rawExt := name, ""
	if dot > 0 {
		rawBase, rawExt = name[:dot], name[dot+1:]
	}

	sanitize := func(s string, maxLen int) string {
		var out []byte
		for i := 0; i < len(s); i++ {
			c := upperByte(s[i])
			switch {
			case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c >= 0x80:
				out = append(out, c)
			case strings.IndexByte("$%'-_@~`!(){}^#&", c) >= 0:
				out = append(out, c)
			case c == '.' || c == ' ':
				lossless = false
			default:
				out = append(out, '_')
				lossless = false
			}
		}

		if len(out) > maxLen {
			out = out[:maxLen]
			lossless = false
		}

		if string(out) != s {
			// Case was folded or bytes substituted.
			if !strings.EqualFold(string(out), s) {
				lossless = false
			}
		}

		return string(out)
	}

	base = sanitize(rawBase, 8)
	ext = sanitize(rawExt, 3)

	if strings.Count(name, ".") > 1 {
		lossless = false
	}

	return
}

// aliasTaken scans a directory for a short name collision.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) aliasTaken(ctx context.Context, dirClus uint32, short [11]byte) (taken bool, err error) {
	s := v.newDirScan(dirClus)
	for {
		var raw []byte
		raw, _, err = s.next(ctx)
		if err == io.EOF {
			err = nil
			return
		}
		if err != nil {
			return
		}

		if raw[0] == 0xE5 || raw[11] == attrLFN {
			continue
		}

		if string(raw[:11]) == string(short[:]) {
			taken = true
			return
		}
	}
}

// findFreeSlots locates n consecutive free entries in the directory,
// extending a chain directory with a fresh cluster when needed. The
// returned locations are in on-disk order.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) findFreeSlots(
	ctx context.Context,
	dirClus uint32,
	n int) (locs []dirLoc, err error) {
	s := v.newDirScan(dirClus)

	var run []dirLoc
	for {
		var raw []byte
		var loc dirLoc
		raw, loc, err = s.next(ctx)

		if err == io.EOF {
			err = nil

			// A zero first byte means this very slot has never been used;
			// it is the first appended location.
			if raw != nil {
				run = append(run, loc)
			}
			break
		}
		if err != nil {
			return
		}

		if raw[0] == 0xE5 {
			run = append(run, loc)
			if len(run) == n {
				locs = run
				return
			}
			continue
		}

		run = nil
	}

	if len(run) >= n {
		locs = run[:n]
		return
	}

	// The scan hit the never-used tail (or the end of the region/chain).
	// Keep appending locations from where the scan stopped.
	for len(run) < n {
		var loc dirLoc
		var ok bool
		if loc, ok, err = v.appendSlot(ctx, s); err != nil {
			return
		}

		if !ok {
			err = fmt.Errorf("directory full: %w", syserr.ENOSPC)
			return
		}

		run = append(run, loc)
	}

	locs = run
	return
}

// appendSlot yields the next entry position past the in-use area,
// growing chain directories on demand. ok is false when a fixed root
// region is exhausted.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) appendSlot(ctx context.Context, s *dirScan) (loc dirLoc, ok bool, err error) {
	perSector := v.ssize / dirEntrySize

	if s.clus == 0 {
		if s.idx >= v.rootEntCnt {
			return
		}

		loc.sector = v.rootDirStart + s.idx/perSector
		loc.off = (s.idx % perSector) * dirEntrySize
		s.idx++
		ok = true
		return
	}

	perClus := perSector * v.secPerClus
	if s.idx == perClus {
		var next uint32
		if next, err = v.fatGet(ctx, s.curClus); err != nil {
			return
		}

		if v.isEOC(next) {
			if next, err = v.allocCluster(ctx, s.curClus); err != nil {
				return
			}
		}

		s.curClus = next
		s.idx = 0
	}

	loc.sector = v.clusterSector(s.curClus) + s.idx/perSector
	loc.off = (s.idx % perSector) * dirEntrySize
	s.idx++
	ok = true
	return
}

// writeRawEntry stores 32 bytes at loc through the window.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) writeRawEntry(ctx context.Context, loc dirLoc, raw []byte) (err error) {
	if err = v.winLoad(ctx, loc.sector); err != nil {
		return
	}

	copy(v.win[loc.off:loc.off+dirEntrySize], raw)
	v.winDirty = true
	return
}

// createEntry writes an LFN chain plus the 8.3 entry for name in the
// given directory and returns its info.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) createEntry(
	ctx context.Context,
	dirClus uint32,
	name string,
	attr byte) (info entryInfo, err error) {
	if name == "" || name == "." || name == ".." {
		err = fmt.Errorf("illegal name %q: %w", name, syserr.EINVAL)
		return
	}

	short, fits, err := v.shortAlias(ctx, dirClus, name)
	if err != nil {
		return
	}

	// A name that fits 8.3 losslessly needs no LFN chain.
	units := utf16.Encode([]rune(name))
	lfnEntries := (len(units) + 12) / 13
	if fits && decode83(short[:]) == name {
		// The alias already spells the name exactly; no LFN chain is
		// needed. A case difference keeps the chain so the case survives.
		lfnEntries = 0
	}

	locs, err := v.findFreeSlots(ctx, dirClus, lfnEntries+1)
	if err != nil {
		return
	}

	chksum := shortChecksum(short[:])

	// LFN entries are stored highest ordinal first.
	for i := 0; i < lfnEntries; i++ {
		ord := lfnEntries - i
		raw := make([]byte, dirEntrySize)

		raw[0] = byte(ord)
		if ord == lfnEntries {
			raw[0] |= 0x40
		}
		raw[11] = attrLFN
		raw[13] = chksum

		// The 13 units of this fragment, terminated then 0xFFFF padded.
		frag := make([]uint16, 13)
		for j := range frag {
			pos := (ord-1)*13 + j
			switch {
			case pos < len(units):
				frag[j] = units[pos]
			case pos == len(units):
				frag[j] = 0x0000
			default:
				frag[j] = 0xFFFF
			}
		}

		offsets := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
		for j, o := range offsets {
			putLE16(raw[o:], frag[j])
		}

		if err = v.writeRawEntry(ctx, locs[i], raw); err != nil {
			return
		}
	}

	// The 8.3 entry.
	raw := make([]byte, dirEntrySize)
	copy(raw[:11], short[:])
	raw[11] = attr | attrArchive
	if attr&attrDir != 0 {
		raw[11] = attr
	}

	date, tm := v.dosNow()
	putLE16(raw[14:], tm)   // creation time
	putLE16(raw[16:], date) // creation date
	putLE16(raw[22:], tm)   // write time
	putLE16(raw[24:], date) // write date

	loc := locs[len(locs)-1]
	if err = v.writeRawEntry(ctx, loc, raw); err != nil {
		return
	}

	info = entryInfo{
		name:    name,
		attr:    raw[11],
		loc:     loc,
		lfnLocs: locs[:len(locs)-1],
	}
	return
}

// updateEntry rewrites the size, first cluster, and write time of the 8.3
// entry behind an open file.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) updateEntry(ctx context.Context, f *fatFile) (err error) {
	if err = v.winLoad(ctx, f.loc.sector); err != nil {
		return
	}

	raw := v.win[f.loc.off : f.loc.off+dirEntrySize]
	putLE16(raw[26:], uint16(f.firstClus))
	putLE16(raw[20:], uint16(f.firstClus>>16))
	putLE32(raw[28:], f.size)

	date, tm := v.dosNow()
	putLE16(raw[22:], tm)
	putLE16(raw[24:], date)

	v.winDirty = true
	return
}

// deleteEntry marks the 8.3 entry and its LFN chain deleted.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) deleteEntry(ctx context.Context, info entryInfo) (err error) {
	mark := func(loc dirLoc) error {
		if err := v.winLoad(ctx, loc.sector); err != nil {
			return err
		}

		v.win[loc.off] = 0xE5
		v.winDirty = true
		return nil
	}

	for _, loc := range info.lfnLocs {
		if err = mark(loc); err != nil {
			return
		}
	}

	return mark(info.loc)
}

// dosNow encodes the clock's current time in DOS date/time form.
func (v *volume) dosNow() (date uint16, tm uint16) {
	now := v.clock.Now()
	y, m, d := now.Date()
	if y < 1980 {
		y = 1980
	}

	date = uint16((y-1980)<<9 | int(m)<<5 | d)
	tm = uint16(now.Hour()<<11 | now.Minute()<<5 | now.Second()/2)
	return
}

////////////////////////////////////////////////////////////////////////
// Directory capability operations
////////////////////////////////////////////////////////////////////////

func (v *volume) MkDir(ctx context.Context, path string, mode os.FileMode) (err error) {
	if err = v.checkWritable(); err != nil {
		return
	}

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	dirClus, leaf, err := v.resolveParent(ctx, path)
	if err != nil {
		return
	}

	if _, found, ferr := v.findEntry(ctx, dirClus, leaf); ferr != nil {
		return ferr
	} else if found {
		return fmt.Errorf("%q: %w", path, syserr.EEXIST)
	}

	info, err := v.createEntry(ctx, dirClus, leaf, attrDir)
	if err != nil {
		return
	}

	// Give the directory its cluster with "." and ".." entries.
	clus, err := v.allocCluster(ctx, 0)
	if err != nil {
		return
	}

	info.firstClus = clus
	f := &fatFile{loc: info.loc, firstClus: clus, size: 0, attr: info.attr}
	if err = v.updateEntry(ctx, f); err != nil {
		return
	}

	dot := make([]byte, dirEntrySize)
	copy(dot[:11], ".          ")
	dot[11] = attrDir
	putLE16(dot[26:], uint16(clus))
	putLE16(dot[20:], uint16(clus>>16))

	dotdot := make([]byte, dirEntrySize)
	copy(dotdot[:11], "..         ")
	dotdot[11] = attrDir
	putLE16(dotdot[26:], uint16(dirClus))
	putLE16(dotdot[20:], uint16(dirClus>>16))

	base := v.clusterSector(clus)
	if err = v.writeRawEntry(ctx, dirLoc{sector: base, off: 0}, dot); err != nil {
		return
	}
	if err = v.writeRawEntry(ctx, dirLoc{sector: base, off: dirEntrySize}, dotdot); err != nil {
		return
	}

	return v.winSync(ctx)
}

// fatDirIter yields the entries of a directory snapshot.
type fatDirIter struct {
	entries []fs.DirEntry
	pos     int
}

func (it *fatDirIter) NextEntry(ctx context.Context) (e fs.DirEntry, err error) {
	if it.pos >= len(it.entries) {
		err = io.EOF
		return
	}

	e = it.entries[it.pos]
	it.pos++
	return
}

func (it *fatDirIter) Close(ctx context.Context) error {
	it.entries = nil
	return nil
}

func (v *volume) OpenDir(ctx context.Context, path string) (it fs.DirIter, err error) {
	if err = v.lock(ctx); err != nil {
		return
	}

	info, found, err := v.resolvePath(ctx, path)
	if err != nil {
		v.mu.Unlock()
		return
	}

	if !found {
		v.mu.Unlock()
		err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
		return
	}

	if info.attr&attrDir == 0 {
		v.mu.Unlock()
		err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
		return
	}

	entries, err := v.listDir(ctx, info.firstClus)
	v.mu.Unlock()
	if err != nil {
		return
	}

	it = &fatDirIter{entries: entries}
	return
}

// listDir snapshots a directory's entries, skipping dot entries, deleted
// entries, and the volume label.
//
// LOCKS_REQUIRED(v.mu)
func (v *volume) listDir(ctx context.Context, dirClus uint32) (entries []fs.DirEntry, err error) {
	s := v.newDirScan(dirClus)

	lfnParts := make(map[int][]uint16)
	lfnCount := 0
	var lfnChksum byte

	for {
		var raw []byte
		raw, _, err = s.next(ctx)
		if err == io.EOF {
			err = nil
			return
		}
		if err != nil {
			return
		}

		if raw[0] == 0xE5 {
			continue
		}

		attr := raw[11]
		if attr == attrLFN {
			ord := int(raw[0] & 0x3F)
			if raw[0]&0x40 != 0 {
				lfnParts = make(map[int][]uint16)
				lfnCount = ord
			}

			lfnParts[ord] = lfnUnits(raw)
			lfnChksum = raw[13]
			continue
		}

		if attr&attrVolumeID != 0 {
			lfnParts = make(map[int][]uint16)
			lfnCount = 0
			continue
		}

		shortName := decode83(raw)
		if shortName == "." || shortName == ".." {
			continue
		}

		name := shortName
		if long, ok := assembleLFN(lfnParts, lfnCount, lfnChksum, raw[:11]); ok {
			name = long
		}

		lfnParts = make(map[int][]uint16)
		lfnCount = 0

		kind := fs.TypeRegular
		if attr&attrDir != 0 {
			kind = fs.TypeDir
		}

		entries = append(entries, fs.DirEntry{
			Name: name,
			Type: kind,
			Size: int64(le32(raw[28:])),
		})
	}
}

func (v *volume) Remove(ctx context.Context, path string) (err error) {
	if err = v.checkWritable(); err != nil {
		return
	}

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	info, found, err := v.resolvePath(ctx, path)
	if err != nil {
		return
	}

	if !found {
		return fmt.Errorf("%q: %w", path, syserr.ENOENT)
	}

	if info.loc == (dirLoc{}) {
		return fmt.Errorf("cannot remove the root: %w", syserr.EPERM)
	}

	if info.attr&attrDir != 0 {
		var entries []fs.DirEntry
		if entries, err = v.listDir(ctx, info.firstClus); err != nil {
			return
		}

		if len(entries) != 0 {
			return fmt.Errorf("%q: %w", path, syserr.ENOTEMPTY)
		}
	}

	if info.firstClus != 0 {
		if err = v.freeChain(ctx, info.firstClus); err != nil {
			return
		}
	}

	if err = v.deleteEntry(ctx, info); err != nil {
		return
	}

	return v.winSync(ctx)
}

func (v *volume) Rename(ctx context.Context, oldPath string, newPath string) (err error) {
	if err = v.checkWritable(); err != nil {
		return
	}

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	info, found, err := v.resolvePath(ctx, oldPath)
	if err != nil {
		return
	}

	if !found {
		return fmt.Errorf("%q: %w", oldPath, syserr.ENOENT)
	}

	if info.loc == (dirLoc{}) {
		return fmt.Errorf("cannot rename the root: %w", syserr.EPERM)
	}

	newDirClus, newLeaf, err := v.resolveParent(ctx, newPath)
	if err != nil {
		return
	}

	if _, taken, terr := v.findEntry(ctx, newDirClus, newLeaf); terr != nil {
		return terr
	} else if taken {
		return fmt.Errorf("%q: %w", newPath, syserr.EEXIST)
	}

	newInfo, err := v.createEntry(ctx, newDirClus, newLeaf, info.attr)
	if err != nil {
		return
	}

	// Point the fresh entry at the old content.
	f := &fatFile{
		loc:       newInfo.loc,
		firstClus: info.firstClus,
		size:      info.size,
		attr:      info.attr,
	}
	if err = v.updateEntry(ctx, f); err != nil {
		return
	}

	if err = v.deleteEntry(ctx, info); err != nil {
		return
	}

	return v.winSync(ctx)
}

func (v *volume) Stat(ctx context.Context, path string) (st fs.Stat, err error) {
	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	info, found, err := v.resolvePath(ctx, path)
	if err != nil {
		return
	}

	if !found {
		err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
		return
	}

	st = v.statFromEntryFields(info.attr, info.size, info.loc)
	return
}

// Chmod maps the write permission onto the read-only attribute; other
// bits have no FAT representation.
func (v *volume) Chmod(ctx context.Context, path string, mode os.FileMode) (err error) {
	if err = v.checkWritable(); err != nil {
		return
	}

	if err = v.lock(ctx); err != nil {
		return
	}
	defer v.mu.Unlock()

	info, found, err := v.resolvePath(ctx, path)
	if err != nil {
		return
	}

	if !found {
		return fmt.Errorf("%q: %w", path, syserr.ENOENT)
	}

	if info.loc == (dirLoc{}) {
		return fmt.Errorf("cannot chmod the root: %w", syserr.EPERM)
	}

	if err = v.winLoad(ctx, info.loc.sector); err != nil {
		return
	}

	raw := v.win[info.loc.off : info.loc.off+dirEntrySize]
	if mode&0200 == 0 {
		raw[11] |= attrReadOnly
	} else {
		raw[11] &^= attrReadOnly
	}

	v.winDirty = true
	return
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
