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
	"strings"

	"github.com/veloxos/velox/internal/syserr"
)

// Directory entries are packed records: inode(4), rec_len(2),
// name_len(1), file_type(1), name. The last entry of each block absorbs
// the remaining space in its rec_len.

const dirEntryHeader = 8

// dirVisit walks every live entry of the directory inode, calling fn with
// the entry fields and its location. fn returning stop ends the walk.
func (f *Fs) dirVisit(
	ctx context.Context,
	dirIn *inode,
	fn func(ino uint32, name string, ftype uint8, blk uint32, off uint32) (stop bool)) (err error) {
	blocks := (dirIn.size + f.blockSize - 1) / f.blockSize

	for fb := uint32(0); fb < blocks; fb++ {
		var blk uint32
		if blk, err = f.mapBlock(ctx, dirIn, fb, false); err != nil {
			return
		}

		if blk == 0 {
			continue
		}

		b, gerr := f.dev.GetBlock(ctx, uint64(blk))
		if gerr != nil {
			err = gerr
			return
		}

		stopped := false
		for off := uint32(0); off+dirEntryHeader <= f.blockSize; {
			ino := le32(b.Data[off:])
			recLen := uint32(le16(b.Data[off+4:]))
			nameLen := uint32(b.Data[off+6])
			ftype := b.Data[off+7]

			if recLen < dirEntryHeader || off+recLen > f.blockSize {
				f.dev.PutBlock(ctx, b)
				err = fmt.Errorf("corrupt directory entry at block %d: %w", blk, syserr.EIO)
				return
			}

			if ino != 0 && nameLen > 0 {
				name := string(b.Data[off+dirEntryHeader : off+dirEntryHeader+nameLen])
				if fn(ino, name, ftype, blk, off) {
					stopped = true
					break
				}
			}

			off += recLen
		}

		if err = f.dev.PutBlock(ctx, b); err != nil {
			return
		}

		if stopped {
			return
		}
	}

	return
}

// dirLookup finds name in the directory inode.
func (f *Fs) dirLookup(
	ctx context.Context,
	dirIn *inode,
	name string) (ino uint32, ftype uint8, err error) {
	err = f.dirVisit(ctx, dirIn,
		func(entIno uint32, entName string, entType uint8, blk uint32, off uint32) bool {
			if entName == name {
				ino = entIno
				ftype = entType
				return true
			}
			return false
		})
	return
}

// dirAdd links (name -> ino) into the directory, splitting an entry with
// slack or appending a fresh block.
func (f *Fs) dirAdd(
	ctx context.Context,
	dirIno uint32,
	dirIn *inode,
	name string,
	ino uint32,
	ftype uint8) (err error) {
	need := entrySize(len(name))
	blocks := (dirIn.size + f.blockSize - 1) / f.blockSize

	for fb := uint32(0); fb < blocks; fb++ {
		var blk uint32
		if blk, err = f.mapBlock(ctx, dirIn, fb, false); err != nil {
			return
		}

		if blk == 0 {
			continue
		}

		b, gerr := f.dev.GetBlock(ctx, uint64(blk))
		if gerr != nil {
			err = gerr
			return
		}

		placed := false
		for off := uint32(0); off+dirEntryHeader <= f.blockSize; {
			entIno := le32(b.Data[off:])
			recLen := uint32(le16(b.Data[off+4:]))
			nameLen := uint32(b.Data[off+6])

			if recLen < dirEntryHeader || off+recLen > f.blockSize {
				f.dev.PutBlock(ctx, b)
				return fmt.Errorf("corrupt directory entry at block %d: %w", blk, syserr.EIO)
			}

			used := uint32(dirEntryHeader)
			if entIno != 0 {
				used = entrySize(int(nameLen))
			}

			if recLen-used >= need && entIno != 0 {
				// Split: shrink this entry, place ours in the slack.
				putLE16(b.Data[off+4:], uint16(used))
				writeEntry(b.Data[off+used:], ino, uint16(recLen-used), name, ftype)
				placed = true
			} else if entIno == 0 && recLen >= need {
				// Reuse a dead entry.
				writeEntry(b.Data[off:], ino, uint16(recLen), name, ftype)
				placed = true
			}

			if placed {
				b.Dirty = true
				break
			}

			off += recLen
		}

		if err = f.dev.PutBlock(ctx, b); err != nil {
			return
		}

		if placed {
			return
		}
	}

	// No room: append a block holding just this entry.
	newFb := blocks
	blk, err := f.mapBlock(ctx, dirIn, newFb, true)
	if err != nil {
		return
	}

	b, err := f.dev.GetBlock(ctx, uint64(blk))
	if err != nil {
		return
	}

	writeEntry(b.Data, ino, uint16(f.blockSize), name, ftype)
	b.Dirty = true
	if err = f.dev.PutBlock(ctx, b); err != nil {
		return
	}

	dirIn.size += f.blockSize
	dirIn.mtime = f.now()
	return f.writeInode(ctx, dirIno, *dirIn)
}

// dirRemove unlinks name from the directory by merging its record into
// the predecessor (or blanking it when it leads a block).
func (f *Fs) dirRemove(
	ctx context.Context,
	dirIn *inode,
	name string) (err error) {
	blocks := (dirIn.size + f.blockSize - 1) / f.blockSize

	for fb := uint32(0); fb < blocks; fb++ {
		var blk uint32
		if blk, err = f.mapBlock(ctx, dirIn, fb, false); err != nil {
			return
		}

		if blk == 0 {
			continue
		}

		b, gerr := f.dev.GetBlock(ctx, uint64(blk))
		if gerr != nil {
			err = gerr
			return
		}

		var prevOff int64 = -1
		for off := uint32(0); off+dirEntryHeader <= f.blockSize; {
			entIno := le32(b.Data[off:])
			recLen := uint32(le16(b.Data[off+4:]))
			nameLen := uint32(b.Data[off+6])

			if recLen < dirEntryHeader || off+recLen > f.blockSize {
				f.dev.PutBlock(ctx, b)
				return fmt.Errorf("corrupt directory entry at block %d: %w", blk, syserr.EIO)
			}

			if entIno != 0 &&
				string(b.Data[off+dirEntryHeader:off+dirEntryHeader+nameLen]) == name {
				if prevOff >= 0 {
					prevLen := uint32(le16(b.Data[prevOff+4:]))
					putLE16(b.Data[prevOff+4:], uint16(prevLen+recLen))
				} else {
					putLE32(b.Data[off:], 0)
				}

				b.Dirty = true
				return f.dev.PutBlock(ctx, b)
			}

			prevOff = int64(off)
			off += recLen
		}

		if err = f.dev.PutBlock(ctx, b); err != nil {
			return
		}
	}

	return fmt.Errorf("%q: %w", name, syserr.ENOENT)
}

// dirEmpty reports whether the directory holds nothing but "." and "..".
func (f *Fs) dirEmpty(ctx context.Context, dirIn *inode) (empty bool, err error) {
	empty = true
	err = f.dirVisit(ctx, dirIn,
		func(ino uint32, name string, ftype uint8, blk uint32, off uint32) bool {
			if name != "." && name != ".." {
				empty = false
				return true
			}
			return false
		})
	return
}

// List returns the entries of the directory at path, without "." and
// "..".
func (f *Fs) List(ctx context.Context, path string) (entries []DirEntry, err error) {
	ino, in, err := f.resolve(ctx, path)
	if err != nil {
		return
	}

	if in.mode&modeTypeMask != modeDir {
		err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
		return
	}

	_ = ino
	err = f.dirVisit(ctx, &in,
		func(entIno uint32, name string, ftype uint8, blk uint32, off uint32) bool {
			if name != "." && name != ".." {
				entries = append(entries, DirEntry{Ino: entIno, Name: name, Type: ftype})
			}
			return false
		})
	return
}

func entrySize(nameLen int) uint32 {
	// Records are 4-byte aligned.
	return uint32((dirEntryHeader + nameLen + 3) &^ 3)
}

func writeEntry(dst []byte, ino uint32, recLen uint16, name string, ftype uint8) {
	putLE32(dst[0:], ino)
	putLE16(dst[4:], recLen)
	dst[6] = byte(len(name))
	dst[7] = ftype
	copy(dst[dirEntryHeader:], name)
}

////////////////////////////////////////////////////////////////////////
// Path resolution
////////////////////////////////////////////////////////////////////////

// resolve walks path from the root inode. The empty path and "/" resolve
// to the root.
func (f *Fs) resolve(ctx context.Context, path string) (ino uint32, in inode, err error) {
	ino = rootIno
	if in, err = f.readInode(ctx, ino); err != nil {
		return
	}

	for _, part := range splitExtPath(path) {
		if in.mode&modeTypeMask != modeDir {
			err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
			return
		}

		var childIno uint32
		if childIno, _, err = f.dirLookup(ctx, &in, part); err != nil {
			return
		}

		if childIno == 0 {
			err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
			return
		}

		ino = childIno
		if in, err = f.readInode(ctx, ino); err != nil {
			return
		}
	}

	return
}

// resolveParent resolves the directory containing path plus the leaf
// name.
func (f *Fs) resolveParent(
	ctx context.Context,
	path string) (dirIno uint32, dirIn inode, leaf string, err error) {
	parts := splitExtPath(path)
	if len(parts) == 0 {
		err = fmt.Errorf("%q has no parent: %w", path, syserr.EINVAL)
		return
	}

	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	if dirIno, dirIn, err = f.resolve(ctx, parentPath); err != nil {
		return
	}

	if dirIn.mode&modeTypeMask != modeDir {
		err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
		return
	}

	leaf = parts[len(parts)-1]
	return
}

func splitExtPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "/")
}
