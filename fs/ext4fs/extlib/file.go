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

// File is an open file: an inode number pinned by the driver above.
type File struct {
	Ino uint32
}

// OpenFile resolves (and optionally creates or truncates) a regular file.
func (f *Fs) OpenFile(
	ctx context.Context,
	path string,
	create bool,
	truncate bool) (file *File, err error) {
	ino, in, err := f.resolve(ctx, path)

	if err != nil && syserr.Is(err, syserr.ENOENT) && create {
		if err = f.checkWritable(); err != nil {
			return
		}

		if ino, err = f.createNode(ctx, path, modeReg|0644, fileTypeReg); err != nil {
			return
		}

		file = &File{Ino: ino}
		return
	}

	if err != nil {
		return
	}

	if in.mode&modeTypeMask == modeDir {
		err = fmt.Errorf("%q: %w", path, syserr.EISDIR)
		return
	}

	if truncate && in.size > 0 {
		if err = f.checkWritable(); err != nil {
			return
		}

		if err = f.truncateData(ctx, &in); err != nil {
			return
		}

		if err = f.writeInode(ctx, ino, in); err != nil {
			return
		}
	}

	file = &File{Ino: ino}
	return
}

// ReadAt reads from the file at the given byte offset.
func (f *Fs) ReadAt(ctx context.Context, file *File, dst []byte, off int64) (n int, err error) {
	in, err := f.readInode(ctx, file.Ino)
	if err != nil {
		return
	}

	return f.readData(ctx, &in, uint32(off), dst)
}

// WriteAt writes into the file at the given byte offset, extending it as
// needed and stamping the modification time.
func (f *Fs) WriteAt(ctx context.Context, file *File, src []byte, off int64) (n int, err error) {
	if err = f.checkWritable(); err != nil {
		return
	}

	in, err := f.readInode(ctx, file.Ino)
	if err != nil {
		return
	}

	if n, err = f.writeData(ctx, &in, uint32(off), src); err != nil {
		return
	}

	err = f.writeInode(ctx, file.Ino, in)
	return
}

// FStat stats an open file.
func (f *Fs) FStat(ctx context.Context, file *File) (st Stat, err error) {
	in, err := f.readInode(ctx, file.Ino)
	if err != nil {
		return
	}

	st = statFromInode(file.Ino, in)
	return
}

// Stat stats the object at path.
func (f *Fs) Stat(ctx context.Context, path string) (st Stat, err error) {
	ino, in, err := f.resolve(ctx, path)
	if err != nil {
		return
	}

	st = statFromInode(ino, in)
	return
}

func statFromInode(ino uint32, in inode) Stat {
	return Stat{
		Ino:   ino,
		Mode:  in.mode,
		Uid:   in.uid,
		Gid:   in.gid,
		Size:  uint64(in.size),
		Links: in.links,
		Atime: in.atime,
		Ctime: in.ctime,
		Mtime: in.mtime,
	}
}

// createNode allocates an inode of the given mode and links it into the
// parent directory of path.
func (f *Fs) createNode(
	ctx context.Context,
	path string,
	mode uint16,
	ftype uint8) (ino uint32, err error) {
	dirIno, dirIn, leaf, err := f.resolveParent(ctx, path)
	if err != nil {
		return
	}

	if len(leaf) > 255 {
		err = fmt.Errorf("%q: %w", leaf, syserr.ENAMETOOLONG)
		return
	}

	existing, _, err := f.dirLookup(ctx, &dirIn, leaf)
	if err != nil {
		return
	}

	if existing != 0 {
		err = fmt.Errorf("%q: %w", path, syserr.EEXIST)
		return
	}

	isDir := mode&modeTypeMask == modeDir
	if ino, err = f.allocInode(ctx, isDir); err != nil {
		return
	}

	now := f.now()
	in := inode{
		mode:  mode,
		links: 1,
		atime: now,
		ctime: now,
		mtime: now,
	}

	if isDir {
		in.links = 2

		// Seed the "." and ".." entries.
		var blk uint32
		if blk, err = f.mapBlock(ctx, &in, 0, true); err != nil {
			return
		}

		var b, gerr = f.dev.GetBlock(ctx, uint64(blk))
		if gerr != nil {
			err = gerr
			return
		}

		writeEntry(b.Data, ino, 12, ".", fileTypeDir)
		writeEntry(b.Data[12:], dirIno, uint16(f.blockSize-12), "..", fileTypeDir)
		b.Dirty = true
		if err = f.dev.PutBlock(ctx, b); err != nil {
			return
		}

		in.size = f.blockSize
	}

	if err = f.writeInode(ctx, ino, in); err != nil {
		return
	}

	if err = f.dirAdd(ctx, dirIno, &dirIn, leaf, ino, ftype); err != nil {
		return
	}

	if isDir {
		// ".." links the parent.
		dirIn.links++
	}

	dirIn.mtime = now
	err = f.writeInode(ctx, dirIno, dirIn)
	return
}

// MkDir creates a directory at path.
func (f *Fs) MkDir(ctx context.Context, path string, perm uint16) (err error) {
	if err = f.checkWritable(); err != nil {
		return
	}

	_, err = f.createNode(ctx, path, modeDir|(perm&0777), fileTypeDir)
	return
}

// Remove unlinks the object at path: a regular file (freeing its blocks
// when the link count drops to zero) or an empty directory.
func (f *Fs) Remove(ctx context.Context, path string) (err error) {
	if err = f.checkWritable(); err != nil {
		return
	}

	ino, in, err := f.resolve(ctx, path)
	if err != nil {
		return
	}

	if ino == rootIno {
		return fmt.Errorf("cannot remove the root: %w", syserr.EPERM)
	}

	dirIno, dirIn, leaf, err := f.resolveParent(ctx, path)
	if err != nil {
		return
	}

	isDir := in.mode&modeTypeMask == modeDir
	if isDir {
		var empty bool
		if empty, err = f.dirEmpty(ctx, &in); err != nil {
			return
		}

		if !empty {
			return fmt.Errorf("%q: %w", path, syserr.ENOTEMPTY)
		}
	}

	if err = f.dirRemove(ctx, &dirIn, leaf); err != nil {
		return
	}

	if isDir {
		in.links = 0
		if dirIn.links > 2 {
			dirIn.links--
		}
	} else if in.links > 0 {
		in.links--
	}

	dirIn.mtime = f.now()
	if err = f.writeInode(ctx, dirIno, dirIn); err != nil {
		return
	}

	if in.links == 0 {
		if err = f.truncateData(ctx, &in); err != nil {
			return
		}

		in.dtime = f.now()
		if err = f.writeInode(ctx, ino, in); err != nil {
			return
		}

		return f.freeInode(ctx, ino, isDir)
	}

	return f.writeInode(ctx, ino, in)
}

// Rename moves oldPath to newPath within the volume. An existing target
// is refused.
func (f *Fs) Rename(ctx context.Context, oldPath string, newPath string) (err error) {
	if err = f.checkWritable(); err != nil {
		return
	}

	ino, in, err := f.resolve(ctx, oldPath)
	if err != nil {
		return
	}

	if ino == rootIno {
		return fmt.Errorf("cannot rename the root: %w", syserr.EPERM)
	}

	oldDirIno, oldDirIn, oldLeaf, err := f.resolveParent(ctx, oldPath)
	if err != nil {
		return
	}

	newDirIno, newDirIn, newLeaf, err := f.resolveParent(ctx, newPath)
	if err != nil {
		return
	}

	if existing, _, lerr := f.dirLookup(ctx, &newDirIn, newLeaf); lerr != nil {
		return lerr
	} else if existing != 0 {
		return fmt.Errorf("%q: %w", newPath, syserr.EEXIST)
	}

	ftype := uint8(fileTypeReg)
	isDir := in.mode&modeTypeMask == modeDir
	if isDir {
		ftype = fileTypeDir
	}

	if err = f.dirAdd(ctx, newDirIno, &newDirIn, newLeaf, ino, ftype); err != nil {
		return
	}

	// When both parents are the same directory, dirAdd may have moved its
	// inode; reload before removing the old name.
	if newDirIno == oldDirIno {
		if oldDirIn, err = f.readInode(ctx, oldDirIno); err != nil {
			return
		}
	}

	if err = f.dirRemove(ctx, &oldDirIn, oldLeaf); err != nil {
		return
	}

	now := f.now()

	if isDir && oldDirIno != newDirIno {
		// Rewire "..".
		if err = f.dirRemove(ctx, &in, ".."); err != nil {
			return
		}
		if err = f.dirAdd(ctx, ino, &in, "..", newDirIno, fileTypeDir); err != nil {
			return
		}

		if oldDirIn.links > 2 {
			oldDirIn.links--
		}
		newDirIn.links++
		if err = f.writeInode(ctx, newDirIno, newDirIn); err != nil {
			return
		}
	}

	oldDirIn.mtime = now
	return f.writeInode(ctx, oldDirIno, oldDirIn)
}

// Chmod replaces the permission bits of the object at path.
func (f *Fs) Chmod(ctx context.Context, path string, perm uint16) (err error) {
	if err = f.checkWritable(); err != nil {
		return
	}

	ino, in, err := f.resolve(ctx, path)
	if err != nil {
		return
	}

	in.mode = (in.mode & modeTypeMask) | (perm & 0777)
	in.ctime = f.now()
	return f.writeInode(ctx, ino, in)
}

// Chown replaces the ownership of the object at path.
func (f *Fs) Chown(ctx context.Context, path string, uid uint16, gid uint16) (err error) {
	if err = f.checkWritable(); err != nil {
		return
	}

	ino, in, err := f.resolve(ctx, path)
	if err != nil {
		return
	}

	in.uid = uid
	in.gid = gid
	in.ctime = f.now()
	return f.writeInode(ctx, ino, in)
}
