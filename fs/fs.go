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

// Package fs defines the capability table every file system backend
// supplies, and the types shared between backends and the VFS. Backends
// embed NotImplementedFileSystem to inherit "not supported" defaults for
// the operations they lack.
package fs

import (
	"context"
	"os"
	"strings"
	"time"
)

// ParseMountOptions scans a mount options string of flag tokens
// (whitespace or comma separated). "ro" is recognized; unknown tokens are
// ignored for forward compatibility.
func ParseMountOptions(opts string) (readOnly bool) {
	for _, tok := range strings.FieldsFunc(opts, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		if tok == "ro" {
			readOnly = true
		}
	}

	return
}

// A Handle identifies one object a backend has opened. It is opaque to the
// VFS, which stores it in the open file description and passes it back on
// every file operation.
type Handle any

// FileType tags the kind of object a directory entry or stat refers to.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDir
	TypePipe
	TypeDevice
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDir:
		return "dir"
	case TypePipe:
		return "pipe"
	case TypeDevice:
		return "dev"
	default:
		return "unknown"
	}
}

// OpenFlags is the backend flag vocabulary the VFS translates mode strings
// into.
type OpenFlags uint8

const (
	FlagRead OpenFlags = 1 << iota
	FlagWrite
	FlagCreate
	FlagTruncate
	FlagAppend
)

func (f OpenFlags) Read() bool     { return f&FlagRead != 0 }
func (f OpenFlags) Write() bool    { return f&FlagWrite != 0 }
func (f OpenFlags) Create() bool   { return f&FlagCreate != 0 }
func (f OpenFlags) Truncate() bool { return f&FlagTruncate != 0 }
func (f OpenFlags) Append() bool   { return f&FlagAppend != 0 }

// Stat describes one file system object.
type Stat struct {
	Size  int64
	Mode  os.FileMode
	Uid   uint32
	Gid   uint32
	Type  FileType
	Dev   uint32
	Ctime time.Time
	Mtime time.Time
}

// StatFS describes a mounted file system instance.
type StatFS struct {
	// Total and free capacity in bytes. Zero for the volatile backends.
	TotalBytes uint64
	FreeBytes  uint64

	// The block size the file system works in.
	BlockSize uint32

	// The file system type identifier ("lfs", "devfs", "fatfs", "ext4fs").
	FSName string
}

// DirEntry is one directory listing entry.
type DirEntry struct {
	Name string
	Type FileType
	Size int64
}

// DirIter iterates over a directory's entries.
type DirIter interface {
	// NextEntry returns the next entry, or io.EOF when the listing is
	// exhausted. The returned entry's name is owned by the iterator and is
	// valid until the next call or Close.
	NextEntry(ctx context.Context) (DirEntry, error)

	// Close releases the iterator.
	Close(ctx context.Context) error
}

// DeviceStat is what a driver reports about itself.
type DeviceStat struct {
	Major uint8
	Minor uint8
	Size  int64
}

// Driver is the vtable a device node forwards to.
type Driver interface {
	Open(ctx context.Context, flags OpenFlags) error
	Close(ctx context.Context, force bool) error
	Read(ctx context.Context, dst []byte, off int64) (n int, err error)
	Write(ctx context.Context, src []byte, off int64) (n int, err error)
	Ioctl(ctx context.Context, req int, arg any) error
	Flush(ctx context.Context) error
	Stat(ctx context.Context) (DeviceStat, error)
}

// DriverConfig is the payload of mknod: the driver to link into the node.
type DriverConfig struct {
	Driver Driver
}

// Ioctl requests understood by the backends themselves (drivers define
// their own request spaces).
const (
	// Close the writing side of a pipe; readers drain then observe EOF.
	IoctlPipeClose = 0x7001
)

// FileSystem is the capability table. The VFS calls these operations with
// backend-relative paths: "" or "/" for the mount root, otherwise starting
// with "/". Operations a backend does not support return ENOTSUP.
//
// A file system instance is created by its package's New function (the
// table's init slot) and destroyed by Release once the VFS has proven it
// has no open files and nothing mounted beneath it.
type FileSystem interface {
	// Release destroys the instance. Called only during unmount.
	Release(ctx context.Context) error

	///////////////////////////////
	// File operations
	///////////////////////////////

	Open(ctx context.Context, path string, flags OpenFlags) (Handle, error)

	// Close releases the handle. When force is set the backend must complete
	// without blocking on slow I/O; it is used during task teardown.
	Close(ctx context.Context, h Handle, force bool) error

	Read(ctx context.Context, h Handle, dst []byte, off int64) (n int, err error)
	Write(ctx context.Context, h Handle, src []byte, off int64) (n int, err error)
	Ioctl(ctx context.Context, h Handle, req int, arg any) error
	Flush(ctx context.Context, h Handle) error
	FStat(ctx context.Context, h Handle) (Stat, error)

	///////////////////////////////
	// Node operations
	///////////////////////////////

	MkDir(ctx context.Context, path string, mode os.FileMode) error
	MkNod(ctx context.Context, path string, cfg DriverConfig) error
	MkFifo(ctx context.Context, path string) error
	OpenDir(ctx context.Context, path string) (DirIter, error)
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath string, newPath string) error
	Chmod(ctx context.Context, path string, mode os.FileMode) error
	Chown(ctx context.Context, path string, uid uint32, gid uint32) error
	Stat(ctx context.Context, path string) (Stat, error)
	StatFS(ctx context.Context) (StatFS, error)
	Sync(ctx context.Context) error

	///////////////////////////////
	// Accounting
	///////////////////////////////

	// OpenCount returns the number of open files the instance is serving.
	// The VFS requires zero before unmounting.
	OpenCount() int
}
