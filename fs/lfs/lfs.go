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

// Package lfs implements the RAM-resident little file system: an
// in-memory hierarchical store whose nodes are directories, regular
// files, pipes, or device links. It is the usual root file system.
package lfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
)

// node is one object in the tree. All fields are guarded by the FS-wide
// recursive mutex.
type node struct {
	name  string
	kind  fs.FileType
	mode  os.FileMode
	uid   uint32
	gid   uint32
	ctime time.Time
	mtime time.Time

	// Directory children, in creation order. Lookup is linear.
	//
	// INVARIANT: children == nil unless kind == fs.TypeDir
	children []*node

	// Non-owning back reference, nil for the root.
	parent *node

	// Regular file payload.
	content *content

	// Pipe payload.
	pipe *kernel.Pipe

	// Device link payload.
	drv fs.Driver

	// Number of open handles on this node; non-zero forbids removal.
	opens int
}

// openFile is the backend handle for one open on a node.
type openFile struct {
	n     *node
	flags fs.OpenFlags
}

type fileSystem struct {
	fs.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	// Capacity in bytes for file contents; zero means unlimited.
	maxBytes int64

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The FS-wide recursive mutex of the spec: every entry point takes it;
	// helpers may retake it.
	mu *kernel.RecursiveMutex

	// GUARDED_BY(mu)
	root *node

	// Bytes currently charged by file contents.
	//
	// INVARIANT: maxBytes == 0 || usedBytes <= maxBytes
	//
	// GUARDED_BY(mu)
	usedBytes int64

	// Number of open handles across the instance.
	//
	// GUARDED_BY(mu)
	openCount int
}

// New creates an empty lfs instance. The source path and options of the
// mount are ignored: the tree is volatile.
func New(clock timeutil.Clock, maxBytes int64) fs.FileSystem {
	x := &fileSystem{
		clock:    clock,
		maxBytes: maxBytes,
		mu:       kernel.NewRecursiveMutex(),
	}

	now := clock.Now()
	x.root = &node{
		name:  "",
		kind:  fs.TypeDir,
		mode:  0755 | os.ModeDir,
		ctime: now,
		mtime: now,
	}

	return x
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// charge accounts delta bytes against the capacity, refusing growth past
// maxBytes.
//
// LOCKS_REQUIRED(x.mu)
func (x *fileSystem) charge(delta int64) bool {
	if delta > 0 && x.maxBytes != 0 && x.usedBytes+delta > x.maxBytes {
		return false
	}

	x.usedBytes += delta
	return true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}

	return strings.Split(path, "/")
}

// getNode resolves a backend-relative path to a node.
//
// LOCKS_REQUIRED(x.mu)
func (x *fileSystem) getNode(path string) (n *node, err error) {
	n = x.root
	for _, name := range splitPath(path) {
		if n.kind != fs.TypeDir {
			err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
			return
		}

		n = n.childByName(name)
		if n == nil {
			err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
			return
		}
	}

	return
}

// getParent resolves the directory containing path and the leaf name.
//
// LOCKS_REQUIRED(x.mu)
func (x *fileSystem) getParent(path string) (parent *node, name string, err error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		err = fmt.Errorf("%q has no parent: %w", path, syserr.EINVAL)
		return
	}

	parent = x.root
	for _, p := range parts[:len(parts)-1] {
		if parent.kind != fs.TypeDir {
			err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
			return
		}

		parent = parent.childByName(p)
		if parent == nil {
			err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
			return
		}
	}

	if parent.kind != fs.TypeDir {
		err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
		return
	}

	name = parts[len(parts)-1]
	return
}

func (n *node) childByName(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}

	return nil
}

func (n *node) removeChild(target *node) {
	for i, c := range n.children {
		if c == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// newChild links a fresh node of the given kind under parent.
//
// LOCKS_REQUIRED(x.mu)
func (x *fileSystem) newChild(
	parent *node,
	name string,
	kind fs.FileType,
	mode os.FileMode) (n *node) {
	now := x.clock.Now()
	n = &node{
		name:   name,
		kind:   kind,
		mode:   mode,
		ctime:  now,
		mtime:  now,
		parent: parent,
	}

	if kind == fs.TypeRegular {
		n.content = newContent(x.charge)
	}

	parent.children = append(parent.children, n)
	parent.mtime = now
	return
}

func (n *node) stat(pipeDepth func(*kernel.Pipe) int) fs.Stat {
	st := fs.Stat{
		Mode:  n.mode,
		Uid:   n.uid,
		Gid:   n.gid,
		Type:  n.kind,
		Ctime: n.ctime,
		Mtime: n.mtime,
	}

	switch n.kind {
	case fs.TypeRegular:
		st.Size = n.content.Size()
	case fs.TypePipe:
		st.Size = int64(pipeDepth(n.pipe))
	}

	return st
}

////////////////////////////////////////////////////////////////////////
// Capability table
////////////////////////////////////////////////////////////////////////

func (x *fileSystem) Release(ctx context.Context) (err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	if x.openCount != 0 {
		return fmt.Errorf("%d open files: %w", x.openCount, syserr.EBUSY)
	}

	x.root = nil
	x.usedBytes = 0
	return
}

func (x *fileSystem) Open(
	ctx context.Context,
	path string,
	flags fs.OpenFlags) (h fs.Handle, err error) {
	x.mu.ForceLock(ctx)

	n, err := x.getNode(path)
	if err != nil {
		if !syserr.Is(err, syserr.ENOENT) || !flags.Create() {
			x.mu.Unlock(ctx)
			return
		}

		// Create the regular file.
		var parent *node
		var name string
		if parent, name, err = x.getParent(path); err != nil {
			x.mu.Unlock(ctx)
			return
		}

		n = x.newChild(parent, name, fs.TypeRegular, 0644)
	}

	if n.kind == fs.TypeDir {
		x.mu.Unlock(ctx)
		err = fmt.Errorf("%q: %w", path, syserr.EISDIR)
		return
	}

	if n.kind == fs.TypeRegular && flags.Truncate() {
		if err = n.content.Truncate(0); err != nil {
			x.mu.Unlock(ctx)
			return
		}

		n.mtime = x.clock.Now()
	}

	drv := n.drv
	x.mu.Unlock(ctx)

	// A driver's open may suspend; call it without the tree lock.
	if n.kind == fs.TypeDevice {
		if err = drv.Open(ctx, flags); err != nil {
			err = fmt.Errorf("driver Open: %w", err)
			return
		}
	}

	x.mu.ForceLock(ctx)
	n.opens++
	x.openCount++
	x.mu.Unlock(ctx)

	h = &openFile{n: n, flags: flags}
	return
}

func (x *fileSystem) Close(ctx context.Context, h fs.Handle, force bool) (err error) {
	of := h.(*openFile)

	if of.n.kind == fs.TypeDevice {
		if err = of.n.drv.Close(ctx, force); err != nil && !force {
			err = fmt.Errorf("driver Close: %w", err)
			return
		}
	}

	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	of.n.opens--
	x.openCount--
	return
}

func (x *fileSystem) Read(
	ctx context.Context,
	h fs.Handle,
	dst []byte,
	off int64) (n int, err error) {
	of := h.(*openFile)

	x.mu.ForceLock(ctx)
	kind := of.n.kind
	pipe := of.n.pipe
	drv := of.n.drv

	switch kind {
	case fs.TypeRegular:
		n, err = of.n.content.ReadAt(dst, off)
		x.mu.Unlock(ctx)
		if err == io.EOF {
			// A short count signals end of file to the VFS.
			err = nil
		}
		return

	case fs.TypePipe:
		// Pipe reads block; never hold the tree lock across them.
		x.mu.Unlock(ctx)
		return pipe.Read(ctx, dst)

	case fs.TypeDevice:
		x.mu.Unlock(ctx)
		return drv.Read(ctx, dst, off)

	default:
		x.mu.Unlock(ctx)
		err = syserr.EISDIR
		return
	}
}

func (x *fileSystem) Write(
	ctx context.Context,
	h fs.Handle,
	src []byte,
	off int64) (n int, err error) {
	of := h.(*openFile)

	x.mu.ForceLock(ctx)
	kind := of.n.kind
	pipe := of.n.pipe
	drv := of.n.drv

	switch kind {
	case fs.TypeRegular:
		n, err = of.n.content.WriteAt(src, off)
		if n > 0 {
			of.n.mtime = x.clock.Now()
		}
		x.mu.Unlock(ctx)
		return

	case fs.TypePipe:
		x.mu.Unlock(ctx)
		n, err = pipe.Write(ctx, src)
		if err == io.ErrClosedPipe {
			err = fmt.Errorf("pipe closed: %w", syserr.EPERM)
		}
		return

	case fs.TypeDevice:
		x.mu.Unlock(ctx)
		return drv.Write(ctx, src, off)

	default:
		x.mu.Unlock(ctx)
		err = syserr.EISDIR
		return
	}
}

func (x *fileSystem) Ioctl(
	ctx context.Context,
	h fs.Handle,
	req int,
	arg any) (err error) {
	of := h.(*openFile)

	x.mu.ForceLock(ctx)
	kind := of.n.kind
	pipe := of.n.pipe
	drv := of.n.drv
	x.mu.Unlock(ctx)

	switch kind {
	case fs.TypePipe:
		if req == fs.IoctlPipeClose {
			pipe.Close()
			return
		}
		return syserr.ENOTSUP

	case fs.TypeDevice:
		return drv.Ioctl(ctx, req, arg)

	default:
		return syserr.ENOTSUP
	}
}

func (x *fileSystem) Flush(ctx context.Context, h fs.Handle) (err error) {
	of := h.(*openFile)

	x.mu.ForceLock(ctx)
	kind := of.n.kind
	drv := of.n.drv
	x.mu.Unlock(ctx)

	// RAM contents are always "flushed"; only drivers have real work.
	if kind == fs.TypeDevice {
		return drv.Flush(ctx)
	}

	return
}

func (x *fileSystem) FStat(ctx context.Context, h fs.Handle) (st fs.Stat, err error) {
	of := h.(*openFile)

	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	if of.n.kind == fs.TypeDevice {
		var dst fs.DeviceStat
		x.mu.Unlock(ctx)
		dst, err = of.n.drv.Stat(ctx)
		x.mu.ForceLock(ctx)
		if err != nil {
			err = fmt.Errorf("driver Stat: %w", err)
			return
		}

		st = of.n.stat(pipeLen)
		st.Size = dst.Size
		st.Dev = uint32(dst.Major)<<8 | uint32(dst.Minor)
		return
	}

	st = of.n.stat(pipeLen)
	return
}

func pipeLen(p *kernel.Pipe) int {
	return p.Len()
}

func (x *fileSystem) MkDir(ctx context.Context, path string, mode os.FileMode) (err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	parent, name, err := x.getParent(path)
	if err != nil {
		return
	}

	if parent.childByName(name) != nil {
		return fmt.Errorf("%q: %w", path, syserr.EEXIST)
	}

	x.newChild(parent, name, fs.TypeDir, mode|os.ModeDir)
	return
}

func (x *fileSystem) MkFifo(ctx context.Context, path string) (err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	parent, name, err := x.getParent(path)
	if err != nil {
		return
	}

	if parent.childByName(name) != nil {
		return fmt.Errorf("%q: %w", path, syserr.EEXIST)
	}

	n := x.newChild(parent, name, fs.TypePipe, 0644|os.ModeNamedPipe)
	n.pipe = kernel.NewPipe(0)
	return
}

func (x *fileSystem) MkNod(ctx context.Context, path string, cfg fs.DriverConfig) (err error) {
	if cfg.Driver == nil {
		return fmt.Errorf("nil driver: %w", syserr.EINVAL)
	}

	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	parent, name, err := x.getParent(path)
	if err != nil {
		return
	}

	if parent.childByName(name) != nil {
		return fmt.Errorf("%q: %w", path, syserr.EEXIST)
	}

	n := x.newChild(parent, name, fs.TypeDevice, 0666|os.ModeDevice)
	n.drv = cfg.Driver
	return
}

// dirIter iterates over a snapshot of a directory's entries taken at
// OpenDir time.
type dirIter struct {
	entries []fs.DirEntry
	pos     int
}

func (it *dirIter) NextEntry(ctx context.Context) (e fs.DirEntry, err error) {
	if it.pos >= len(it.entries) {
		err = io.EOF
		return
	}

	e = it.entries[it.pos]
	it.pos++
	return
}

func (it *dirIter) Close(ctx context.Context) error {
	it.entries = nil
	return nil
}

func (x *fileSystem) OpenDir(ctx context.Context, path string) (it fs.DirIter, err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	n, err := x.getNode(path)
	if err != nil {
		return
	}

	if n.kind != fs.TypeDir {
		err = fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
		return
	}

	entries := make([]fs.DirEntry, 0, len(n.children))
	for _, c := range n.children {
		st := c.stat(pipeLen)
		entries = append(entries, fs.DirEntry{Name: c.name, Type: c.kind, Size: st.Size})
	}

	it = &dirIter{entries: entries}
	return
}

func (x *fileSystem) Remove(ctx context.Context, path string) (err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	n, err := x.getNode(path)
	if err != nil {
		return
	}

	if n == x.root {
		return fmt.Errorf("cannot remove the root: %w", syserr.EPERM)
	}

	if n.kind == fs.TypeDir && len(n.children) != 0 {
		return fmt.Errorf("%q: %w", path, syserr.ENOTEMPTY)
	}

	if n.opens != 0 {
		return fmt.Errorf("%q has %d open handles: %w", path, n.opens, syserr.EBUSY)
	}

	if n.content != nil {
		n.content.Destroy()
	}

	if n.pipe != nil {
		n.pipe.Close()
	}

	n.parent.removeChild(n)
	n.parent.mtime = x.clock.Now()
	n.parent = nil
	return
}

func (x *fileSystem) Rename(ctx context.Context, oldPath string, newPath string) (err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	n, err := x.getNode(oldPath)
	if err != nil {
		return
	}

	if n == x.root {
		return fmt.Errorf("cannot rename the root: %w", syserr.EPERM)
	}

	newParent, newName, err := x.getParent(newPath)
	if err != nil {
		return
	}

	if newParent.childByName(newName) != nil {
		return fmt.Errorf("%q: %w", newPath, syserr.EEXIST)
	}

	n.parent.removeChild(n)
	n.parent.mtime = x.clock.Now()

	n.name = newName
	n.parent = newParent
	newParent.children = append(newParent.children, n)
	newParent.mtime = x.clock.Now()
	return
}

func (x *fileSystem) Chmod(ctx context.Context, path string, mode os.FileMode) (err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	n, err := x.getNode(path)
	if err != nil {
		return
	}

	n.mode = (n.mode &^ os.ModePerm) | (mode & os.ModePerm)
	return
}

func (x *fileSystem) Chown(ctx context.Context, path string, uid uint32, gid uint32) (err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	n, err := x.getNode(path)
	if err != nil {
		return
	}

	n.uid = uid
	n.gid = gid
	return
}

func (x *fileSystem) Stat(ctx context.Context, path string) (st fs.Stat, err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	n, err := x.getNode(path)
	if err != nil {
		return
	}

	st = n.stat(pipeLen)
	return
}

func (x *fileSystem) StatFS(ctx context.Context) (sfs fs.StatFS, err error) {
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)

	sfs = fs.StatFS{
		TotalBytes: uint64(x.maxBytes),
		BlockSize:  1,
		FSName:     "lfs",
	}

	if x.maxBytes != 0 {
		sfs.FreeBytes = uint64(x.maxBytes - x.usedBytes)
	}

	return
}

func (x *fileSystem) Sync(ctx context.Context) error {
	// Volatile storage; nothing to push anywhere.
	return nil
}

func (x *fileSystem) OpenCount() (n int) {
	ctx := context.Background()
	x.mu.ForceLock(ctx)
	defer x.mu.Unlock(ctx)
	return x.openCount
}
