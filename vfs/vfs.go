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

// Package vfs implements the virtual file system root: the mount tree,
// path resolution, the descriptor table, and dispatch into the backend
// capability tables.
package vfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/jacobsa/syncutil"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/logger"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
)

// Validation cookies distinguishing file descriptors from directory
// handles, and detecting use after close (the cookie is cleared then).
const (
	fileValidation uint32 = 0x495D47CB
	dirValidation  uint32 = 0x297E823D
)

// mountState is the monotonic lifecycle of a mount entry.
type mountState int

const (
	stateMounted mountState = iota
	stateUnmounting
	stateGone
)

// mount links a mount point to a file system instance.
type mount struct {
	// The normalized mount point: "/" or "/a/b" with no trailing slash.
	point string

	// The type identifier the instance was mounted as ("lfs", ...).
	fsName string

	fsys fs.FileSystem

	// The mount on which the mount point itself lives; nil for the root.
	parent *mount

	/////////////////////////
	// Mutable state, GUARDED_BY(Vfs.mu)
	/////////////////////////

	// How many file systems are mounted beneath this one. Non-zero forbids
	// unmounting.
	mountedBeneath int

	// The number of live descriptors (files and directory handles)
	// referring to this instance. Non-zero forbids unmounting.
	openFiles int

	state mountState
}

// InitFunc is a backend constructor: the capability table's init slot. The
// source path has already been interpreted by the VFS only so far as to
// open nothing: its meaning belongs to the backend (it may be empty for
// the RAM file systems). The options string is the raw mount options.
type InitFunc func(ctx context.Context, source string, opts string) (fs.FileSystem, error)

// Config carries the VFS limits.
type Config struct {
	// Longest accepted path in bytes. Zero means the default (1024).
	MaxPathLength int

	// Deepest accepted path in components. Zero means the default (256).
	MaxPathDepth int
}

const (
	defaultMaxPathLength = 1024
	defaultMaxPathDepth  = 256
	maxComponentLength   = 255
)

// Vfs is the kernel's file system root, created once at boot.
type Vfs struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	maxPathLength int
	maxPathDepth  int

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The mount-tree mutex. Held only long enough to resolve paths and pin
	// the target instance; backend calls run without it.
	mu syncutil.InvariantMutex

	// Registered backend constructors, keyed by FS type name.
	//
	// GUARDED_BY(mu)
	backends map[string]InitFunc

	// The mount table.
	//
	// INVARIANT: At most one entry per point
	// INVARIANT: Entry 0, when present, has point "/" and nil parent
	// INVARIANT: Every other entry's parent is also in the table
	//
	// GUARDED_BY(mu)
	mounts []*mount

	// The descriptor table.
	//
	// INVARIANT: For all keys k, 0 <= k < nextFD
	// INVARIANT: Every value's validation is fileValidation
	//
	// GUARDED_BY(mu)
	files map[int]*File

	// GUARDED_BY(mu)
	nextFD int
}

// New creates an empty VFS with no mounts.
func New(cfg Config) (v *Vfs) {
	if cfg.MaxPathLength == 0 {
		cfg.MaxPathLength = defaultMaxPathLength
	}
	if cfg.MaxPathDepth == 0 {
		cfg.MaxPathDepth = defaultMaxPathDepth
	}

	v = &Vfs{
		maxPathLength: cfg.MaxPathLength,
		maxPathDepth:  cfg.MaxPathDepth,
		backends:      make(map[string]InitFunc),
		files:         make(map[int]*File),
	}

	v.mu = syncutil.NewInvariantMutex(v.checkInvariants)
	return
}

// RegisterFS makes a backend constructor available to Mount under the
// given type name.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) RegisterFS(name string, init InitFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.backends[name] = init
}

func (v *Vfs) checkInvariants() {
	// INVARIANT: At most one entry per point
	seen := make(map[string]struct{})
	for _, m := range v.mounts {
		if _, ok := seen[m.point]; ok {
			panic(fmt.Sprintf("Duplicate mount point %q", m.point))
		}
		seen[m.point] = struct{}{}
	}

	// INVARIANT: Entry 0, when present, has point "/" and nil parent
	if len(v.mounts) > 0 {
		if v.mounts[0].point != "/" || v.mounts[0].parent != nil {
			panic(fmt.Sprintf("Corrupt root mount %q", v.mounts[0].point))
		}
	}

	// INVARIANT: Every other entry's parent is also in the table
	for _, m := range v.mounts[min(1, len(v.mounts)):] {
		found := false
		for _, p := range v.mounts {
			if m.parent == p {
				found = true
				break
			}
		}
		if !found {
			panic(fmt.Sprintf("Mount %q has a foreign parent", m.point))
		}
	}

	// INVARIANT: For all keys k, 0 <= k < nextFD
	// INVARIANT: Every value's validation is fileValidation
	for fd, f := range v.files {
		if fd < 0 || fd >= v.nextFD {
			panic(fmt.Sprintf("Illegal descriptor: %v", fd))
		}
		if f.validation != fileValidation {
			panic(fmt.Sprintf("Descriptor %v with cookie %x", fd, f.validation))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Path handling
////////////////////////////////////////////////////////////////////////

// checkPath validates shape and limits: absolute, within the length and
// depth budgets, components no longer than 255 bytes.
func (v *Vfs) checkPath(path string) (err error) {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%q is not absolute: %w", path, syserr.EINVAL)
	}

	if len(path) > v.maxPathLength {
		return fmt.Errorf("%d bytes: %w", len(path), syserr.ENAMETOOLONG)
	}

	components := splitComponents(path)
	if len(components) > v.maxPathDepth {
		return fmt.Errorf("%d components: %w", len(components), syserr.ENAMETOOLONG)
	}

	for _, c := range components {
		if len(c) > maxComponentLength {
			return fmt.Errorf("component %q: %w", c, syserr.ENAMETOOLONG)
		}
	}

	return
}

func splitComponents(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "/")
}

// resolve finds the mount entry with the longest whole-component prefix
// match for path, returning it and the backend-relative remainder ("" or
// starting with "/").
//
// LOCKS_REQUIRED(v.mu)
func (v *Vfs) resolve(path string) (m *mount, rel string, err error) {
	for _, cand := range v.mounts {
		if cand.state != stateMounted {
			continue
		}

		var r string
		var ok bool
		if cand.point == "/" {
			r, ok = path, true
		} else if path == cand.point {
			r, ok = "", true
		} else if strings.HasPrefix(path, cand.point+"/") {
			r, ok = path[len(cand.point):], true
		}

		if ok && (m == nil || len(cand.point) > len(m.point)) {
			m = cand
			rel = r
		}
	}

	if m == nil {
		err = fmt.Errorf("%q: %w", path, syserr.ENOENT)
	}

	return
}

// resolveAndPin resolves path and pins the target instance against
// unmounting by bumping its descriptor count. The caller must unpin.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) resolveAndPin(path string) (m *mount, rel string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, rel, err = v.resolve(path)
	if err != nil {
		return
	}

	m.openFiles++
	return
}

// unpin undoes resolveAndPin.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) unpin(m *mount) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m.openFiles--
}

////////////////////////////////////////////////////////////////////////
// Mounting
////////////////////////////////////////////////////////////////////////

// Mount creates an instance of the named backend from the source path and
// options, and mounts it at point. The first mount must be at "/".
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Mount(
	ctx context.Context,
	fsName string,
	source string,
	point string,
	opts string) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(point); err != nil {
		return
	}

	point = normalizePoint(point)

	v.mu.Lock()
	init, ok := v.backends[fsName]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("unknown file system %q: %w", fsName, syserr.ENODEV)
	}

	// Find the enclosing mount, if any is required.
	var parent *mount
	var rel string
	if point == "/" {
		if len(v.mounts) != 0 {
			v.mu.Unlock()
			return fmt.Errorf("root already mounted: %w", syserr.EBUSY)
		}
	} else {
		if parent, rel, err = v.resolve(point); err != nil {
			v.mu.Unlock()
			return
		}

		for _, m := range v.mounts {
			if m.point == point {
				v.mu.Unlock()
				return fmt.Errorf("%q already mounted: %w", point, syserr.EBUSY)
			}
		}

		// Pin the parent while we probe it below without the lock.
		parent.openFiles++
	}
	v.mu.Unlock()

	// The mount point must exist on the enclosing FS and be a directory.
	if parent != nil {
		var st fs.Stat
		st, err = parent.fsys.Stat(ctx, rel)

		if err == nil && st.Type != fs.TypeDir {
			err = fmt.Errorf("%q: %w", point, syserr.ENOTDIR)
		}

		if err != nil {
			v.unpin(parent)
			return
		}
	}

	// Create the instance.
	fsys, err := init(ctx, source, opts)
	if err != nil {
		if parent != nil {
			v.unpin(parent)
		}
		return fmt.Errorf("init %q: %w", fsName, err)
	}

	// Publish the entry, re-checking for a racing mount at the same point.
	v.mu.Lock()
	for _, m := range v.mounts {
		if m.point == point {
			v.mu.Unlock()
			if parent != nil {
				v.unpin(parent)
			}
			if relErr := fsys.Release(ctx); relErr != nil {
				logger.Warnf("Releasing raced mount of %q: %v", fsName, relErr)
			}
			return fmt.Errorf("%q already mounted: %w", point, syserr.EBUSY)
		}
	}

	m := &mount{
		point:  point,
		fsName: fsName,
		fsys:   fsys,
		parent: parent,
	}

	if parent != nil {
		parent.mountedBeneath++
		parent.openFiles--
	}

	v.mounts = append(v.mounts, m)
	v.mu.Unlock()

	logger.Infof("Mounted %s at %q", fsName, point)
	return
}

// Umount removes the mount at point. Fails with EBUSY while the instance
// has open files or file systems mounted beneath it.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Umount(ctx context.Context, point string) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(point); err != nil {
		return
	}

	point = normalizePoint(point)

	v.mu.Lock()
	var m *mount
	for _, cand := range v.mounts {
		if cand.point == point && cand.state == stateMounted {
			m = cand
			break
		}
	}

	if m == nil {
		v.mu.Unlock()
		return fmt.Errorf("%q: %w", point, syserr.ENOENT)
	}

	if m.openFiles != 0 || m.mountedBeneath != 0 {
		v.mu.Unlock()
		return fmt.Errorf(
			"%q has %d open files, %d nested mounts: %w",
			point,
			m.openFiles,
			m.mountedBeneath,
			syserr.EBUSY)
	}

	// Block new activity while releasing without the lock.
	m.state = stateUnmounting
	v.mu.Unlock()

	if err = m.fsys.Release(ctx); err != nil {
		v.mu.Lock()
		m.state = stateMounted
		v.mu.Unlock()
		return fmt.Errorf("Release: %w", err)
	}

	v.mu.Lock()
	m.state = stateGone
	if m.parent != nil {
		m.parent.mountedBeneath--
	}

	for i, cand := range v.mounts {
		if cand == m {
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			break
		}
	}
	v.mu.Unlock()

	logger.Infof("Unmounted %q", point)
	return
}

// MntEnt is one getmntent record.
type MntEnt struct {
	FSName     string
	MountPoint string
	Total      uint64
	Free       uint64
}

// GetMntEnt returns the i-th mount table entry, with capacity figures
// queried from the instance.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) GetMntEnt(ctx context.Context, i int) (e MntEnt, err error) {
	defer v.recordTaskErr(ctx, &err)

	v.mu.Lock()
	if i < 0 || i >= len(v.mounts) {
		v.mu.Unlock()
		err = fmt.Errorf("mount index %d: %w", i, syserr.ENOENT)
		return
	}

	m := v.mounts[i]
	m.openFiles++
	v.mu.Unlock()

	defer v.unpin(m)

	sfs, err := m.fsys.StatFS(ctx)
	if err != nil {
		err = fmt.Errorf("StatFS: %w", err)
		return
	}

	e = MntEnt{
		FSName:     sfs.FSName,
		MountPoint: m.point,
		Total:      sfs.TotalBytes,
		Free:       sfs.FreeBytes,
	}
	return
}

// MountCount returns the number of mounted file systems.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) MountCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.mounts)
}

// OpenFileCount returns the number of live descriptors (files plus
// directory handles) across all mounts.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) OpenFileCount() (n int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range v.mounts {
		n += m.openFiles
	}
	return
}

// SyncAll asks every mounted instance to push dirty state to its device.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) SyncAll(ctx context.Context) {
	v.mu.Lock()
	mounts := make([]*mount, len(v.mounts))
	copy(mounts, v.mounts)
	for _, m := range mounts {
		m.openFiles++
	}
	v.mu.Unlock()

	for _, m := range mounts {
		if err := m.fsys.Sync(ctx); err != nil && !syserr.Is(err, syserr.ENOTSUP) {
			logger.Warnf("Sync of %q: %v", m.point, err)
		}
		v.unpin(m)
	}
}

func normalizePoint(point string) string {
	if point == "/" {
		return point
	}

	return strings.TrimRight(point, "/")
}

// recordTaskErr stores the operation's outcome in the calling task's
// last-error slot, when there is a calling task.
func (v *Vfs) recordTaskErr(ctx context.Context, err *error) {
	if t := kernel.CurrentTask(ctx); t != nil && *err != nil {
		t.SetLastError(*err)
	}
}
