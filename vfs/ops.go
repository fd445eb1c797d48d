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

package vfs

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
)

// Path-based operations. Each one resolves the path under the mount-tree
// mutex, pins the instance, and runs the backend call without the mutex.

// Stat stats the object at path. A trailing slash is forwarded: stat
// accepts directories.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Stat(ctx context.Context, path string) (st fs.Stat, err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	m, rel, err := v.resolveAndPin(path)
	if err != nil {
		return
	}
	defer v.unpin(m)

	return m.fsys.Stat(ctx, rel)
}

// StatFS stats the file system instance that path resolves into.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) StatFS(ctx context.Context, path string) (sfs fs.StatFS, err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	m, _, err := v.resolveAndPin(path)
	if err != nil {
		return
	}
	defer v.unpin(m)

	return m.fsys.StatFS(ctx)
}

// MkDir creates a directory at path.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) MkDir(ctx context.Context, path string, mode os.FileMode) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	m, rel, err := v.resolveAndPin(path)
	if err != nil {
		return
	}
	defer v.unpin(m)

	return m.fsys.MkDir(ctx, rel, mode)
}

// MkNod creates a device node at path, linking the supplied driver.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) MkNod(ctx context.Context, path string, cfg fs.DriverConfig) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	m, rel, err := v.resolveAndPin(path)
	if err != nil {
		return
	}
	defer v.unpin(m)

	return m.fsys.MkNod(ctx, rel, cfg)
}

// MkFifo creates a pipe at path.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) MkFifo(ctx context.Context, path string) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	m, rel, err := v.resolveAndPin(path)
	if err != nil {
		return
	}
	defer v.unpin(m)

	return m.fsys.MkFifo(ctx, rel)
}

// Remove unlinks the object at path. Removing a mount point is refused.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Remove(ctx context.Context, path string) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	normalized := normalizePoint(path)

	v.mu.Lock()
	for _, m := range v.mounts {
		if m.point == normalized {
			v.mu.Unlock()
			return fmt.Errorf("%q is a mount point: %w", path, syserr.EBUSY)
		}
	}

	m, rel, err := v.resolve(path)
	if err != nil {
		v.mu.Unlock()
		return
	}

	m.openFiles++
	v.mu.Unlock()
	defer v.unpin(m)

	// A trailing slash demands a directory; unlinking anything else with
	// one is a kind mismatch.
	if strings.HasSuffix(path, "/") {
		var st fs.Stat
		if st, err = m.fsys.Stat(ctx, rel); err != nil {
			return
		}

		if st.Type != fs.TypeDir {
			return fmt.Errorf("%q: %w", path, syserr.ENOTDIR)
		}
	}

	return m.fsys.Remove(ctx, rel)
}

// Rename moves oldPath to newPath. Both must resolve into the same file
// system instance; crossing mounts is refused.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Rename(ctx context.Context, oldPath string, newPath string) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(oldPath); err != nil {
		return
	}
	if err = v.checkPath(newPath); err != nil {
		return
	}

	v.mu.Lock()
	oldM, oldRel, err := v.resolve(oldPath)
	if err != nil {
		v.mu.Unlock()
		return
	}

	newM, newRel, err := v.resolve(newPath)
	if err != nil {
		v.mu.Unlock()
		return
	}

	if oldM != newM {
		v.mu.Unlock()
		return fmt.Errorf(
			"rename across mounts %q -> %q: %w",
			oldM.point,
			newM.point,
			syserr.EPERM)
	}

	oldM.openFiles++
	v.mu.Unlock()
	defer v.unpin(oldM)

	return oldM.fsys.Rename(ctx, oldRel, newRel)
}

// Chmod changes the permission bits of the object at path.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Chmod(ctx context.Context, path string, mode os.FileMode) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	m, rel, err := v.resolveAndPin(path)
	if err != nil {
		return
	}
	defer v.unpin(m)

	return m.fsys.Chmod(ctx, rel, mode)
}

// Chown changes the ownership of the object at path.
//
// LOCKS_EXCLUDED(v.mu)
func (v *Vfs) Chown(ctx context.Context, path string, uid uint32, gid uint32) (err error) {
	defer v.recordTaskErr(ctx, &err)

	if err = v.checkPath(path); err != nil {
		return
	}

	m, rel, err := v.resolveAndPin(path)
	if err != nil {
		return
	}
	defer v.unpin(m)

	return m.fsys.Chown(ctx, rel, uid, gid)
}
