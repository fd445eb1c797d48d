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

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/cfg"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/fs/devfs"
	"github.com/veloxos/velox/fs/ext4fs"
	"github.com/veloxos/velox/fs/fatfs"
	"github.com/veloxos/velox/fs/lfs"
	"github.com/veloxos/velox/internal/logger"
	"github.com/veloxos/velox/kernel"
	"github.com/veloxos/velox/proc"
	"github.com/veloxos/velox/vfs"
)

// system is everything boot stage zero through two produces: the kernel
// singleton, the VFS with its standard mounts, and the process runtime.
type system struct {
	kernel *kernel.Kernel
	vfs    *vfs.Vfs
	procs  *proc.Manager
}

// newSystem boots: creates the kernel and VFS, registers the backends,
// mounts the root file system and /dev, performs the configured extra
// mounts, and prepares the process table.
func newSystem(
	ctx context.Context,
	clock timeutil.Clock,
	c cfg.Config,
	registry *proc.Registry) (s *system, err error) {
	k := kernel.NewKernel(clock)

	v := vfs.New(vfs.Config{
		MaxPathLength: c.FileSystem.MaxPathLength,
		MaxPathDepth:  c.FileSystem.MaxPathDepth,
	})

	v.RegisterFS("lfs", func(ctx context.Context, source string, opts string) (fs.FileSystem, error) {
		return lfs.New(clock, int64(c.FileSystem.RootMaxBytes)), nil
	})

	v.RegisterFS("devfs", func(ctx context.Context, source string, opts string) (fs.FileSystem, error) {
		return devfs.New(clock, c.FileSystem.PipeCapacity), nil
	})

	v.RegisterFS("fatfs", func(ctx context.Context, source string, opts string) (fs.FileSystem, error) {
		return fatfs.MountVFS(ctx, v, source, opts, clock)
	})

	v.RegisterFS("ext4fs", func(ctx context.Context, source string, opts string) (fs.FileSystem, error) {
		return ext4fs.MountVFS(ctx, v, source, opts, clock, ext4fs.Config{
			WriteBack:  c.FileSystem.WriteBack,
			CacheSlots: c.FileSystem.CacheSlots,
		})
	})

	// Stage one: the root tree and the device namespace.
	if err = v.Mount(ctx, "lfs", "", "/", ""); err != nil {
		return nil, fmt.Errorf("mounting root: %w", err)
	}

	if err = v.MkDir(ctx, "/dev", 0755); err != nil {
		return nil, fmt.Errorf("creating /dev: %w", err)
	}

	if err = v.Mount(ctx, "devfs", "", "/dev", ""); err != nil {
		return nil, fmt.Errorf("mounting devfs: %w", err)
	}

	// Stage two: the configured mounts, in order.
	for _, m := range c.FileSystem.Mounts {
		if err = v.Mount(ctx, m.Type, m.Source, m.Point, m.Options); err != nil {
			return nil, fmt.Errorf("mounting %s at %q: %w", m.Type, m.Point, err)
		}
	}

	s = &system{
		kernel: k,
		vfs:    v,
		procs:  proc.NewManager(k, registry, proc.ManagerConfig{MaxProcs: c.Kernel.MaxProcs}),
	}

	return
}

// shutdown unmounts everything in reverse order, syncing first.
func (s *system) shutdown(ctx context.Context) {
	s.vfs.SyncAll(ctx)

	for i := s.vfs.MountCount() - 1; i >= 0; i-- {
		e, err := s.vfs.GetMntEnt(ctx, i)
		if err != nil {
			continue
		}

		if err := s.vfs.Umount(ctx, e.MountPoint); err != nil {
			logger.Warnf("Unmounting %q: %v", e.MountPoint, err)
		}
	}
}

// registerInit installs the built-in init program: it reports the mount
// table and exits. Boards replace it via the registry.
func registerInit(registry *proc.Registry, v *vfs.Vfs) {
	registry.Register(proc.Program{
		Name: "init",
		Main: func(ctx context.Context, args []string) int {
			t := kernel.CurrentTask(ctx)
			out := t.Stdout()
			if out == nil {
				out = io.Discard
			}

			for i := 0; ; i++ {
				e, err := v.GetMntEnt(ctx, i)
				if err != nil {
					break
				}

				fmt.Fprintf(out, "%-8s %-16s total %12d free %12d\n",
					e.FSName, e.MountPoint, e.Total, e.Free)
			}

			return 0
		},
	})
}
