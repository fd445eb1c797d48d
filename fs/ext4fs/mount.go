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

package ext4fs

import (
	"context"
	"fmt"

	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/vfs"
)

// The physical block size the source file is carved into.
const physBlockSize = 512

// MountVFS mounts an ext volume whose backing store is the file at
// source, opened through the VFS: the host file system is layered on a
// block device that is itself a file in another file system.
func MountVFS(
	ctx context.Context,
	v *vfs.Vfs,
	source string,
	opts string,
	clock timeutil.Clock,
	cfg Config) (fsys fs.FileSystem, err error) {
	if fs.ParseMountOptions(opts) {
		cfg.ReadOnly = true
	}

	mode := "r+"
	if cfg.ReadOnly {
		mode = "r"
	}

	fd, err := v.Open(ctx, source, mode)
	if err != nil {
		return nil, fmt.Errorf("opening source %q: %w", source, err)
	}

	st, err := v.FStat(ctx, fd)
	if err != nil {
		v.Close(ctx, fd)
		return nil, fmt.Errorf("FStat: %w", err)
	}

	if st.Size < physBlockSize {
		v.Close(ctx, fd)
		return nil, fmt.Errorf("source of %d bytes: %w", st.Size, syserr.EINVAL)
	}

	dev, err := blockdev.New(
		v.FileStorage(fd, physBlockSize),
		physBlockSize,
		uint64(st.Size)/physBlockSize)
	if err != nil {
		v.Close(ctx, fd)
		return nil, fmt.Errorf("blockdev.New: %w", err)
	}

	d, err := New(ctx, dev, clock, cfg)
	if err != nil {
		v.Close(ctx, fd)
		return
	}

	d.SetCloseSource(func(ctx context.Context) error {
		return v.Close(ctx, fd)
	})

	fsys = d
	return
}
