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
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/vfs"
)

// The sector size the source file is carved into.
const physSectorSize = 512

// MountVFS mounts a FAT volume whose backing store is the file at
// source, opened through the VFS.
func MountVFS(
	ctx context.Context,
	v *vfs.Vfs,
	source string,
	opts string,
	clock timeutil.Clock) (fsys fs.FileSystem, err error) {
	readOnly := fs.ParseMountOptions(opts)

	mode := "r+"
	if readOnly {
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

	if st.Size < physSectorSize {
		v.Close(ctx, fd)
		return nil, fmt.Errorf("source of %d bytes: %w", st.Size, syserr.EINVAL)
	}

	dev, err := blockdev.New(
		v.FileStorage(fd, physSectorSize),
		physSectorSize,
		uint64(st.Size)/physSectorSize)
	if err != nil {
		v.Close(ctx, fd)
		return nil, fmt.Errorf("blockdev.New: %w", err)
	}

	vol, err := New(ctx, dev, clock, readOnly)
	if err != nil {
		v.Close(ctx, fd)
		return
	}

	vol.SetCloseSource(func(ctx context.Context) error {
		return v.Close(ctx, fd)
	})

	fsys = vol
	return
}
