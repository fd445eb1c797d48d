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
	"fmt"

	"context"

	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/internal/syserr"
)

// fileStorage adapts a descriptor to blockdev.Storage, so a file system
// can be layered on a block device that is itself a file in another file
// system. Reads and writes seek the descriptor then move whole blocks.
type fileStorage struct {
	v     *Vfs
	fd    int
	bsize uint32
}

// FileStorage returns a physical-block store of bsize-byte blocks over
// the open descriptor.
func (v *Vfs) FileStorage(fd int, bsize uint32) blockdev.Storage {
	return &fileStorage{v: v, fd: fd, bsize: bsize}
}

func (s *fileStorage) ReadBlocks(
	ctx context.Context,
	pba uint64,
	buf []byte,
	cnt uint32) (err error) {
	if _, err = s.v.Lseek(ctx, s.fd, int64(pba)*int64(s.bsize), SeekSet); err != nil {
		return fmt.Errorf("Lseek: %w", err)
	}

	want := int(cnt) * int(s.bsize)
	got := 0
	for got < want {
		var n int
		if n, err = s.v.Read(ctx, s.fd, buf[got:want]); err != nil {
			return fmt.Errorf("Read: %w", err)
		}

		if n == 0 {
			return fmt.Errorf("short read at pba %d: %w", pba, syserr.EIO)
		}

		got += n
	}

	return
}

func (s *fileStorage) WriteBlocks(
	ctx context.Context,
	pba uint64,
	buf []byte,
	cnt uint32) (err error) {
	if _, err = s.v.Lseek(ctx, s.fd, int64(pba)*int64(s.bsize), SeekSet); err != nil {
		return fmt.Errorf("Lseek: %w", err)
	}

	want := int(cnt) * int(s.bsize)
	done := 0
	for done < want {
		var n int
		if n, err = s.v.Write(ctx, s.fd, buf[done:want]); err != nil {
			return fmt.Errorf("Write: %w", err)
		}

		if n == 0 {
			return fmt.Errorf("short write at pba %d: %w", pba, syserr.EIO)
		}

		done += n
	}

	return
}
