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

// Package blockdev abstracts a seekable byte container as fixed-size
// logical blocks and caches them with reference counting, LRU eviction,
// dirty tracking, delayed free, and optional write-back. File system
// backends that live on a device consume this package.
package blockdev

import (
	"context"
	"fmt"

	"github.com/veloxos/velox/internal/syserr"
)

// Storage is the backing store under a Device, measured in physical
// blocks. Implementations are not required to be safe for concurrent use;
// the device's installed lock serializes access.
type Storage interface {
	// ReadBlocks reads cnt physical blocks starting at pba into buf. The
	// buffer length is exactly cnt physical blocks.
	ReadBlocks(ctx context.Context, pba uint64, buf []byte, cnt uint32) error

	// WriteBlocks writes cnt physical blocks starting at pba from buf.
	WriteBlocks(ctx context.Context, pba uint64, buf []byte, cnt uint32) error
}

// Locker is the lock a consumer installs on a Device; see Device.SetLocker.
type Locker interface {
	Lock(ctx context.Context)
	Unlock(ctx context.Context)
}

// noopLocker is installed until a consumer provides a real one.
type noopLocker struct{}

func (noopLocker) Lock(ctx context.Context)   {}
func (noopLocker) Unlock(ctx context.Context) {}

////////////////////////////////////////////////////////////////////////
// MemStorage
////////////////////////////////////////////////////////////////////////

// MemStorage is a Storage over an in-memory byte slice.
type MemStorage struct {
	bsize uint32
	data  []byte
}

// NewMemStorage creates a memory-backed store of bcnt blocks of bsize
// bytes, zero-filled.
func NewMemStorage(bsize uint32, bcnt uint64) *MemStorage {
	return &MemStorage{
		bsize: bsize,
		data:  make([]byte, uint64(bsize)*bcnt),
	}
}

// Bytes returns the underlying buffer.
func (s *MemStorage) Bytes() []byte {
	return s.data
}

func (s *MemStorage) ReadBlocks(
	ctx context.Context,
	pba uint64,
	buf []byte,
	cnt uint32) (err error) {
	off, end, err := s.span(pba, cnt)
	if err != nil {
		return
	}

	copy(buf, s.data[off:end])
	return
}

func (s *MemStorage) WriteBlocks(
	ctx context.Context,
	pba uint64,
	buf []byte,
	cnt uint32) (err error) {
	off, end, err := s.span(pba, cnt)
	if err != nil {
		return
	}

	copy(s.data[off:end], buf)
	return
}

func (s *MemStorage) span(pba uint64, cnt uint32) (off uint64, end uint64, err error) {
	off = pba * uint64(s.bsize)
	end = off + uint64(cnt)*uint64(s.bsize)
	if end > uint64(len(s.data)) {
		err = fmt.Errorf("span [%d, %d) beyond storage: %w", off, end, syserr.EINVAL)
		return
	}

	return
}
