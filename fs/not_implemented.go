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

package fs

import (
	"context"
	"os"

	"github.com/veloxos/velox/internal/syserr"
)

// Embed this within your backend type to inherit default implementations
// of all capability table operations that return ENOTSUP.
type NotImplementedFileSystem struct {
}

var _ FileSystem = &NotImplementedFileSystem{}

func (fs *NotImplementedFileSystem) Release(ctx context.Context) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Open(
	ctx context.Context,
	path string,
	flags OpenFlags) (Handle, error) {
	return nil, syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Close(
	ctx context.Context,
	h Handle,
	force bool) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Read(
	ctx context.Context,
	h Handle,
	dst []byte,
	off int64) (int, error) {
	return 0, syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Write(
	ctx context.Context,
	h Handle,
	src []byte,
	off int64) (int, error) {
	return 0, syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Ioctl(
	ctx context.Context,
	h Handle,
	req int,
	arg any) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Flush(
	ctx context.Context,
	h Handle) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) FStat(
	ctx context.Context,
	h Handle) (Stat, error) {
	return Stat{}, syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) MkDir(
	ctx context.Context,
	path string,
	mode os.FileMode) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) MkNod(
	ctx context.Context,
	path string,
	cfg DriverConfig) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) MkFifo(
	ctx context.Context,
	path string) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) OpenDir(
	ctx context.Context,
	path string) (DirIter, error) {
	return nil, syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Remove(
	ctx context.Context,
	path string) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Rename(
	ctx context.Context,
	oldPath string,
	newPath string) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Chmod(
	ctx context.Context,
	path string,
	mode os.FileMode) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Chown(
	ctx context.Context,
	path string,
	uid uint32,
	gid uint32) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Stat(
	ctx context.Context,
	path string) (Stat, error) {
	return Stat{}, syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) StatFS(
	ctx context.Context) (StatFS, error) {
	return StatFS{}, syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) Sync(ctx context.Context) error {
	return syserr.ENOTSUP
}

func (fs *NotImplementedFileSystem) OpenCount() int {
	return 0
}
