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

// Package syserr defines the small set of enumerated errors carried through
// the kernel. Backends return these sentinels (possibly wrapped with
// context); callers classify them with errors.Is, so wrapping layers never
// rewrite one kind into another.
package syserr

import "errors"

var (
	ENOENT       = errors.New("no such file or directory")
	ENOTDIR      = errors.New("not a directory")
	EISDIR       = errors.New("is a directory")
	EACCES       = errors.New("permission denied")
	EBUSY        = errors.New("device or resource busy")
	ENOMEM       = errors.New("out of memory")
	ENOSPC       = errors.New("no space left on device")
	EEXIST       = errors.New("file exists")
	EINVAL       = errors.New("invalid argument")
	EIO          = errors.New("input/output error")
	ENOTSUP      = errors.New("operation not supported")
	EPERM        = errors.New("operation not permitted")
	ETIMEDOUT    = errors.New("operation timed out")
	ERANGE       = errors.New("result out of range")
	EBADF        = errors.New("bad file descriptor")
	ENAMETOOLONG = errors.New("file name too long")
	ENOTEMPTY    = errors.New("directory not empty")
	ENODEV       = errors.New("no such device")
)

// Is reports whether err is (or wraps) the given sentinel.
func Is(err error, sentinel error) bool {
	return errors.Is(err, sentinel)
}
