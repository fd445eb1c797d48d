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

package lfs_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/fs/lfs"
	"github.com/veloxos/velox/internal/syserr"
)

func TestLfs(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type LfsTest struct {
	ctx   context.Context
	clock timeutil.SimulatedClock
	fsys  fs.FileSystem
}

func init() { RegisterTestSuite(&LfsTest{}) }

func (t *LfsTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2015, 7, 1, 12, 0, 0, 0, time.UTC))
	t.fsys = lfs.New(&t.clock, 0)
}

func (t *LfsTest) create(path string, content string) {
	h, err := t.fsys.Open(t.ctx, path, fs.FlagWrite|fs.FlagCreate)
	AssertEq(nil, err)

	_, err = t.fsys.Write(t.ctx, h, []byte(content), 0)
	AssertEq(nil, err)

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
}

func (t *LfsTest) listNames(path string) (names []string) {
	it, err := t.fsys.OpenDir(t.ctx, path)
	AssertEq(nil, err)

	for {
		e, err := it.NextEntry(t.ctx)
		if err == io.EOF {
			break
		}

		AssertEq(nil, err)
		names = append(names, e.Name)
	}

	AssertEq(nil, it.Close(t.ctx))
	return
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *LfsTest) EmptyRoot() {
	ExpectEq(0, len(t.listNames("/")))

	st, err := t.fsys.Stat(t.ctx, "/")
	AssertEq(nil, err)
	ExpectEq(fs.TypeDir, st.Type)
}

func (t *LfsTest) CreateWriteRead() {
	t.create("/taco", "carnitas")

	h, err := t.fsys.Open(t.ctx, "/taco", fs.FlagRead)
	AssertEq(nil, err)

	buf := make([]byte, 16)
	n, err := t.fsys.Read(t.ctx, h, buf, 0)
	AssertEq(nil, err)
	ExpectEq("carnitas", string(buf[:n]))

	// Reads at the end return zero.
	n, err = t.fsys.Read(t.ctx, h, buf, 8)
	AssertEq(nil, err)
	ExpectEq(0, n)

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
}

func (t *LfsTest) WritePastEndExtends() {
	t.create("/f", "ab")

	h, err := t.fsys.Open(t.ctx, "/f", fs.FlagWrite)
	AssertEq(nil, err)

	_, err = t.fsys.Write(t.ctx, h, []byte("z"), 5)
	AssertEq(nil, err)

	st, err := t.fsys.FStat(t.ctx, h)
	AssertEq(nil, err)
	ExpectEq(6, st.Size)

	// The gap reads as zeros.
	buf := make([]byte, 6)
	n, err := t.fsys.Read(t.ctx, h, buf, 0)
	AssertEq(nil, err)
	AssertEq(6, n)
	ExpectEq(byte(0), buf[3])
	ExpectEq(byte('z'), buf[5])

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
}

func (t *LfsTest) TruncateOnOpen() {
	t.create("/f", "0123456789")

	h, err := t.fsys.Open(t.ctx, "/f", fs.FlagWrite|fs.FlagTruncate)
	AssertEq(nil, err)

	st, err := t.fsys.FStat(t.ctx, h)
	AssertEq(nil, err)
	ExpectEq(0, st.Size)

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
}

func (t *LfsTest) CapacityEnforced() {
	fsys := lfs.New(&t.clock, 10)

	h, err := fsys.Open(t.ctx, "/f", fs.FlagWrite|fs.FlagCreate)
	AssertEq(nil, err)

	n, err := fsys.Write(t.ctx, h, []byte("12345678"), 0)
	AssertEq(nil, err)
	AssertEq(8, n)

	// Growing past the limit is ENOSPC with no partial byte visible.
	_, err = fsys.Write(t.ctx, h, []byte("abcde"), 8)
	ExpectTrue(errors.Is(err, syserr.ENOSPC))

	st, err := fsys.FStat(t.ctx, h)
	AssertEq(nil, err)
	ExpectEq(8, st.Size)

	AssertEq(nil, fsys.Close(t.ctx, h, false))

	// Removing the file refunds its bytes.
	AssertEq(nil, fsys.Remove(t.ctx, "/f"))

	h, err = fsys.Open(t.ctx, "/g", fs.FlagWrite|fs.FlagCreate)
	AssertEq(nil, err)
	_, err = fsys.Write(t.ctx, h, []byte("0123456789"), 0)
	AssertEq(nil, err)
	AssertEq(nil, fsys.Close(t.ctx, h, false))
}

func (t *LfsTest) MkDirAndNesting() {
	AssertEq(nil, t.fsys.MkDir(t.ctx, "/a", 0755))
	AssertEq(nil, t.fsys.MkDir(t.ctx, "/a/b", 0755))
	t.create("/a/b/c", "x")

	st, err := t.fsys.Stat(t.ctx, "/a/b/c")
	AssertEq(nil, err)
	ExpectEq(1, st.Size)

	// Creating over an existing name fails.
	err = t.fsys.MkDir(t.ctx, "/a", 0755)
	ExpectTrue(errors.Is(err, syserr.EEXIST))

	// A file is not a directory.
	err = t.fsys.MkDir(t.ctx, "/a/b/c/d", 0755)
	ExpectTrue(errors.Is(err, syserr.ENOTDIR))
}

func (t *LfsTest) RemoveSemantics() {
	AssertEq(nil, t.fsys.MkDir(t.ctx, "/d", 0755))
	t.create("/d/f", "x")

	// Non-empty directory.
	err := t.fsys.Remove(t.ctx, "/d")
	ExpectTrue(errors.Is(err, syserr.ENOTEMPTY))

	// Open file.
	h, err := t.fsys.Open(t.ctx, "/d/f", fs.FlagRead)
	AssertEq(nil, err)

	err = t.fsys.Remove(t.ctx, "/d/f")
	ExpectTrue(errors.Is(err, syserr.EBUSY))

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
	AssertEq(nil, t.fsys.Remove(t.ctx, "/d/f"))
	AssertEq(nil, t.fsys.Remove(t.ctx, "/d"))

	_, err = t.fsys.Stat(t.ctx, "/d")
	ExpectTrue(errors.Is(err, syserr.ENOENT))
}

func (t *LfsTest) RenameMovesWithinTree() {
	AssertEq(nil, t.fsys.MkDir(t.ctx, "/src", 0755))
	AssertEq(nil, t.fsys.MkDir(t.ctx, "/dst", 0755))
	t.create("/src/f", "payload")

	AssertEq(nil, t.fsys.Rename(t.ctx, "/src/f", "/dst/g"))

	_, err := t.fsys.Stat(t.ctx, "/src/f")
	ExpectTrue(errors.Is(err, syserr.ENOENT))

	st, err := t.fsys.Stat(t.ctx, "/dst/g")
	AssertEq(nil, err)
	ExpectEq(7, st.Size)

	// Renaming onto an existing name fails.
	t.create("/dst/h", "x")
	err = t.fsys.Rename(t.ctx, "/dst/g", "/dst/h")
	ExpectTrue(errors.Is(err, syserr.EEXIST))
}

func (t *LfsTest) TimestampsFromClock() {
	start := t.clock.Now()
	t.create("/f", "a")

	st, err := t.fsys.Stat(t.ctx, "/f")
	AssertEq(nil, err)
	ExpectTrue(st.Ctime.Equal(start))
	ExpectTrue(st.Mtime.Equal(start))

	t.clock.AdvanceTime(3 * time.Second)

	h, err := t.fsys.Open(t.ctx, "/f", fs.FlagWrite)
	AssertEq(nil, err)
	_, err = t.fsys.Write(t.ctx, h, []byte("b"), 1)
	AssertEq(nil, err)
	AssertEq(nil, t.fsys.Close(t.ctx, h, false))

	st, err = t.fsys.Stat(t.ctx, "/f")
	AssertEq(nil, err)
	ExpectTrue(st.Ctime.Equal(start))
	ExpectTrue(st.Mtime.Equal(start.Add(3*time.Second)))
}

func (t *LfsTest) ChmodChown() {
	t.create("/f", "x")

	AssertEq(nil, t.fsys.Chmod(t.ctx, "/f", 0600))
	AssertEq(nil, t.fsys.Chown(t.ctx, "/f", 17, 19))

	st, err := t.fsys.Stat(t.ctx, "/f")
	AssertEq(nil, err)
	ExpectEq(0600, st.Mode.Perm())
	ExpectEq(17, st.Uid)
	ExpectEq(19, st.Gid)
}

func (t *LfsTest) StatFS() {
	fsys := lfs.New(&t.clock, 100)
	sfs, err := fsys.StatFS(t.ctx)
	AssertEq(nil, err)

	ExpectEq("lfs", sfs.FSName)
	ExpectEq(100, sfs.TotalBytes)
	ExpectEq(100, sfs.FreeBytes)
}

func (t *LfsTest) ReleaseRefusedWithOpenFiles() {
	t.create("/f", "x")

	h, err := t.fsys.Open(t.ctx, "/f", fs.FlagRead)
	AssertEq(nil, err)

	err = t.fsys.Release(t.ctx)
	ExpectTrue(errors.Is(err, syserr.EBUSY))

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
	AssertEq(nil, t.fsys.Release(t.ctx))
}
