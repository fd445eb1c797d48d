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

package devfs_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/fs/devfs"
	"github.com/veloxos/velox/internal/syserr"
)

func TestDevfs(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// echoDriver remembers the last write and serves it back on reads.
type echoDriver struct {
	opens      int
	closes     int
	forced     int
	flushes    int
	lastIoctl  int
	buf        []byte
}

func (d *echoDriver) Open(ctx context.Context, flags fs.OpenFlags) error {
	d.opens++
	return nil
}

func (d *echoDriver) Close(ctx context.Context, force bool) error {
	d.closes++
	if force {
		d.forced++
	}
	return nil
}

func (d *echoDriver) Read(ctx context.Context, dst []byte, off int64) (int, error) {
	if off >= int64(len(d.buf)) {
		return 0, nil
	}
	return copy(dst, d.buf[off:]), nil
}

func (d *echoDriver) Write(ctx context.Context, src []byte, off int64) (int, error) {
	d.buf = append(d.buf[:0], src...)
	return len(src), nil
}

func (d *echoDriver) Ioctl(ctx context.Context, req int, arg any) error {
	d.lastIoctl = req
	return nil
}

func (d *echoDriver) Flush(ctx context.Context) error {
	d.flushes++
	return nil
}

func (d *echoDriver) Stat(ctx context.Context) (fs.DeviceStat, error) {
	return fs.DeviceStat{Major: 4, Minor: 2, Size: int64(len(d.buf))}, nil
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type DevfsTest struct {
	ctx   context.Context
	clock timeutil.SimulatedClock
	fsys  fs.FileSystem
}

func init() { RegisterTestSuite(&DevfsTest{}) }

func (t *DevfsTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2015, 7, 1, 12, 0, 0, 0, time.UTC))
	t.fsys = devfs.New(&t.clock, 8)
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *DevfsTest) MkDirIsEPERM() {
	err := t.fsys.MkDir(t.ctx, "/sub", 0755)
	ExpectTrue(errors.Is(err, syserr.EPERM))
}

func (t *DevfsTest) DriverForwarding() {
	drv := &echoDriver{}
	AssertEq(nil, t.fsys.MkNod(t.ctx, "/tty0", fs.DriverConfig{Driver: drv}))

	h, err := t.fsys.Open(t.ctx, "/tty0", fs.FlagRead|fs.FlagWrite)
	AssertEq(nil, err)
	ExpectEq(1, drv.opens)

	n, err := t.fsys.Write(t.ctx, h, []byte("ping"), 0)
	AssertEq(nil, err)
	AssertEq(4, n)

	buf := make([]byte, 4)
	n, err = t.fsys.Read(t.ctx, h, buf, 0)
	AssertEq(nil, err)
	AssertEq(4, n)
	ExpectEq("ping", string(buf))

	AssertEq(nil, t.fsys.Ioctl(t.ctx, h, 0x1234, nil))
	ExpectEq(0x1234, drv.lastIoctl)

	AssertEq(nil, t.fsys.Flush(t.ctx, h))
	ExpectEq(1, drv.flushes)

	st, err := t.fsys.FStat(t.ctx, h)
	AssertEq(nil, err)
	ExpectEq(fs.TypeDevice, st.Type)
	ExpectEq(uint32(4)<<8|2, st.Dev)
	ExpectEq(4, st.Size)

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
	ExpectEq(1, drv.closes)
	ExpectEq(0, drv.forced)
}

func (t *DevfsTest) ForceCloseReachesDriver() {
	drv := &echoDriver{}
	AssertEq(nil, t.fsys.MkNod(t.ctx, "/d", fs.DriverConfig{Driver: drv}))

	h, err := t.fsys.Open(t.ctx, "/d", fs.FlagRead)
	AssertEq(nil, err)

	AssertEq(nil, t.fsys.Close(t.ctx, h, true))
	ExpectEq(1, drv.forced)
}

func (t *DevfsTest) PipeFStatReportsDepth() {
	AssertEq(nil, t.fsys.MkFifo(t.ctx, "/p"))

	h, err := t.fsys.Open(t.ctx, "/p", fs.FlagRead|fs.FlagWrite)
	AssertEq(nil, err)

	_, err = t.fsys.Write(t.ctx, h, []byte("abc"), 0)
	AssertEq(nil, err)

	st, err := t.fsys.FStat(t.ctx, h)
	AssertEq(nil, err)
	ExpectEq(fs.TypePipe, st.Type)
	ExpectEq(3, st.Size)

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
}

func (t *DevfsTest) PipeEOFAfterIoctlClose() {
	AssertEq(nil, t.fsys.MkFifo(t.ctx, "/p"))

	h, err := t.fsys.Open(t.ctx, "/p", fs.FlagRead|fs.FlagWrite)
	AssertEq(nil, err)

	_, err = t.fsys.Write(t.ctx, h, []byte("xy"), 0)
	AssertEq(nil, err)

	AssertEq(nil, t.fsys.Ioctl(t.ctx, h, fs.IoctlPipeClose, nil))

	// The queued bytes drain, then EOF.
	buf := make([]byte, 8)
	n, err := t.fsys.Read(t.ctx, h, buf, 0)
	AssertEq(nil, err)
	AssertEq(2, n)

	n, err = t.fsys.Read(t.ctx, h, buf, 0)
	AssertEq(nil, err)
	ExpectEq(0, n)

	// Writing to the closed pipe fails.
	_, err = t.fsys.Write(t.ctx, h, []byte("z"), 0)
	ExpectTrue(errors.Is(err, syserr.EPERM))

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
}

func (t *DevfsTest) RemoveOpenEntryRefused() {
	AssertEq(nil, t.fsys.MkFifo(t.ctx, "/p"))

	h, err := t.fsys.Open(t.ctx, "/p", fs.FlagRead)
	AssertEq(nil, err)

	err = t.fsys.Remove(t.ctx, "/p")
	ExpectTrue(errors.Is(err, syserr.EBUSY))

	AssertEq(nil, t.fsys.Close(t.ctx, h, false))
	AssertEq(nil, t.fsys.Remove(t.ctx, "/p"))

	_, err = t.fsys.Stat(t.ctx, "/p")
	ExpectTrue(errors.Is(err, syserr.ENOENT))
}

func (t *DevfsTest) ListingAndDuplicates() {
	drv := &echoDriver{}
	AssertEq(nil, t.fsys.MkNod(t.ctx, "/a", fs.DriverConfig{Driver: drv}))
	AssertEq(nil, t.fsys.MkFifo(t.ctx, "/b"))

	err := t.fsys.MkFifo(t.ctx, "/b")
	ExpectTrue(errors.Is(err, syserr.EEXIST))

	it, err := t.fsys.OpenDir(t.ctx, "/")
	AssertEq(nil, err)

	var names []string
	var kinds []fs.FileType
	for {
		e, err := it.NextEntry(t.ctx)
		if err == io.EOF {
			break
		}

		AssertEq(nil, err)
		names = append(names, e.Name)
		kinds = append(kinds, e.Type)
	}

	AssertEq(nil, it.Close(t.ctx))

	AssertEq(2, len(names))
	ExpectEq("a", names[0])
	ExpectEq(fs.TypeDevice, kinds[0])
	ExpectEq("b", names[1])
	ExpectEq(fs.TypePipe, kinds[1])
}

func (t *DevfsTest) StatFSName() {
	sfs, err := t.fsys.StatFS(t.ctx)
	AssertEq(nil, err)
	ExpectEq("devfs", sfs.FSName)
}

func (t *DevfsTest) RenameNotSupported() {
	AssertEq(nil, t.fsys.MkFifo(t.ctx, "/p"))

	err := t.fsys.Rename(t.ctx, "/p", "/q")
	ExpectTrue(errors.Is(err, syserr.ENOTSUP))
}
