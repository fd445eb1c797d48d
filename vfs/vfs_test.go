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

package vfs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/fs/devfs"
	"github.com/veloxos/velox/fs/ext4fs"
	"github.com/veloxos/velox/fs/ext4fs/extlib"
	"github.com/veloxos/velox/fs/lfs"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
	"github.com/veloxos/velox/vfs"
)

func TestVfs(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// nullDriver discards writes and returns EOF on reads, like /dev/null.
type nullDriver struct {
	opens int
}

func (d *nullDriver) Open(ctx context.Context, flags fs.OpenFlags) error {
	d.opens++
	return nil
}

func (d *nullDriver) Close(ctx context.Context, force bool) error { return nil }

func (d *nullDriver) Read(ctx context.Context, dst []byte, off int64) (int, error) {
	return 0, nil
}

func (d *nullDriver) Write(ctx context.Context, src []byte, off int64) (int, error) {
	return len(src), nil
}

func (d *nullDriver) Ioctl(ctx context.Context, req int, arg any) error {
	return syserr.ENOTSUP
}

func (d *nullDriver) Flush(ctx context.Context) error { return nil }

func (d *nullDriver) Stat(ctx context.Context) (fs.DeviceStat, error) {
	return fs.DeviceStat{Major: 1, Minor: 3}, nil
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type VfsTest struct {
	ctx   context.Context
	clock timeutil.SimulatedClock
	k     *kernel.Kernel
	v     *vfs.Vfs
}

func init() { RegisterTestSuite(&VfsTest{}) }

func (t *VfsTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2015, 3, 14, 9, 26, 53, 0, time.UTC))
	t.k = kernel.NewKernel(&t.clock)
	t.v = vfs.New(vfs.Config{})

	t.v.RegisterFS("lfs", func(ctx context.Context, source string, opts string) (fs.FileSystem, error) {
		return lfs.New(&t.clock, 0), nil
	})

	t.v.RegisterFS("devfs", func(ctx context.Context, source string, opts string) (fs.FileSystem, error) {
		return devfs.New(&t.clock, 16), nil
	})

	t.v.RegisterFS("ext4fs", func(ctx context.Context, source string, opts string) (fs.FileSystem, error) {
		return ext4fs.MountVFS(ctx, t.v, source, opts, &t.clock, ext4fs.Config{WriteBack: true})
	})

	AssertEq(nil, t.v.Mount(t.ctx, "lfs", "", "/", ""))
}

////////////////////////////////////////////////////////////////////////
// Basic file operations
////////////////////////////////////////////////////////////////////////

func (t *VfsTest) WriteSeekRead() {
	fd, err := t.v.Open(t.ctx, "/taco.txt", "w+")
	AssertEq(nil, err)

	data := []byte("burrito enchilada")
	n, err := t.v.Write(t.ctx, fd, data)
	AssertEq(nil, err)
	AssertEq(len(data), n)

	_, err = t.v.Lseek(t.ctx, fd, 0, vfs.SeekSet)
	AssertEq(nil, err)

	buf := make([]byte, len(data))
	n, err = t.v.Read(t.ctx, fd, buf)
	AssertEq(nil, err)
	AssertEq(len(data), n)
	ExpectTrue(bytes.Equal(data, buf))

	AssertEq(nil, t.v.Close(t.ctx, fd))
}

func (t *VfsTest) EOFFlagSetAtEndOfFile() {
	fd, err := t.v.Open(t.ctx, "/f", "w+")
	AssertEq(nil, err)

	_, err = t.v.Write(t.ctx, fd, []byte("x"))
	AssertEq(nil, err)

	buf := make([]byte, 4)
	n, err := t.v.Read(t.ctx, fd, buf)
	AssertEq(nil, err)
	ExpectEq(0, n)

	eof, err := t.v.EOF(fd)
	AssertEq(nil, err)
	ExpectTrue(eof)

	// Seeking clears the flag.
	_, err = t.v.Lseek(t.ctx, fd, 0, vfs.SeekSet)
	AssertEq(nil, err)

	eof, err = t.v.EOF(fd)
	AssertEq(nil, err)
	ExpectFalse(eof)

	AssertEq(nil, t.v.Close(t.ctx, fd))
}

func (t *VfsTest) AppendModeWritesAtEnd() {
	fd, err := t.v.Open(t.ctx, "/log", "w")
	AssertEq(nil, err)
	_, err = t.v.Write(t.ctx, fd, []byte("one"))
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	fd, err = t.v.Open(t.ctx, "/log", "a")
	AssertEq(nil, err)
	_, err = t.v.Write(t.ctx, fd, []byte("two"))
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	fd, err = t.v.Open(t.ctx, "/log", "r")
	AssertEq(nil, err)

	buf := make([]byte, 16)
	n, err := t.v.Read(t.ctx, fd, buf)
	AssertEq(nil, err)
	ExpectEq("onetwo", string(buf[:n]))

	AssertEq(nil, t.v.Close(t.ctx, fd))
}

func (t *VfsTest) ModeStrings() {
	// Unknown modes are EINVAL.
	for _, mode := range []string{"", "x", "rw", "r++", "wa"} {
		_, err := t.v.Open(t.ctx, "/m", mode)
		ExpectTrue(errors.Is(err, syserr.EINVAL), "mode %q", mode)
	}

	// A 'b' suffix is accepted and ignored.
	fd, err := t.v.Open(t.ctx, "/m", "wb")
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	fd, err = t.v.Open(t.ctx, "/m", "rb+")
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	// "r" refuses to create.
	_, err = t.v.Open(t.ctx, "/missing", "r")
	ExpectTrue(errors.Is(err, syserr.ENOENT))

	// "r" refuses writes.
	fd, err = t.v.Open(t.ctx, "/m", "r")
	AssertEq(nil, err)
	_, err = t.v.Write(t.ctx, fd, []byte("z"))
	ExpectTrue(errors.Is(err, syserr.EACCES))
	AssertEq(nil, t.v.Close(t.ctx, fd))
}

func (t *VfsTest) DoubleCloseDetected() {
	fd, err := t.v.Open(t.ctx, "/f", "w")
	AssertEq(nil, err)

	AssertEq(nil, t.v.Close(t.ctx, fd))

	err = t.v.Close(t.ctx, fd)
	ExpectTrue(errors.Is(err, syserr.EBADF))

	// The table survives: other descriptors still work.
	fd2, err := t.v.Open(t.ctx, "/f", "r")
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd2))
}

func (t *VfsTest) TrailingSlashOnOpen() {
	_, err := t.v.Open(t.ctx, "/f/", "w")
	ExpectTrue(errors.Is(err, syserr.ENOTDIR))
}

func (t *VfsTest) TrailingSlashOnUnlink() {
	fd, err := t.v.Open(t.ctx, "/f", "w")
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	// Unlinking a regular file through a trailing slash is a kind
	// mismatch, and the file survives.
	err = t.v.Remove(t.ctx, "/f/")
	ExpectTrue(errors.Is(err, syserr.ENOTDIR))

	_, err = t.v.Stat(t.ctx, "/f")
	AssertEq(nil, err)

	// A directory is fair game either way.
	AssertEq(nil, t.v.MkDir(t.ctx, "/d", 0755))
	AssertEq(nil, t.v.Remove(t.ctx, "/d/"))

	_, err = t.v.Stat(t.ctx, "/d")
	ExpectTrue(errors.Is(err, syserr.ENOENT))

	AssertEq(nil, t.v.Remove(t.ctx, "/f"))
}

func (t *VfsTest) OpeningDirectoryFails() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/d", 0755))

	_, err := t.v.Open(t.ctx, "/d", "r")
	ExpectTrue(errors.Is(err, syserr.EISDIR))
}

func (t *VfsTest) PathLimits() {
	v := vfs.New(vfs.Config{MaxPathLength: 10})
	v.RegisterFS("lfs", func(ctx context.Context, source string, opts string) (fs.FileSystem, error) {
		return lfs.New(&t.clock, 0), nil
	})
	AssertEq(nil, v.Mount(t.ctx, "lfs", "", "/", ""))

	// Exactly at the limit: fine.
	fd, err := v.Open(t.ctx, "/abcdefghi", "w")
	AssertEq(nil, err)
	AssertEq(nil, v.Close(t.ctx, fd))

	// One past: ENAMETOOLONG.
	_, err = v.Open(t.ctx, "/abcdefghij", "w")
	ExpectTrue(errors.Is(err, syserr.ENAMETOOLONG))

	// Relative paths are refused outright.
	_, err = v.Open(t.ctx, "f", "w")
	ExpectTrue(errors.Is(err, syserr.EINVAL))
}

func (t *VfsTest) OverlongComponent() {
	_, err := t.v.Open(t.ctx, "/"+strings.Repeat("a", 256), "w")
	ExpectTrue(errors.Is(err, syserr.ENAMETOOLONG))
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func (t *VfsTest) MkDirOpenDirReadDir() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/d", 0755))

	// Fresh directory: empty listing.
	d, err := t.v.OpenDir(t.ctx, "/d")
	AssertEq(nil, err)

	e, err := t.v.ReadDir(t.ctx, d)
	AssertEq(nil, err)
	AssertEq(nil, e)
	AssertEq(nil, t.v.CloseDir(t.ctx, d))

	// Removing it then succeeds.
	AssertEq(nil, t.v.Remove(t.ctx, "/d"))

	_, err = t.v.OpenDir(t.ctx, "/d")
	ExpectTrue(errors.Is(err, syserr.ENOENT))
}

func (t *VfsTest) ReadDirYieldsEntries() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/d", 0755))

	fd, err := t.v.Open(t.ctx, "/d/a", "w")
	AssertEq(nil, err)
	_, err = t.v.Write(t.ctx, fd, []byte("xyz"))
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	AssertEq(nil, t.v.MkDir(t.ctx, "/d/sub", 0755))

	d, err := t.v.OpenDir(t.ctx, "/d")
	AssertEq(nil, err)

	var names []string
	for {
		e, err := t.v.ReadDir(t.ctx, d)
		AssertEq(nil, err)
		if e == nil {
			break
		}

		names = append(names, e.Name)
		if e.Name == "a" {
			ExpectEq(fs.TypeRegular, e.Type)
			ExpectEq(3, e.Size)
		}
	}

	AssertThat(names, DeepEquals([]string{"a", "sub"}))
	AssertEq(nil, t.v.CloseDir(t.ctx, d))
}

func (t *VfsTest) FlushOnDirectoryIsEISDIR() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/d", 0755))

	d, err := t.v.OpenDir(t.ctx, "/d")
	AssertEq(nil, err)

	err = t.v.FlushDir(t.ctx, d)
	ExpectTrue(errors.Is(err, syserr.EISDIR))

	AssertEq(nil, t.v.CloseDir(t.ctx, d))

	// Closing again is EBADF.
	err = t.v.CloseDir(t.ctx, d)
	ExpectTrue(errors.Is(err, syserr.EBADF))
}

////////////////////////////////////////////////////////////////////////
// Mount tree
////////////////////////////////////////////////////////////////////////

func (t *VfsTest) ScenarioDevNull() {
	// Mount lfs at /, mkdir /dev, mount devfs, exercise /dev/null, then
	// unwind everything.
	AssertEq(nil, t.v.MkDir(t.ctx, "/dev", 0755))
	AssertEq(nil, t.v.Mount(t.ctx, "devfs", "", "/dev", ""))

	drv := &nullDriver{}
	AssertEq(nil, t.v.MkNod(t.ctx, "/dev/null", fs.DriverConfig{Driver: drv}))

	fd, err := t.v.Open(t.ctx, "/dev/null", "r+")
	AssertEq(nil, err)
	ExpectEq(1, drv.opens)

	n, err := t.v.Write(t.ctx, fd, []byte("x"))
	AssertEq(nil, err)
	ExpectEq(1, n)

	buf := make([]byte, 1)
	n, err = t.v.Read(t.ctx, fd, buf)
	AssertEq(nil, err)
	ExpectEq(0, n)

	// Unmounting with the file open is refused.
	err = t.v.Umount(t.ctx, "/dev")
	ExpectTrue(errors.Is(err, syserr.EBUSY))

	AssertEq(nil, t.v.Close(t.ctx, fd))

	// Unmounting / with /dev still mounted beneath is refused.
	err = t.v.Umount(t.ctx, "/")
	ExpectTrue(errors.Is(err, syserr.EBUSY))

	AssertEq(nil, t.v.Umount(t.ctx, "/dev"))
	AssertEq(nil, t.v.Umount(t.ctx, "/"))
	ExpectEq(0, t.v.MountCount())
}

func (t *VfsTest) MountAtMissingDirectory() {
	before := t.v.MountCount()

	err := t.v.Mount(t.ctx, "devfs", "", "/nosuch", "")
	ExpectTrue(errors.Is(err, syserr.ENOENT))

	ExpectEq(before, t.v.MountCount())
}

func (t *VfsTest) MountAtNonDirectory() {
	fd, err := t.v.Open(t.ctx, "/file", "w")
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	err = t.v.Mount(t.ctx, "devfs", "", "/file", "")
	ExpectTrue(errors.Is(err, syserr.ENOTDIR))
}

func (t *VfsTest) MountTwiceAtSamePoint() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/dev", 0755))
	AssertEq(nil, t.v.Mount(t.ctx, "devfs", "", "/dev", ""))

	err := t.v.Mount(t.ctx, "devfs", "", "/dev", "")
	ExpectTrue(errors.Is(err, syserr.EBUSY))

	AssertEq(nil, t.v.Umount(t.ctx, "/dev"))
}

func (t *VfsTest) MountUnknownType() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/x", 0755))

	err := t.v.Mount(t.ctx, "zfs", "", "/x", "")
	ExpectTrue(errors.Is(err, syserr.ENODEV))
}

func (t *VfsTest) UmountOfUnmountedPoint() {
	err := t.v.Umount(t.ctx, "/nothing")
	ExpectTrue(errors.Is(err, syserr.ENOENT))
}

func (t *VfsTest) LongestPrefixResolution() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/dev", 0755))
	AssertEq(nil, t.v.Mount(t.ctx, "devfs", "", "/dev", ""))

	// A file named like the mount point prefix stays on the root FS.
	fd, err := t.v.Open(t.ctx, "/device", "w")
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	st, err := t.v.Stat(t.ctx, "/device")
	AssertEq(nil, err)
	ExpectEq(fs.TypeRegular, st.Type)

	// Creating a directory under devfs is its EPERM, proving dispatch
	// crossed into the right backend.
	err = t.v.MkDir(t.ctx, "/dev/sub", 0755)
	ExpectTrue(errors.Is(err, syserr.EPERM))

	AssertEq(nil, t.v.Umount(t.ctx, "/dev"))
}

func (t *VfsTest) GetMntEnt() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/dev", 0755))
	AssertEq(nil, t.v.Mount(t.ctx, "devfs", "", "/dev", ""))

	e, err := t.v.GetMntEnt(t.ctx, 0)
	AssertEq(nil, err)
	ExpectEq("lfs", e.FSName)
	ExpectEq("/", e.MountPoint)

	e, err = t.v.GetMntEnt(t.ctx, 1)
	AssertEq(nil, err)
	ExpectEq("devfs", e.FSName)
	ExpectEq("/dev", e.MountPoint)

	_, err = t.v.GetMntEnt(t.ctx, 2)
	ExpectTrue(errors.Is(err, syserr.ENOENT))

	AssertEq(nil, t.v.Umount(t.ctx, "/dev"))
}

func (t *VfsTest) RemovingMountPointRefused() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/dev", 0755))
	AssertEq(nil, t.v.Mount(t.ctx, "devfs", "", "/dev", ""))

	err := t.v.Remove(t.ctx, "/dev")
	ExpectTrue(errors.Is(err, syserr.EBUSY))

	AssertEq(nil, t.v.Umount(t.ctx, "/dev"))
}

func (t *VfsTest) RenameAcrossMountsRefused() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/dev", 0755))
	AssertEq(nil, t.v.Mount(t.ctx, "devfs", "", "/dev", ""))

	fd, err := t.v.Open(t.ctx, "/f", "w")
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	err = t.v.Rename(t.ctx, "/f", "/dev/f")
	ExpectTrue(errors.Is(err, syserr.EPERM))

	AssertEq(nil, t.v.Umount(t.ctx, "/dev"))
}

func (t *VfsTest) RenameRoundTripLeavesTreeUnchanged() {
	fd, err := t.v.Open(t.ctx, "/a", "w")
	AssertEq(nil, err)
	_, err = t.v.Write(t.ctx, fd, []byte("payload"))
	AssertEq(nil, err)
	AssertEq(nil, t.v.Close(t.ctx, fd))

	AssertEq(nil, t.v.Rename(t.ctx, "/a", "/b"))
	AssertEq(nil, t.v.Rename(t.ctx, "/b", "/a"))

	st, err := t.v.Stat(t.ctx, "/a")
	AssertEq(nil, err)
	ExpectEq(7, st.Size)

	_, err = t.v.Stat(t.ctx, "/b")
	ExpectTrue(errors.Is(err, syserr.ENOENT))
}

////////////////////////////////////////////////////////////////////////
// Pipes end to end
////////////////////////////////////////////////////////////////////////

func (t *VfsTest) ScenarioPipeBetweenTasks() {
	AssertEq(nil, t.v.MkDir(t.ctx, "/dev", 0755))
	AssertEq(nil, t.v.Mount(t.ctx, "devfs", "", "/dev", ""))
	AssertEq(nil, t.v.MkFifo(t.ctx, "/dev/p"))

	writer := t.k.Go(t.ctx, "A", func(ctx context.Context) {
		fd, err := t.v.Open(ctx, "/dev/p", "w")
		if err != nil {
			return
		}

		t.v.Write(ctx, fd, []byte("hello"))
		t.v.Ioctl(ctx, fd, fs.IoctlPipeClose, nil)
		t.v.Close(ctx, fd)
	})

	result := make(chan string, 1)
	reader := t.k.Go(t.ctx, "B", func(ctx context.Context) {
		fd, err := t.v.Open(ctx, "/dev/p", "r")
		if err != nil {
			result <- fmt.Sprintf("open: %v", err)
			return
		}

		buf := make([]byte, 5)
		n, err := t.v.Read(ctx, fd, buf)
		if err != nil || n != 5 {
			result <- fmt.Sprintf("read: %d %v", n, err)
			t.v.Close(ctx, fd)
			return
		}

		// After the writer closes, a further read is EOF.
		n2, err := t.v.Read(ctx, fd, buf)
		if err != nil || n2 != 0 {
			result <- fmt.Sprintf("second read: %d %v", n2, err)
			t.v.Close(ctx, fd)
			return
		}

		t.v.Close(ctx, fd)
		result <- string(buf)
	})

	select {
	case s := <-result:
		ExpectEq("hello", s)
	case <-time.After(5 * time.Second):
		AddFailure("Pipe tasks did not finish")
	}

	<-writer.Done()
	<-reader.Done()

	AssertEq(nil, t.v.Umount(t.ctx, "/dev"))
}

////////////////////////////////////////////////////////////////////////
// A host file system on a file-backed block device
////////////////////////////////////////////////////////////////////////

func (t *VfsTest) ExtVolumeInsideLfsFile() {
	// Build an 8 MiB image file on the RAM file system.
	fd, err := t.v.Open(t.ctx, "/disk.img", "w+")
	AssertEq(nil, err)

	zeros := make([]byte, 1<<20)
	for i := 0; i < 8; i++ {
		_, err = t.v.Write(t.ctx, fd, zeros)
		AssertEq(nil, err)
	}

	// Format it as an ext volume through the same descriptor.
	dev, err := blockdev.New(t.v.FileStorage(fd, 512), 512, (8<<20)/512)
	AssertEq(nil, err)
	AssertEq(nil, extlib.Format(t.ctx, dev, extlib.FormatConfig{}))
	AssertEq(nil, t.v.Close(t.ctx, fd))

	// Mount it and use it.
	AssertEq(nil, t.v.MkDir(t.ctx, "/mnt", 0755))
	AssertEq(nil, t.v.Mount(t.ctx, "ext4fs", "/disk.img", "/mnt", ""))

	sfs, err := t.v.StatFS(t.ctx, "/mnt")
	AssertEq(nil, err)
	ExpectEq("ext4fs", sfs.FSName)

	fd, err = t.v.Open(t.ctx, "/mnt/hello", "w+")
	AssertEq(nil, err)
	_, err = t.v.Write(t.ctx, fd, []byte("nested mount"))
	AssertEq(nil, err)

	_, err = t.v.Lseek(t.ctx, fd, 0, vfs.SeekSet)
	AssertEq(nil, err)

	buf := make([]byte, 12)
	n, err := t.v.Read(t.ctx, fd, buf)
	AssertEq(nil, err)
	ExpectEq("nested mount", string(buf[:n]))

	AssertEq(nil, t.v.Close(t.ctx, fd))
	AssertEq(nil, t.v.Umount(t.ctx, "/mnt"))

	// Remount read-only and read it back.
	AssertEq(nil, t.v.Mount(t.ctx, "ext4fs", "/disk.img", "/mnt", "ro"))

	fd, err = t.v.Open(t.ctx, "/mnt/hello", "r")
	AssertEq(nil, err)

	n, err = t.v.Read(t.ctx, fd, buf)
	AssertEq(nil, err)
	ExpectEq("nested mount", string(buf[:n]))

	// Writes are refused on a ro mount.
	_, err = t.v.Open(t.ctx, "/mnt/other", "w")
	ExpectTrue(errors.Is(err, syserr.EACCES))

	AssertEq(nil, t.v.Close(t.ctx, fd))
	AssertEq(nil, t.v.Umount(t.ctx, "/mnt"))
}

////////////////////////////////////////////////////////////////////////
// Accounting
////////////////////////////////////////////////////////////////////////

func (t *VfsTest) OpenFileCountTracksDescriptors() {
	ExpectEq(0, t.v.OpenFileCount())

	fd, err := t.v.Open(t.ctx, "/f", "w")
	AssertEq(nil, err)
	ExpectEq(1, t.v.OpenFileCount())

	AssertEq(nil, t.v.MkDir(t.ctx, "/d", 0755))
	d, err := t.v.OpenDir(t.ctx, "/d")
	AssertEq(nil, err)
	ExpectEq(2, t.v.OpenFileCount())

	AssertEq(nil, t.v.Close(t.ctx, fd))
	AssertEq(nil, t.v.CloseDir(t.ctx, d))
	ExpectEq(0, t.v.OpenFileCount())
}

func (t *VfsTest) LastErrorRecordedOnTask() {
	errCh := make(chan error, 1)
	tk := t.k.Go(t.ctx, "prog", func(ctx context.Context) {
		_, err := t.v.Open(ctx, "/no/such/file", "r")
		errCh <- err
	})
	<-tk.Done()

	err := <-errCh
	AssertNe(nil, err)
	ExpectTrue(errors.Is(tk.LastError(), syserr.ENOENT))
}
