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

package fatfs_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veloxos/velox/blockdev"
	"github.com/veloxos/velox/fs"
	"github.com/veloxos/velox/fs/fatfs"
	"github.com/veloxos/velox/internal/syserr"
)

const sectorSize = 512

// newVolume formats a fresh volume of the given sector count and mounts
// it.
func newVolume(t *testing.T, sectors uint64) (fs.FileSystem, *blockdev.Device, *blockdev.MemStorage) {
	t.Helper()

	ctx := context.Background()
	storage := blockdev.NewMemStorage(sectorSize, sectors)

	dev, err := blockdev.New(storage, sectorSize, sectors)
	require.NoError(t, err)

	clock := timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2016, 2, 29, 12, 0, 0, 0, time.UTC))

	require.NoError(t, fatfs.Format(ctx, dev, &clock, fatfs.FormatConfig{}))

	vol, err := fatfs.New(ctx, dev, &clock, false)
	require.NoError(t, err)

	return vol, dev, storage
}

func writeFile(t *testing.T, vol fs.FileSystem, path string, data []byte) {
	t.Helper()
	ctx := context.Background()

	h, err := vol.Open(ctx, path, fs.FlagWrite|fs.FlagCreate)
	require.NoError(t, err)

	n, err := vol.Write(ctx, h, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	require.NoError(t, vol.Close(ctx, h, false))
}

func readFile(t *testing.T, vol fs.FileSystem, path string) []byte {
	t.Helper()
	ctx := context.Background()

	h, err := vol.Open(ctx, path, fs.FlagRead)
	require.NoError(t, err)

	st, err := vol.FStat(ctx, h)
	require.NoError(t, err)

	buf := make([]byte, st.Size)
	n, err := vol.Read(ctx, h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, int(st.Size), n)

	require.NoError(t, vol.Close(ctx, h, false))
	return buf
}

func listNames(t *testing.T, vol fs.FileSystem, path string) (names []string) {
	t.Helper()
	ctx := context.Background()

	it, err := vol.OpenDir(ctx, path)
	require.NoError(t, err)

	for {
		e, err := it.NextEntry(ctx)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
		names = append(names, e.Name)
	}

	require.NoError(t, it.Close(ctx))
	return
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func TestFormatWritesCanonicalBootSector(t *testing.T) {
	_, _, storage := newVolume(t, 8192)
	boot := storage.Bytes()[:sectorSize]

	// The documented offsets.
	assert.Equal(t, byte(0xEB), boot[0])
	assert.Equal(t, uint16(512), uint16(boot[11])|uint16(boot[12])<<8)
	assert.Equal(t, byte(0x55), boot[510])
	assert.Equal(t, byte(0xAA), boot[511])
}

func TestWriteReadRoundTrip(t *testing.T) {
	vol, _, _ := newVolume(t, 8192)

	data := []byte("the quick brown fox")
	writeFile(t, vol, "/hello.txt", data)

	assert.Equal(t, data, readFile(t, vol, "/hello.txt"))
	assert.Equal(t, []string{"hello.txt"}, listNames(t, vol, "/"))
}

func TestMultiClusterFile(t *testing.T) {
	vol, _, _ := newVolume(t, 8192)
	ctx := context.Background()

	// Several clusters' worth of patterned data, written in two chunks.
	data := make([]byte, 2000)
	for i := range data {
		data[i] = byte(i * 7)
	}

	h, err := vol.Open(ctx, "/big.bin", fs.FlagWrite|fs.FlagCreate)
	require.NoError(t, err)

	_, err = vol.Write(ctx, h, data[:1111], 0)
	require.NoError(t, err)
	_, err = vol.Write(ctx, h, data[1111:], 1111)
	require.NoError(t, err)

	require.NoError(t, vol.Close(ctx, h, false))

	assert.True(t, bytes.Equal(data, readFile(t, vol, "/big.bin")))
}

func TestPersistenceAcrossRemount(t *testing.T) {
	vol, dev, _ := newVolume(t, 8192)
	ctx := context.Background()

	writeFile(t, vol, "/keep.txt", []byte("still here"))
	require.NoError(t, vol.Sync(ctx))
	require.NoError(t, vol.Release(ctx))

	clock := timeutil.SimulatedClock{}
	vol2, err := fatfs.New(ctx, dev, &clock, false)
	require.NoError(t, err)

	assert.Equal(t, []byte("still here"), readFile(t, vol2, "/keep.txt"))
}

func TestLongFileNames(t *testing.T) {
	vol, _, _ := newVolume(t, 8192)
	ctx := context.Background()

	const name = "Long File Name Test.txt"
	writeFile(t, vol, "/"+name, []byte("lfn"))

	// The listing shows the long name, not the alias.
	assert.Equal(t, []string{name}, listNames(t, vol, "/"))

	// Lookup is case-insensitive.
	h, err := vol.Open(ctx, "/LONG FILE NAME TEST.TXT", fs.FlagRead)
	require.NoError(t, err)
	require.NoError(t, vol.Close(ctx, h, false))

	// Two clashing long names get distinct aliases.
	const name2 = "Long File Name Trial.txt"
	writeFile(t, vol, "/"+name2, []byte("two"))

	assert.Equal(t, []byte("lfn"), readFile(t, vol, "/"+name))
	assert.Equal(t, []byte("two"), readFile(t, vol, "/"+name2))
}

func TestDirectories(t *testing.T) {
	vol, _, _ := newVolume(t, 8192)
	ctx := context.Background()

	require.NoError(t, vol.MkDir(ctx, "/docs", 0755))
	writeFile(t, vol, "/docs/a.txt", []byte("a"))

	st, err := vol.Stat(ctx, "/docs")
	require.NoError(t, err)
	assert.Equal(t, fs.TypeDir, st.Type)

	assert.Equal(t, []string{"a.txt"}, listNames(t, vol, "/docs"))

	// Removing a non-empty directory fails.
	err = vol.Remove(ctx, "/docs")
	assert.ErrorIs(t, err, syserr.ENOTEMPTY)

	require.NoError(t, vol.Remove(ctx, "/docs/a.txt"))
	require.NoError(t, vol.Remove(ctx, "/docs"))

	_, err = vol.Stat(ctx, "/docs")
	assert.ErrorIs(t, err, syserr.ENOENT)
}

func TestRename(t *testing.T) {
	vol, _, _ := newVolume(t, 8192)
	ctx := context.Background()

	require.NoError(t, vol.MkDir(ctx, "/a", 0755))
	writeFile(t, vol, "/a/orig.txt", []byte("content"))

	require.NoError(t, vol.Rename(ctx, "/a/orig.txt", "/moved.txt"))

	_, err := vol.Stat(ctx, "/a/orig.txt")
	assert.ErrorIs(t, err, syserr.ENOENT)
	assert.Equal(t, []byte("content"), readFile(t, vol, "/moved.txt"))

	// Rename onto an existing name is refused.
	writeFile(t, vol, "/other.txt", []byte("x"))
	err = vol.Rename(ctx, "/moved.txt", "/other.txt")
	assert.ErrorIs(t, err, syserr.EEXIST)
}

func TestTruncateOnOpen(t *testing.T) {
	vol, _, _ := newVolume(t, 8192)
	ctx := context.Background()

	writeFile(t, vol, "/f.txt", []byte("0123456789"))

	h, err := vol.Open(ctx, "/f.txt", fs.FlagWrite|fs.FlagTruncate)
	require.NoError(t, err)

	st, err := vol.FStat(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size)

	require.NoError(t, vol.Close(ctx, h, false))
}

func TestStatFS(t *testing.T) {
	vol, _, _ := newVolume(t, 8192)
	ctx := context.Background()

	before, err := vol.StatFS(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fatfs", before.FSName)
	assert.Equal(t, uint32(sectorSize), before.BlockSize)

	// Writing consumes clusters.
	writeFile(t, vol, "/f.bin", make([]byte, 3000))

	after, err := vol.StatFS(ctx)
	require.NoError(t, err)
	assert.Less(t, after.FreeBytes, before.FreeBytes)
}

func TestFAT12SmallVolume(t *testing.T) {
	vol, _, _ := newVolume(t, 2048)

	data := []byte("fits in a small volume")
	writeFile(t, vol, "/s.txt", data)
	assert.Equal(t, data, readFile(t, vol, "/s.txt"))
}

func TestReadOnlyVolume(t *testing.T) {
	vol, dev, _ := newVolume(t, 8192)
	ctx := context.Background()

	writeFile(t, vol, "/f.txt", []byte("x"))
	require.NoError(t, vol.Sync(ctx))
	require.NoError(t, vol.Release(ctx))

	clock := timeutil.SimulatedClock{}
	ro, err := fatfs.New(ctx, dev, &clock, true)
	require.NoError(t, err)

	_, err = ro.Open(ctx, "/f.txt", fs.FlagWrite)
	assert.ErrorIs(t, err, syserr.EACCES)

	err = ro.MkDir(ctx, "/d", 0755)
	assert.ErrorIs(t, err, syserr.EACCES)

	assert.Equal(t, []byte("x"), readFile(t, ro, "/f.txt"))
}

func TestChmodReadOnlyAttr(t *testing.T) {
	vol, _, _ := newVolume(t, 8192)
	ctx := context.Background()

	writeFile(t, vol, "/f.txt", []byte("x"))

	require.NoError(t, vol.Chmod(ctx, "/f.txt", 0444))

	st, err := vol.Stat(ctx, "/f.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), uint32(st.Mode.Perm()&0200))

	require.NoError(t, vol.Chmod(ctx, "/f.txt", 0644))

	st, err = vol.Stat(ctx, "/f.txt")
	require.NoError(t, err)
	assert.NotEqual(t, uint32(0), uint32(st.Mode.Perm()&0200))
}
