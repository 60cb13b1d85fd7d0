// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trustfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustos/kernel/internal/kernel/vfs"
)

func TestWALCrashRecoveryScenario(t *testing.T) {
	// spec §8 scenario 4.
	dev := NewMemDevice(512)
	_, err := Format(dev, 64)
	require.NoError(t, err)

	wal := NewWAL(dev)
	wal.Begin()

	var payload200, payload201 [SectorSize]byte
	copy(payload200[:], "sector-200-payload")
	copy(payload201[:], "sector-201-payload")
	require.NoError(t, wal.LogWrite(200, payload200))
	require.NoError(t, wal.LogWrite(201, payload201))
	require.NoError(t, wal.Commit())

	// Simulate a power cut: discard any in-memory cache state (there is
	// none here since WAL writes raw) and remount.
	count, err := ReplayIfNeeded(dev)
	require.NoError(t, err)
	require.Equal(t, 0, count) // already applied & header cleared by Commit

	got200, err := dev.ReadSector(200)
	require.NoError(t, err)
	require.Equal(t, payload200, got200)

	got201, err := dev.ReadSector(201)
	require.NoError(t, err)
	require.Equal(t, payload201, got201)

	hdr, err := dev.ReadSector(SectorWALHeader)
	require.NoError(t, err)
	magic := getU32(hdr[0:4])
	require.NotEqual(t, uint32(WALMagic), magic)
}

func TestWALReplayAppliesCommittedUnappliedHeader(t *testing.T) {
	dev := NewMemDevice(512)
	_, err := Format(dev, 64)
	require.NoError(t, err)

	// Simulate a crash mid-commit: write the WAL header and entries but
	// never apply them to their targets (as if power was lost between
	// wal.Commit's step 2 and step 3).
	var hdr [SectorSize]byte
	putU32(hdr[0:4], WALMagic)
	putU32(hdr[4:8], 1)
	putU32(hdr[8:12], 1)
	putU64(hdr[12:20], 1)
	require.NoError(t, dev.WriteSector(SectorWALHeader, hdr))

	var entry [SectorSize]byte
	putU64(entry[0:8], 300)
	copy(entry[8:], []byte("recovered-data"))
	require.NoError(t, dev.WriteSector(SectorWALEntryBase, entry))

	count, err := ReplayIfNeeded(dev)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := dev.ReadSector(300)
	require.NoError(t, err)
	require.Contains(t, string(got[:len("recovered-data")]), "recovered-data")
}

func TestMkdirRmdirIsNoopOnDisk(t *testing.T) {
	dev := NewMemDevice(512)
	fs, err := Format(dev, 64)
	require.NoError(t, err)

	root, err := fs.OpenDir(fs.RootIno())
	require.NoError(t, err)

	ino, err := root.Create("subdir", vfs.Directory)
	require.NoError(t, err)
	require.NoError(t, fs.Sync())

	require.NoError(t, root.Unlink("subdir"))
	require.NoError(t, fs.Sync())

	_, err = root.Lookup("subdir")
	require.Error(t, err)
	_ = ino
}

func TestCreateWriteReadFile(t *testing.T) {
	dev := NewMemDevice(512)
	fs, err := Format(dev, 64)
	require.NoError(t, err)

	root, err := fs.OpenDir(fs.RootIno())
	require.NoError(t, err)

	ino, err := root.Create("hello.txt", vfs.Regular)
	require.NoError(t, err)

	f, err := fs.OpenFile(ino)
	require.NoError(t, err)

	n, err := f.Write(0, []byte("hello trustfs"))
	require.NoError(t, err)
	require.Equal(t, len("hello trustfs"), n)

	buf := make([]byte, 64)
	n, err = f.Read(0, buf)
	require.NoError(t, err)
	require.Equal(t, "hello trustfs", string(buf[:n]))
}

func TestCreateDuplicateNameFails(t *testing.T) {
	dev := NewMemDevice(512)
	fs, err := Format(dev, 64)
	require.NoError(t, err)
	root, err := fs.OpenDir(fs.RootIno())
	require.NoError(t, err)

	_, err = root.Create("x", vfs.Regular)
	require.NoError(t, err)
	_, err = root.Create("x", vfs.Regular)
	require.Error(t, err)
}

func TestBlockCacheLRUEviction(t *testing.T) {
	dev := NewMemDevice(SectorDataBase + CacheSize + 8)
	cache := NewBlockCache(dev)

	for i := 0; i < CacheSize+4; i++ {
		var data [SectorSize]byte
		data[0] = byte(i)
		require.NoError(t, cache.Write(SectorDataBase+uint64(i), data))
	}
	cached, _ := cache.Stats()
	require.LessOrEqual(t, cached, CacheSize)

	require.NoError(t, cache.Sync())
	cached, dirty := cache.Stats()
	require.Equal(t, 0, dirty)
	_ = cached
}
