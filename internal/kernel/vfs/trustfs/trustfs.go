// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trustfs

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	kerrors "github.com/trustos/kernel/pkg/errors"
	"github.com/trustos/kernel/internal/kernel/vfs"
)

const (
	maxDirectBlocks = 16
	maxInodes       = SectorInodeTableEnd - SectorInodeTableBase + 1 // one inode per table sector
	dirEntrySize    = 32                                             // 24-byte name + 8-byte ino
	dirEntryNameLen = 24
	rootIno         = 1
)

// onDiskInode is the inode table's per-slot record (spec §3 inode table,
// sectors 3..32). One inode occupies exactly one sector.
type onDiskInode struct {
	ino       uint64
	typ       vfs.InodeType
	size      uint64
	numBlocks uint32
	blocks    [maxDirectBlocks]uint64
}

func (n *onDiskInode) encode() [SectorSize]byte {
	var b [SectorSize]byte
	putU64(b[0:8], n.ino)
	b[8] = byte(n.typ)
	putU64(b[9:17], n.size)
	putU32(b[17:21], n.numBlocks)
	off := 21
	for _, blk := range n.blocks {
		putU64(b[off:off+8], blk)
		off += 8
	}
	return b
}

func decodeInode(b [SectorSize]byte) onDiskInode {
	var n onDiskInode
	n.ino = getU64(b[0:8])
	n.typ = vfs.InodeType(b[8])
	n.size = getU64(b[9:17])
	n.numBlocks = getU32(b[17:21])
	off := 21
	for i := range n.blocks {
		n.blocks[i] = getU64(b[off : off+8])
		off += 8
	}
	return n
}

// TrustFS is the native on-disk filesystem (spec §3 "TrustFS On-Disk
// Layout", §4.7 "TrustFS + WAL + Block Cache"). Directory changes (Create,
// Unlink) log their inode and directory sectors in a WAL transaction; file
// writes, including ones that extend a file, go through the block cache
// with no WAL transaction, and the inode and block bitmaps are written to
// the device directly. Reads go through the block cache.
type TrustFS struct {
	mu     sync.Mutex
	dev    Device
	cache  *BlockCache
	wal    *WAL
	sb     Superblock
	prefetchSem *semaphore.Weighted
}

// Mount opens dev as a TrustFS image, replaying any pending WAL
// transaction before the filesystem becomes available (spec §3 "On
// mount, the WAL header is read... every entry is applied... before the
// filesystem is made available").
func Mount(dev Device) (*TrustFS, error) {
	if _, err := ReplayIfNeeded(dev); err != nil {
		return nil, err
	}

	sbSector, err := dev.ReadSector(SectorSuperblock)
	if err != nil {
		return nil, kerrors.E("trustfs.Mount", kerrors.DeviceFault, err)
	}
	sb, ok := DecodeSuperblock(sbSector)
	if !ok {
		return nil, kerrors.E("trustfs.Mount", kerrors.Corrupted, kerrors.New("bad superblock magic"))
	}

	fs := &TrustFS{
		dev:         dev,
		cache:       NewBlockCache(dev),
		wal:         NewWAL(dev),
		sb:          sb,
		prefetchSem: semaphore.NewWeighted(8),
	}
	return fs, nil
}

// Format initializes a fresh TrustFS image: zeroes the bitmaps, writes the
// superblock, and creates an empty root directory.
func Format(dev Device, totalBlocks uint64) (*TrustFS, error) {
	var zero [SectorSize]byte
	if err := dev.WriteSector(SectorInodeBitmap, zero); err != nil {
		return nil, err
	}
	if err := dev.WriteSector(SectorBlockBitmap, zero); err != nil {
		return nil, err
	}
	for s := uint64(SectorInodeTableBase); s <= SectorInodeTableEnd; s++ {
		if err := dev.WriteSector(s, zero); err != nil {
			return nil, err
		}
	}
	if err := dev.WriteSector(SectorWALHeader, zero); err != nil {
		return nil, err
	}

	sb := Superblock{
		Magic:       SuperblockMagic,
		Version:     1,
		TotalBlocks: totalBlocks,
		FreeBlocks:  totalBlocks,
		FreeInodes:  maxInodes - 1,
		RootInode:   rootIno,
	}
	if err := dev.WriteSector(SectorSuperblock, sb.Encode()); err != nil {
		return nil, err
	}

	fs := &TrustFS{
		dev:         dev,
		cache:       NewBlockCache(dev),
		wal:         NewWAL(dev),
		sb:          sb,
		prefetchSem: semaphore.NewWeighted(8),
	}

	if err := fs.allocInodeSlot(rootIno); err != nil {
		return nil, err
	}
	root := onDiskInode{ino: rootIno, typ: vfs.Directory}
	if err := fs.writeInode(root); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *TrustFS) Name() string    { return "trustfs" }
func (fs *TrustFS) RootIno() uint64 { return rootIno }

// Sync flushes the block cache's dirty sectors to the device.
func (fs *TrustFS) Sync() error {
	return fs.cache.Sync()
}

func (fs *TrustFS) inodeSector(ino uint64) (uint64, error) {
	if ino < 1 || ino > maxInodes {
		return 0, kerrors.E("trustfs.inodeSector", kerrors.InvalidArgument, nil)
	}
	return SectorInodeTableBase + (ino - 1), nil
}

func (fs *TrustFS) readInode(ino uint64) (onDiskInode, error) {
	sector, err := fs.inodeSector(ino)
	if err != nil {
		return onDiskInode{}, err
	}
	data, err := fs.cache.Read(sector)
	if err != nil {
		return onDiskInode{}, err
	}
	n := decodeInode(data)
	if n.ino != ino {
		return onDiskInode{}, kerrors.E("trustfs.readInode", kerrors.NotFound, nil)
	}
	return n, nil
}

// writeInode persists an inode directly through the cache (single
// sector — no WAL needed per spec's "multi-sector" threshold).
func (fs *TrustFS) writeInode(n onDiskInode) error {
	sector, err := fs.inodeSector(n.ino)
	if err != nil {
		return err
	}
	return fs.cache.Write(sector, n.encode())
}

func bitSet(bitmap *[SectorSize]byte, bit uint64, value bool) {
	byteIdx, mask := bit/8, byte(1)<<(bit%8)
	if value {
		bitmap[byteIdx] |= mask
	} else {
		bitmap[byteIdx] &^= mask
	}
}

func bitGet(bitmap [SectorSize]byte, bit uint64) bool {
	return bitmap[bit/8]&(1<<(bit%8)) != 0
}

// allocInodeSlot marks inode number ino used in the inode bitmap.
func (fs *TrustFS) allocInodeSlot(ino uint64) error {
	bm, err := fs.dev.ReadSector(SectorInodeBitmap)
	if err != nil {
		return err
	}
	bitSet(&bm, ino-1, true)
	return fs.dev.WriteSector(SectorInodeBitmap, bm)
}

// allocInode finds and reserves the first free inode slot.
func (fs *TrustFS) allocInode() (uint64, error) {
	bm, err := fs.dev.ReadSector(SectorInodeBitmap)
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < maxInodes; i++ {
		if !bitGet(bm, i) {
			bitSet(&bm, i, true)
			if err := fs.dev.WriteSector(SectorInodeBitmap, bm); err != nil {
				return 0, err
			}
			return i + 1, nil
		}
	}
	return 0, kerrors.E("trustfs.allocInode", kerrors.NoSpace, nil)
}

func (fs *TrustFS) freeInode(ino uint64) error {
	bm, err := fs.dev.ReadSector(SectorInodeBitmap)
	if err != nil {
		return err
	}
	bitSet(&bm, ino-1, false)
	return fs.dev.WriteSector(SectorInodeBitmap, bm)
}

// allocBlock finds and reserves the first free data block, returning its
// absolute sector number.
func (fs *TrustFS) allocBlock() (uint64, error) {
	bm, err := fs.dev.ReadSector(SectorBlockBitmap)
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < fs.sb.TotalBlocks; i++ {
		if !bitGet(bm, i) {
			bitSet(&bm, i, true)
			if err := fs.dev.WriteSector(SectorBlockBitmap, bm); err != nil {
				return 0, err
			}
			return SectorDataBase + i, nil
		}
	}
	return 0, kerrors.E("trustfs.allocBlock", kerrors.NoSpace, nil)
}

func (fs *TrustFS) freeBlock(sector uint64) error {
	bm, err := fs.dev.ReadSector(SectorBlockBitmap)
	if err != nil {
		return err
	}
	bitSet(&bm, sector-SectorDataBase, false)
	return fs.dev.WriteSector(SectorBlockBitmap, bm)
}

// PrefetchBlocks warms the cache for a set of sectors concurrently,
// bounding in-flight fetches so a large readahead cannot starve other
// sector I/O.
func (fs *TrustFS) PrefetchBlocks(ctx context.Context, sectors []uint64) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(sectors))
	for _, s := range sectors {
		if err := fs.prefetchSem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(sector uint64) {
			defer wg.Done()
			defer fs.prefetchSem.Release(1)
			if _, err := fs.cache.Read(sector); err != nil {
				errs <- err
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
