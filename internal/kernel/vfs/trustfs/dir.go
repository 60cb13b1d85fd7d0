// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trustfs

import (
	"bytes"

	kerrors "github.com/trustos/kernel/pkg/errors"
	"github.com/trustos/kernel/internal/kernel/vfs"
)

type dirEntry struct {
	name string
	ino  uint64
}

func encodeDirBlock(entries []dirEntry) [SectorSize]byte {
	var b [SectorSize]byte
	off := 0
	for _, e := range entries {
		if off+dirEntrySize > SectorSize {
			break
		}
		n := []byte(e.name)
		if len(n) > dirEntryNameLen {
			n = n[:dirEntryNameLen]
		}
		copy(b[off:off+dirEntryNameLen], n)
		putU64(b[off+dirEntryNameLen:off+dirEntrySize], e.ino)
		off += dirEntrySize
	}
	return b
}

func decodeDirBlock(b [SectorSize]byte) []dirEntry {
	var entries []dirEntry
	for off := 0; off+dirEntrySize <= SectorSize; off += dirEntrySize {
		nameRaw := b[off : off+dirEntryNameLen]
		ino := getU64(b[off+dirEntryNameLen : off+dirEntrySize])
		if ino == 0 {
			continue
		}
		name := string(bytes.TrimRight(nameRaw, "\x00"))
		if name == "" {
			continue
		}
		entries = append(entries, dirEntry{name: name, ino: ino})
	}
	return entries
}

// applyTransaction logs every (sector, data) write into a WAL transaction
// and commits it (spec §4.7: mutating operations touching multiple sectors
// are wrapped in a WAL transaction). The cache entry of each touched sector
// is flushed and dropped before the commit, so a stale dirty entry cannot
// overwrite the committed content and later cached reads see the new data.
func (fs *TrustFS) applyTransaction(writes map[uint64][SectorSize]byte) error {
	for sector := range writes {
		fs.cache.Invalidate(sector)
	}
	fs.wal.Begin()
	for sector, data := range writes {
		if err := fs.wal.LogWrite(sector, data); err != nil {
			return err
		}
	}
	if err := fs.wal.Commit(); err != nil {
		return err
	}
	return nil
}

type trustDir struct {
	fs  *TrustFS
	ino uint64
}

func (fs *TrustFS) OpenDir(ino uint64) (vfs.DirOps, error) {
	n, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	if n.typ != vfs.Directory {
		return nil, kerrors.E("trustfs.OpenDir", kerrors.NotDirectory, nil)
	}
	return &trustDir{fs: fs, ino: ino}, nil
}

func (d *trustDir) entries() ([]dirEntry, onDiskInode, error) {
	n, err := d.fs.readInode(d.ino)
	if err != nil {
		return nil, n, err
	}
	if n.numBlocks == 0 {
		return nil, n, nil
	}
	block, err := d.fs.cache.Read(n.blocks[0])
	if err != nil {
		return nil, n, err
	}
	return decodeDirBlock(block), n, nil
}

func (d *trustDir) Lookup(name string) (uint64, error) {
	entries, _, err := d.entries()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.name == name {
			return e.ino, nil
		}
	}
	return 0, kerrors.E("trustfs.Lookup", kerrors.NotFound, nil)
}

func (d *trustDir) Readdir() ([]string, error) {
	entries, _, err := d.entries()
	if err != nil {
		return nil, err
	}
	names := []string{".", ".."}
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names, nil
}

// Create allocates a new inode and adds a directory entry for it. One WAL
// transaction carries the new inode's table sector, the directory's data
// block and the directory's own inode sector. The inode bitmap (and, when
// the directory had no block yet, the block bitmap) is written to the
// device directly by the allocator, outside that transaction.
func (d *trustDir) Create(name string, typ vfs.InodeType) (uint64, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	entries, dirInode, err := d.entries()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.name == name {
			return 0, kerrors.E("trustfs.Create", kerrors.AlreadyExists, nil)
		}
	}
	if len(entries)+1 > SectorSize/dirEntrySize {
		return 0, kerrors.E("trustfs.Create", kerrors.NoSpace, nil)
	}

	newIno, err := d.fs.allocInode()
	if err != nil {
		return 0, err
	}

	writes := make(map[uint64][SectorSize]byte)

	if dirInode.numBlocks == 0 {
		blockSector, err := d.fs.allocBlock()
		if err != nil {
			return 0, err
		}
		dirInode.blocks[0] = blockSector
		dirInode.numBlocks = 1
	}
	entries = append(entries, dirEntry{name: name, ino: newIno})
	writes[dirInode.blocks[0]] = encodeDirBlock(entries)

	dirSector, err := d.fs.inodeSector(d.ino)
	if err != nil {
		return 0, err
	}
	writes[dirSector] = dirInode.encode()

	child := onDiskInode{ino: newIno, typ: typ}
	childSector, err := d.fs.inodeSector(newIno)
	if err != nil {
		return 0, err
	}
	writes[childSector] = child.encode()

	if err := d.fs.applyTransaction(writes); err != nil {
		return 0, err
	}
	return newIno, nil
}

// Unlink removes a directory entry and frees the target inode and its
// data blocks. Only the directory's data block goes through the WAL
// transaction; the inode and block bitmaps are written to the device
// directly before it. Fails with Busy if the target is a non-empty
// directory.
func (d *trustDir) Unlink(name string) error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	entries, dirInode, err := d.entries()
	if err != nil {
		return err
	}

	idx := -1
	for i, e := range entries {
		if e.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return kerrors.E("trustfs.Unlink", kerrors.NotFound, nil)
	}
	target := entries[idx]

	targetInode, err := d.fs.readInode(target.ino)
	if err != nil {
		return err
	}
	if targetInode.typ == vfs.Directory {
		sub := &trustDir{fs: d.fs, ino: target.ino}
		subEntries, _, err := sub.entries()
		if err != nil {
			return err
		}
		if len(subEntries) > 0 {
			return kerrors.E("trustfs.Unlink", kerrors.Busy, nil)
		}
	}

	entries = append(entries[:idx], entries[idx+1:]...)
	writes := make(map[uint64][SectorSize]byte)
	writes[dirInode.blocks[0]] = encodeDirBlock(entries)

	for i := uint32(0); i < targetInode.numBlocks; i++ {
		if err := d.fs.freeBlock(targetInode.blocks[i]); err != nil {
			return err
		}
	}
	if err := d.fs.freeInode(target.ino); err != nil {
		return err
	}

	if err := d.fs.applyTransaction(writes); err != nil {
		return err
	}
	return nil
}

func (d *trustDir) Stat() (vfs.Stat, error) {
	n, err := d.fs.readInode(d.ino)
	if err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{Ino: n.ino, Type: vfs.Directory, Size: n.size, Mode: 0o755}, nil
}
