// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trustfs

import (
	kerrors "github.com/trustos/kernel/pkg/errors"
	"github.com/trustos/kernel/internal/kernel/vfs"
)

const maxFileSize = maxDirectBlocks * SectorSize

type trustFile struct {
	fs  *TrustFS
	ino uint64
}

func (fs *TrustFS) OpenFile(ino uint64) (vfs.FileOps, error) {
	n, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	if n.typ == vfs.Directory {
		return nil, kerrors.E("trustfs.OpenFile", kerrors.IsDirectory, nil)
	}
	return &trustFile{fs: fs, ino: ino}, nil
}

func (f *trustFile) Read(offset int64, buf []byte) (int, error) {
	f.fs.mu.Lock()
	n, err := f.fs.readInode(f.ino)
	f.fs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if offset < 0 || uint64(offset) >= n.size {
		return 0, nil
	}

	total := 0
	pos := uint64(offset)
	for total < len(buf) && pos < n.size {
		blockIdx := pos / SectorSize
		blockOff := pos % SectorSize
		if blockIdx >= uint64(n.numBlocks) {
			break
		}
		data, err := f.fs.cache.Read(n.blocks[blockIdx])
		if err != nil {
			return total, err
		}
		avail := SectorSize - int(blockOff)
		remaining := int(n.size - pos)
		if avail > remaining {
			avail = remaining
		}
		want := len(buf) - total
		if want > avail {
			want = avail
		}
		copy(buf[total:total+want], data[blockOff:int(blockOff)+want])
		total += want
		pos += uint64(want)
	}
	return total, nil
}

// Write extends the file as needed, allocating new blocks through the
// block allocator and persisting the inode update. Block content and the
// inode update go through the cache (write-back); the block bitmap is
// written to the device directly. None of these sectors is logged in a WAL
// transaction, so a write that extends a file is not atomic across a crash.
func (f *trustFile) Write(offset int64, data []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	n, err := f.fs.readInode(f.ino)
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, kerrors.E("trustfs.Write", kerrors.InvalidArgument, nil)
	}
	end := uint64(offset) + uint64(len(data))
	if end > maxFileSize {
		return 0, kerrors.E("trustfs.Write", kerrors.TooLarge, nil)
	}

	total := 0
	pos := uint64(offset)
	for total < len(data) {
		blockIdx := pos / SectorSize
		blockOff := pos % SectorSize

		if blockIdx >= uint64(n.numBlocks) {
			sector, err := f.fs.allocBlock()
			if err != nil {
				return total, err
			}
			n.blocks[blockIdx] = sector
			n.numBlocks++
		}

		existing, err := f.fs.cache.Read(n.blocks[blockIdx])
		if err != nil {
			return total, err
		}
		want := SectorSize - int(blockOff)
		if want > len(data)-total {
			want = len(data) - total
		}
		copy(existing[blockOff:int(blockOff)+want], data[total:total+want])
		if err := f.fs.cache.Write(n.blocks[blockIdx], existing); err != nil {
			return total, err
		}

		total += want
		pos += uint64(want)
	}

	if pos > n.size {
		n.size = pos
	}
	if err := f.fs.writeInode(n); err != nil {
		return total, err
	}
	return total, nil
}

func (f *trustFile) Stat() (vfs.Stat, error) {
	f.fs.mu.Lock()
	n, err := f.fs.readInode(f.ino)
	f.fs.mu.Unlock()
	if err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{Ino: n.ino, Type: vfs.Regular, Size: n.size, Mode: 0o644}, nil
}
