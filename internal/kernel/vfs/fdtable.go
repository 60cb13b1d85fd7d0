// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// OpenFlag mirrors the open(2) access/creation flags the syscall gate
// accepts (spec §4.6 "File descriptors").
type OpenFlag int

const (
	ORead OpenFlag = 1 << iota
	OWrite
	OAppend
	OCreate
	OTrunc
)

// OpenFile is one entry in a process's descriptor table: an inode handle
// plus a private seek offset (spec §3 "File Descriptor" — "an index into a
// process's open file table, distinct from the inode number").
type OpenFile struct {
	mu     sync.Mutex
	Ops    FileOps
	Flags  OpenFlag
	offset int64
}

func (f *OpenFile) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Flags&ORead == 0 {
		return 0, kerrors.E("vfs.OpenFile.Read", kerrors.PermissionDenied, nil)
	}
	n, err := f.Ops.Read(f.offset, buf)
	f.offset += int64(n)
	return n, err
}

func (f *OpenFile) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Flags&OWrite == 0 {
		return 0, kerrors.E("vfs.OpenFile.Write", kerrors.PermissionDenied, nil)
	}
	if f.Flags&OAppend != 0 {
		if st, err := f.Ops.Stat(); err == nil {
			f.offset = int64(st.Size)
		}
	}
	n, err := f.Ops.Write(f.offset, data)
	f.offset += int64(n)
	return n, err
}

func (f *OpenFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case 0: // SEEK_SET
		f.offset = offset
	case 1: // SEEK_CUR
		f.offset += offset
	case 2: // SEEK_END
		st, err := f.Ops.Stat()
		if err != nil {
			return 0, err
		}
		f.offset = int64(st.Size) + offset
	default:
		return 0, kerrors.E("vfs.OpenFile.Seek", kerrors.InvalidArgument, nil)
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, kerrors.E("vfs.OpenFile.Seek", kerrors.InvalidArgument, nil)
	}
	return f.offset, nil
}

// FDTableFirstFD is the lowest regular file descriptor; 0-2 are reserved
// for stdio, and pipe descriptors are numbered upward from ipc.PipeFDBase
// (64) with no upper bound, so regular files starting at 256 stay clear of
// the first 96 pipes' descriptors (spec §4.6, §4.8).
const FDTableFirstFD = 256

// FDTable is a process's table of open file descriptors.
type FDTable struct {
	mu    sync.Mutex
	files map[int]*OpenFile
	next  int
}

func NewFDTable() *FDTable {
	return &FDTable{files: make(map[int]*OpenFile), next: FDTableFirstFD}
}

// Install assigns the next free descriptor to of and returns it.
func (t *FDTable) Install(of *OpenFile) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.files[fd] = of
	return fd
}

func (t *FDTable) Get(fd int) (*OpenFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.files[fd]
	if !ok {
		return nil, kerrors.E("vfs.FDTable.Get", kerrors.InvalidArgument, kerrors.New("EBADF"))
	}
	return of, nil
}

func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[fd]; !ok {
		return kerrors.E("vfs.FDTable.Close", kerrors.InvalidArgument, kerrors.New("EBADF"))
	}
	delete(t.files, fd)
	return nil
}

// Dup duplicates fd onto the next free descriptor.
func (t *FDTable) Dup(fd int) (int, error) {
	t.mu.Lock()
	of, ok := t.files[fd]
	t.mu.Unlock()
	if !ok {
		return 0, kerrors.E("vfs.FDTable.Dup", kerrors.InvalidArgument, kerrors.New("EBADF"))
	}
	return t.Install(of), nil
}

// Dup2 duplicates fd onto newFD, closing whatever newFD previously held.
func (t *FDTable) Dup2(fd, newFD int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.files[fd]
	if !ok {
		return kerrors.E("vfs.FDTable.Dup2", kerrors.InvalidArgument, kerrors.New("EBADF"))
	}
	t.files[newFD] = of
	return nil
}

// Clone produces an independent table sharing the same OpenFile handles
// (spec §4.6: "fork duplicates the descriptor table; the underlying open
// file descriptions — and their seek offsets — are shared").
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &FDTable{files: make(map[int]*OpenFile, len(t.files)), next: t.next}
	for fd, of := range t.files {
		c.files[fd] = of
	}
	return c
}

// CloseAll closes every descriptor, used on process exit.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = make(map[int]*OpenFile)
}
