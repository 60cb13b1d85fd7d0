// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vfs implements the kernel's virtual filesystem switch (spec
// §4.7): the file/dir-ops vtables, path resolution, the mount table, and
// the open-file table. procfs and TrustFS plug in as FileSystem
// implementations.
package vfs

import (
	"strings"
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// InodeType enumerates the kinds of inode a filesystem may vend (spec §3
// "Inode").
type InodeType int

const (
	Regular InodeType = iota
	Directory
	Symlink
	CharDevice
	BlockDevice
	PipeInode
	Socket
)

// Stat is the metadata every inode exposes.
type Stat struct {
	FSID    uint64
	Ino     uint64
	Type    InodeType
	Size    uint64
	Mode    uint32
	Owner   uint32
	MTime   int64
}

// FileOps is the per-inode file-operations vtable (spec §4.7 "Core
// abstraction").
type FileOps interface {
	Read(offset int64, buf []byte) (int, error)
	Write(offset int64, data []byte) (int, error)
	Stat() (Stat, error)
}

// DirOps is the per-inode directory-operations vtable.
type DirOps interface {
	Lookup(name string) (ino uint64, err error)
	Readdir() ([]string, error)
	Create(name string, typ InodeType) (ino uint64, err error)
	Unlink(name string) error
	Stat() (Stat, error)
}

// FileSystem vends inodes by number. Concrete filesystems (procfs,
// TrustFS) implement this to plug into the mount table.
type FileSystem interface {
	// Name identifies the filesystem type, e.g. "trustfs", "proc".
	Name() string
	RootIno() uint64
	OpenFile(ino uint64) (FileOps, error)
	OpenDir(ino uint64) (DirOps, error)
}

// mountEntry binds a path prefix to a filesystem instance (spec §3 "Mount
// Point").
type mountEntry struct {
	prefix string
	fs     FileSystem
}

// MountTable is the ordered list of mounts; resolution walks from longest
// matching prefix.
type MountTable struct {
	mu     sync.RWMutex
	mounts []mountEntry
}

func NewMountTable(root FileSystem) *MountTable {
	return &MountTable{mounts: []mountEntry{{prefix: "/", fs: root}}}
}

// Mount adds a filesystem at prefix. Fails with AlreadyExists if prefix is
// already mounted.
func (m *MountTable) Mount(prefix string, fs FileSystem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.mounts {
		if e.prefix == prefix {
			return kerrors.E("vfs.Mount", kerrors.AlreadyExists, nil)
		}
	}
	m.mounts = append(m.mounts, mountEntry{prefix: prefix, fs: fs})
	return nil
}

// Unmount removes prefix's mount. busy reports whether any inode under the
// mount is still referenced (spec §3: "unmounting fails while inodes are in
// use").
func (m *MountTable) Unmount(prefix string, busy func() bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prefix == "/" {
		return kerrors.E("vfs.Unmount", kerrors.InvalidArgument, kerrors.New("cannot unmount root"))
	}
	if busy != nil && busy() {
		return kerrors.E("vfs.Unmount", kerrors.Busy, nil)
	}
	for i, e := range m.mounts {
		if e.prefix == prefix {
			m.mounts = append(m.mounts[:i], m.mounts[i+1:]...)
			return nil
		}
	}
	return kerrors.E("vfs.Unmount", kerrors.NotFound, nil)
}

// Resolve finds the filesystem owning path and the path remainder relative
// to that filesystem's root, using longest-prefix match.
func (m *MountTable) Resolve(path string) (FileSystem, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := m.mounts[0]
	for _, e := range m.mounts {
		if e.prefix == "/" {
			continue
		}
		if strings.HasPrefix(path, e.prefix) && len(e.prefix) > len(best.prefix) {
			best = e
		}
	}
	rel := strings.TrimPrefix(path, best.prefix)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return best.fs, rel
}

// List returns every mounted prefix and filesystem name, in mount order,
// for /proc/mounts (spec §6).
type MountInfo struct {
	Source string
	Target string
	FSType string
}

func (m *MountTable) List() []MountInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MountInfo, len(m.mounts))
	for i, e := range m.mounts {
		out[i] = MountInfo{Source: e.fs.Name(), Target: e.prefix, FSType: e.fs.Name()}
	}
	return out
}

const maxSymlinkDepth = 40

// Resolver walks paths component-by-component against a mount table (spec
// §4.7 "Path resolution"). readlink resolves a symlink inode to its target
// path; it is supplied by the caller so Resolver stays filesystem-agnostic.
type Resolver struct {
	Mounts   *MountTable
	Readlink func(fs FileSystem, ino uint64) (target string, isSymlink bool, err error)
}

// Lookup resolves path to (filesystem, inode number), following mount
// points and symlinks.
func (r *Resolver) Lookup(path string) (FileSystem, uint64, error) {
	return r.lookupDepth(path, 0)
}

func (r *Resolver) lookupDepth(path string, depth int) (FileSystem, uint64, error) {
	if depth > maxSymlinkDepth {
		return nil, 0, kerrors.E("vfs.Lookup", kerrors.InvalidArgument, kerrors.New("ELOOP"))
	}

	fs, rel := r.Mounts.Resolve(path)
	ino := fs.RootIno()

	parts := strings.Split(strings.Trim(rel, "/"), "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		dir, err := fs.OpenDir(ino)
		if err != nil {
			return nil, 0, err
		}
		next, err := dir.Lookup(part)
		if err != nil {
			return nil, 0, err
		}
		if r.Readlink != nil {
			if target, isLink, err := r.Readlink(fs, next); err == nil && isLink {
				// Resume the walk at the link target with the components
				// that follow the link appended.
				if rest := strings.Join(parts[i+1:], "/"); rest != "" {
					target = strings.TrimSuffix(target, "/") + "/" + rest
				}
				return r.lookupDepth(target, depth+1)
			}
		}
		ino = next
	}
	return fs, ino, nil
}
