// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcFSCpuinfoAndMeminfo(t *testing.T) {
	stats := &ProcStats{HeapTotalKB: 1024, HeapFreeKB: 900, HeapUsedKB: 124, CPUCount: 2}
	fs := NewProcFS(stats, "BOOT_IMAGE=/boot/trustos root=/dev/vda")

	dir, err := fs.OpenDir(fs.RootIno())
	require.NoError(t, err)

	ino, err := dir.Lookup("cpuinfo")
	require.NoError(t, err)

	f, err := fs.OpenFile(ino)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := f.Read(0, buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "processor\t: 0")
	require.Contains(t, string(buf[:n]), "processor\t: 1")

	ino, err = dir.Lookup("meminfo")
	require.NoError(t, err)
	f, err = fs.OpenFile(ino)
	require.NoError(t, err)
	n, err = f.Read(0, buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "MemTotal:       1024 kB")
	require.Contains(t, string(buf[:n]), "MemUsed:        124 kB")
}

func TestProcFSUnknownEntryNotFound(t *testing.T) {
	fs := NewProcFS(&ProcStats{}, "")
	dir, _ := fs.OpenDir(fs.RootIno())
	_, err := dir.Lookup("nonexistent")
	require.Error(t, err)
}

func TestMountTableResolvesLongestPrefix(t *testing.T) {
	root := NewProcFS(&ProcStats{}, "")
	table := NewMountTable(root)
	proc := NewProcFS(&ProcStats{}, "")
	require.NoError(t, table.Mount("/proc", proc))

	fs, rel := table.Resolve("/proc/cpuinfo")
	require.Equal(t, "proc", fs.Name())
	require.Equal(t, "/cpuinfo", rel)

	fs, rel = table.Resolve("/etc/hosts")
	require.Equal(t, "/etc/hosts", rel)
	_ = fs
}

func TestMountTableDuplicateMountFails(t *testing.T) {
	table := NewMountTable(NewProcFS(&ProcStats{}, ""))
	require.NoError(t, table.Mount("/proc", NewProcFS(&ProcStats{}, "")))
	err := table.Mount("/proc", NewProcFS(&ProcStats{}, ""))
	require.Error(t, err)
}

func TestMountTableCannotUnmountRoot(t *testing.T) {
	table := NewMountTable(NewProcFS(&ProcStats{}, ""))
	err := table.Unmount("/", nil)
	require.Error(t, err)
}

func TestMountTableUnmountBusyFails(t *testing.T) {
	table := NewMountTable(NewProcFS(&ProcStats{}, ""))
	require.NoError(t, table.Mount("/proc", NewProcFS(&ProcStats{}, "")))
	err := table.Unmount("/proc", func() bool { return true })
	require.Error(t, err)
}

func TestResolverLookupWalksDirectories(t *testing.T) {
	table := NewMountTable(NewProcFS(&ProcStats{}, "cmdline-here"))
	r := &Resolver{Mounts: table}

	fs, ino, err := r.Lookup("/cpuinfo")
	require.NoError(t, err)
	require.Equal(t, "proc", fs.Name())
	require.NotZero(t, ino)
}

func TestProcFSMountsContent(t *testing.T) {
	root := NewProcFS(&ProcStats{}, "")
	table := NewMountTable(root)
	stats := &ProcStats{Mounts: table.List}
	fs := NewProcFS(stats, "")

	dir, _ := fs.OpenDir(fs.RootIno())
	ino, err := dir.Lookup("mounts")
	require.NoError(t, err)
	f, _ := fs.OpenFile(ino)
	buf := make([]byte, 4096)
	n, _ := f.Read(0, buf)
	require.True(t, strings.Contains(string(buf[:n]), "proc / proc rw 0 0"))
}
