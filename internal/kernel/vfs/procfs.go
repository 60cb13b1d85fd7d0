// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"fmt"
	"strings"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// ProcStats is the subset of kernel state procfs renders into synthetic
// files. Subsystems publish their own stats here; procfs never reaches
// back into them directly.
type ProcStats struct {
	HeapUsedKB, HeapFreeKB, HeapTotalKB uint64
	UptimeSeconds, UptimeHundredths     uint64
	Ticks                               uint64
	CPUCount                            int
	Mounts                              func() []MountInfo
}

type procFileKind int

const (
	procCPUInfo procFileKind = iota
	procMemInfo
	procUptime
	procVersion
	procMounts
	procCmdline
	procStat
)

const procRootIno = 1

var procEntries = []struct {
	name string
	kind procFileKind
	ino  uint64
}{
	{"cpuinfo", procCPUInfo, 2},
	{"meminfo", procMemInfo, 3},
	{"uptime", procUptime, 4},
	{"version", procVersion, 5},
	{"mounts", procMounts, 6},
	{"cmdline", procCmdline, 7},
	{"stat", procStat, 8},
}

// ProcFS is the synthetic /proc filesystem (spec §6), rendering kernel
// state on read exactly as Linux's procfs does.
type ProcFS struct {
	stats       *ProcStats
	cmdline     string
	versionLine string
}

func NewProcFS(stats *ProcStats, cmdline string) *ProcFS {
	return &ProcFS{
		stats:       stats,
		cmdline:     cmdline,
		versionLine: "TrustOS version 0.1.0 (go) #1 SMP PREEMPT",
	}
}

func (p *ProcFS) Name() string    { return "proc" }
func (p *ProcFS) RootIno() uint64 { return procRootIno }

func (p *ProcFS) OpenFile(ino uint64) (FileOps, error) {
	for _, e := range procEntries {
		if e.ino == ino {
			return &procFile{fs: p, kind: e.kind, ino: e.ino}, nil
		}
	}
	return nil, kerrors.E("procfs.OpenFile", kerrors.NotFound, nil)
}

func (p *ProcFS) OpenDir(ino uint64) (DirOps, error) {
	if ino != procRootIno {
		return nil, kerrors.E("procfs.OpenDir", kerrors.NotDirectory, nil)
	}
	return &procRootDir{fs: p}, nil
}

type procFile struct {
	fs   *ProcFS
	kind procFileKind
	ino  uint64
}

func (f *procFile) content() []byte {
	s := f.fs.stats
	switch f.kind {
	case procCPUInfo:
		var b strings.Builder
		for i := 0; i < max(s.CPUCount, 1); i++ {
			fmt.Fprintf(&b, "processor\t: %d\n", i)
			b.WriteString("vendor_id\t: TrustOS\n")
			b.WriteString("cpu family\t: 6\n")
			b.WriteString("model name\t: TrustOS Virtual CPU\n")
			b.WriteString("cpu MHz\t\t: 1000.000\n")
			b.WriteString("cache size\t: 4096 KB\n")
			b.WriteString("flags\t\t: fpu vme de pse tsc msr pae cx8 apic\n")
			b.WriteString("bogomips\t: 2000.00\n\n")
		}
		return []byte(b.String())
	case procMemInfo:
		return []byte(fmt.Sprintf(
			"MemTotal:       %d kB\n"+
				"MemFree:        %d kB\n"+
				"MemUsed:        %d kB\n"+
				"Buffers:        0 kB\n"+
				"Cached:         0 kB\n"+
				"SwapTotal:      0 kB\n"+
				"SwapFree:       0 kB\n",
			s.HeapTotalKB, s.HeapFreeKB, s.HeapUsedKB))
	case procUptime:
		return []byte(fmt.Sprintf("%d.%02d 0.00\n", s.UptimeSeconds, s.UptimeHundredths))
	case procVersion:
		return []byte(f.fs.versionLine + "\n")
	case procMounts:
		var b strings.Builder
		if s.Mounts != nil {
			for _, m := range s.Mounts() {
				fmt.Fprintf(&b, "%s %s %s rw 0 0\n", m.Source, m.Target, m.FSType)
			}
		}
		if b.Len() == 0 {
			b.WriteString("none / rootfs rw 0 0\n")
		}
		return []byte(b.String())
	case procCmdline:
		return []byte(f.fs.cmdline + "\n")
	case procStat:
		half := s.Ticks / 2
		return []byte(fmt.Sprintf(
			"cpu  %d 0 %d 0 0 0 0 0 0 0\n"+
				"cpu0 %d 0 %d 0 0 0 0 0 0 0\n"+
				"intr 0\nctxt 0\nbtime 0\nprocesses 1\nprocs_running 1\nprocs_blocked 0\n",
			half, half, half, half))
	default:
		return nil
	}
}

func (f *procFile) Read(offset int64, buf []byte) (int, error) {
	content := f.content()
	if offset >= int64(len(content)) {
		return 0, nil
	}
	n := copy(buf, content[offset:])
	return n, nil
}

func (f *procFile) Write(offset int64, data []byte) (int, error) {
	return 0, kerrors.E("procfs.Write", kerrors.ReadOnly, nil)
}

func (f *procFile) Stat() (Stat, error) {
	return Stat{FSID: 0, Ino: f.ino, Type: Regular, Size: uint64(len(f.content())), Mode: 0o444}, nil
}

type procRootDir struct {
	fs *ProcFS
}

func (d *procRootDir) Lookup(name string) (uint64, error) {
	for _, e := range procEntries {
		if e.name == name {
			return e.ino, nil
		}
	}
	return 0, kerrors.E("procfs.Lookup", kerrors.NotFound, nil)
}

func (d *procRootDir) Readdir() ([]string, error) {
	names := make([]string, 0, len(procEntries)+2)
	names = append(names, ".", "..")
	for _, e := range procEntries {
		names = append(names, e.name)
	}
	return names, nil
}

func (d *procRootDir) Create(name string, typ InodeType) (uint64, error) {
	return 0, kerrors.E("procfs.Create", kerrors.ReadOnly, nil)
}

func (d *procRootDir) Unlink(name string) error {
	return kerrors.E("procfs.Unlink", kerrors.ReadOnly, nil)
}

func (d *procRootDir) Stat() (Stat, error) {
	return Stat{FSID: 0, Ino: procRootIno, Type: Directory, Mode: 0o555}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
