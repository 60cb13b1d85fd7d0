// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscallgate

import (
	"context"
	stdpath "path"
	"sync"

	"github.com/go-logr/logr"

	"github.com/trustos/kernel/internal/kernel/ipc"
	"github.com/trustos/kernel/internal/kernel/mm"
	"github.com/trustos/kernel/internal/kernel/proc"
	"github.com/trustos/kernel/internal/kernel/security"
	"github.com/trustos/kernel/internal/kernel/trace"
	"github.com/trustos/kernel/internal/kernel/vfs"
	kerrors "github.com/trustos/kernel/pkg/errors"
)

// Handler implements one syscall number. It returns the raw (non-negated)
// result on success; Dispatch negates errors into the rax convention.
type Handler func(g *Gate, pid uint64, f *Frame) (uint64, error)

// Gate is the single entry point every syscall funnels through (spec
// §4.10). Apart from the Programs registry that NewGate creates, every
// field is a handle into the owning package's singleton, wired by the boot
// sequencer.
type Gate struct {
	log      logr.Logger
	Procs    *proc.Table
	Resolver *vfs.Resolver
	Pipes    *ipc.Registry
	Futexes  *ipc.FutexTable
	PTYs     *ipc.PTYRegistry
	Caps     security.CapabilityStore
	Ring     *trace.Ring
	Phys     *mm.PhysAccess
	Programs map[string]*proc.Program

	mu    sync.RWMutex
	table map[uint64]Handler
}

func NewGate(log logr.Logger) *Gate {
	g := &Gate{log: log, Programs: make(map[string]*proc.Program)}
	g.table = map[uint64]Handler{
		SysRead:      sysRead,
		SysWrite:     sysWrite,
		SysClose:     sysClose,
		SysLseek:     sysLseek,
		SysDup:       sysDup,
		SysDup2:      sysDup2,
		SysGetpid:    sysGetpid,
		SysFork:      sysFork,
		SysExecve:    sysExecve,
		SysExit:      sysExit,
		SysExitGroup: sysExit,
		SysWait4:     sysWait4,
		SysChdir:     sysChdir,
		SysGetcwd:    sysGetcwd,
		SysMkdir:     sysMkdir,
		SysUnlink:    sysUnlink,
		SysPipe:      sysPipe,
		SysFutex:     sysFutex,
	}
	return g
}

// Register installs or overrides a handler for num, used by the boot
// sequencer to wire the mmap/munmap/mprotect/brk family, whose handlers
// need the frame allocator and refcount table that the Gate does not hold.
func (g *Gate) Register(num uint64, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table[num] = h
}

// Dispatch is the dense match from syscall number to handler (spec
// §4.10: "a dense match from syscall number to a handler function"). It
// applies the negated-errno convention and emits a trace event for every
// call.
func (g *Gate) Dispatch(pid uint64, f *Frame) int64 {
	g.mu.RLock()
	h, ok := g.table[f.Num]
	g.mu.RUnlock()

	if g.Ring != nil {
		g.Ring.Emit(f.CallerCPU, trace.EventSyscall, f.Num)
	}

	if !ok {
		return -errnoEINVAL
	}
	result, err := h(g, pid, f)
	if err != nil {
		return errnoFor(err)
	}
	return int64(result)
}

// DeliverPendingSignal runs the kernel→user return checkpoint (spec
// §4.6: "Signal delivery happens on return from kernel to user"). Callers
// invoke this after every Dispatch and after every preemption return.
func (g *Gate) DeliverPendingSignal(pid uint64) (proc.Delivery, bool) {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return proc.Delivery{}, false
	}
	return p.Signals().NextDeliverable()
}

// maxPathLen bounds how many bytes readCString will copy out of user
// memory before giving up, matching Linux's PATH_MAX.
const maxPathLen = 4096

// copyFromUser reads length bytes starting at the user-space address addr
// in pid's address space, bracketed by the SMAP-equivalent UserAccess
// discipline spec §4.9 mandates around every user-pointer touch. It walks
// frame by frame since addr..addr+length may span more than one mapping.
func (g *Gate) copyFromUser(pid uint64, addr, length uint64) ([]byte, error) {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return nil, err
	}
	if g.Phys == nil {
		return nil, kerrors.E("syscallgate.copyFromUser", kerrors.InvalidArgument, nil)
	}

	out := make([]byte, 0, length)
	err = security.UserAccess(func() error {
		cur := addr
		remaining := length
		for remaining > 0 {
			physAddr, terr := p.AddressSpace.Translate(cur)
			if terr != nil {
				return kerrors.E("syscallgate.copyFromUser", kerrors.BadAddress, terr)
			}
			chunk := mm.FrameSize - (cur % mm.FrameSize)
			if chunk > remaining {
				chunk = remaining
			}
			b, rerr := g.Phys.ReadBytes(physAddr, int(chunk))
			if rerr != nil {
				return rerr
			}
			out = append(out, b...)
			cur += chunk
			remaining -= chunk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// copyToUser writes data into pid's address space starting at the
// user-space address addr, under the same UserAccess bracket as
// copyFromUser.
func (g *Gate) copyToUser(pid uint64, addr uint64, data []byte) error {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return err
	}
	if g.Phys == nil {
		return kerrors.E("syscallgate.copyToUser", kerrors.InvalidArgument, nil)
	}

	return security.UserAccess(func() error {
		cur := addr
		remaining := data
		for len(remaining) > 0 {
			physAddr, terr := p.AddressSpace.Translate(cur)
			if terr != nil {
				return kerrors.E("syscallgate.copyToUser", kerrors.BadAddress, terr)
			}
			chunk := mm.FrameSize - (cur % mm.FrameSize)
			if chunk > uint64(len(remaining)) {
				chunk = uint64(len(remaining))
			}
			if err := g.Phys.WriteBytes(physAddr, remaining[:chunk]); err != nil {
				return err
			}
			cur += chunk
			remaining = remaining[chunk:]
		}
		return nil
	})
}

// readCString reads a NUL-terminated string out of pid's address space
// starting at addr, used by every syscall that takes a path argument.
func (g *Gate) readCString(pid uint64, addr uint64) (string, error) {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return "", err
	}
	if g.Phys == nil {
		return "", kerrors.E("syscallgate.readCString", kerrors.InvalidArgument, nil)
	}

	var out []byte
	err = security.UserAccess(func() error {
		cur := addr
		for len(out) < maxPathLen {
			physAddr, terr := p.AddressSpace.Translate(cur)
			if terr != nil {
				return kerrors.E("syscallgate.readCString", kerrors.BadAddress, terr)
			}
			chunk := mm.FrameSize - (cur % mm.FrameSize)
			b, rerr := g.Phys.ReadBytes(physAddr, int(chunk))
			if rerr != nil {
				return rerr
			}
			for _, c := range b {
				if c == 0 {
					return nil
				}
				out = append(out, c)
				if len(out) >= maxPathLen {
					return nil
				}
			}
			cur += chunk
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func sysGetpid(g *Gate, pid uint64, f *Frame) (uint64, error) {
	return pid, nil
}

func sysFork(g *Gate, pid uint64, f *Frame) (uint64, error) {
	child, err := g.Procs.Fork(pid)
	if err != nil {
		return 0, err
	}
	return child.PID, nil
}

func sysExecve(g *Gate, pid uint64, f *Frame) (uint64, error) {
	name, err := g.readCString(pid, f.Arg0)
	if err != nil {
		return 0, err
	}
	prog, ok := g.Programs[name]
	if !ok {
		return 0, kerrors.E("syscallgate.execve", kerrors.NotFound, nil)
	}
	if err := g.Procs.Execve(pid, prog); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysExit(g *Gate, pid uint64, f *Frame) (uint64, error) {
	return 0, g.Procs.Exit(pid, int(f.Arg0))
}

func sysWait4(g *Gate, pid uint64, f *Frame) (uint64, error) {
	code, err := g.Procs.Wait(f.Arg0)
	if err != nil {
		return 0, err
	}
	return uint64(code), nil
}

// sysChdir resolves the path at Arg0, confirms it names a directory, and
// updates the caller's current-directory inode and absolute path (spec
// §4.6). A relative argument is first joined to the caller's current
// directory, so it resolves from there rather than from "/".
func sysChdir(g *Gate, pid uint64, f *Frame) (uint64, error) {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return 0, err
	}
	path, err := g.readCString(pid, f.Arg0)
	if err != nil {
		return 0, err
	}
	if !stdpath.IsAbs(path) {
		_, cwd := p.Cwd()
		if cwd == "" {
			cwd = "/"
		}
		path = stdpath.Join(cwd, path)
	}
	fs, ino, err := g.Resolver.Lookup(path)
	if err != nil {
		return 0, err
	}
	if _, err := fs.OpenDir(ino); err != nil {
		return 0, kerrors.E("syscallgate.chdir", kerrors.NotDirectory, nil)
	}
	p.SetCwd(ino, path)
	return 0, nil
}

// sysGetcwd copies the caller's current-directory path into the user
// buffer at Arg0, truncated to Arg1 bytes, and returns the copied length.
func sysGetcwd(g *Gate, pid uint64, f *Frame) (uint64, error) {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return 0, err
	}
	_, path := p.Cwd()
	if path == "" {
		path = "/"
	}
	buf := []byte(path)
	if uint64(len(buf)) > f.Arg1 {
		buf = buf[:f.Arg1]
	}
	if err := g.copyToUser(pid, f.Arg0, buf); err != nil {
		return 0, err
	}
	return uint64(len(buf)), nil
}

// sysMkdir resolves the path at Arg0's parent directory and creates the
// final path component as a directory inode (spec §4.7 "Create").
func sysMkdir(g *Gate, pid uint64, f *Frame) (uint64, error) {
	path, err := g.readCString(pid, f.Arg0)
	if err != nil {
		return 0, err
	}
	dir, base := stdpath.Dir(path), stdpath.Base(path)
	fs, ino, err := g.Resolver.Lookup(dir)
	if err != nil {
		return 0, err
	}
	parent, err := fs.OpenDir(ino)
	if err != nil {
		return 0, err
	}
	_, err = parent.Create(base, vfs.Directory)
	return 0, err
}

// sysUnlink resolves the path at Arg0's parent directory and removes the
// final path component (spec §4.7 "Unlink").
func sysUnlink(g *Gate, pid uint64, f *Frame) (uint64, error) {
	path, err := g.readCString(pid, f.Arg0)
	if err != nil {
		return 0, err
	}
	dir, base := stdpath.Dir(path), stdpath.Base(path)
	fs, ino, err := g.Resolver.Lookup(dir)
	if err != nil {
		return 0, err
	}
	parent, err := fs.OpenDir(ino)
	if err != nil {
		return 0, err
	}
	return 0, parent.Unlink(base)
}

func sysPipe(g *Gate, pid uint64, f *Frame) (uint64, error) {
	if _, err := g.Procs.Get(pid); err != nil {
		return 0, err
	}
	readFD, writeFD := g.Pipes.Create()
	return uint64(readFD)<<32 | uint64(uint32(writeFD)), nil
}

func sysRead(g *Gate, pid uint64, f *Frame) (uint64, error) {
	fd := f.Arg0
	length := f.Arg2
	if g.Pipes.IsPipeFD(int(fd)) {
		pipe, err := g.Pipes.Get(int(fd))
		if err != nil {
			return 0, err
		}
		buf := make([]byte, length)
		n, err := pipe.Read(buf)
		if err != nil {
			return 0, err
		}
		if cerr := g.copyToUser(pid, f.Arg1, buf[:n]); cerr != nil {
			return 0, cerr
		}
		return uint64(n), nil
	}
	p, err := g.Procs.Get(pid)
	if err != nil {
		return 0, err
	}
	of, err := p.FDs.Get(int(fd))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, length)
	n, err := of.Read(buf)
	if err != nil {
		return 0, err
	}
	if cerr := g.copyToUser(pid, f.Arg1, buf[:n]); cerr != nil {
		return 0, cerr
	}
	return uint64(n), nil
}

func sysWrite(g *Gate, pid uint64, f *Frame) (uint64, error) {
	fd := f.Arg0
	length := f.Arg2
	data, err := g.copyFromUser(pid, f.Arg1, length)
	if err != nil {
		return 0, err
	}
	if g.Pipes.IsPipeFD(int(fd)) {
		pipe, err := g.Pipes.Get(int(fd))
		if err != nil {
			return 0, err
		}
		n, err := pipe.Write(data)
		return uint64(n), err
	}
	p, err := g.Procs.Get(pid)
	if err != nil {
		return 0, err
	}
	of, err := p.FDs.Get(int(fd))
	if err != nil {
		return 0, err
	}
	n, err := of.Write(data)
	return uint64(n), err
}

func sysClose(g *Gate, pid uint64, f *Frame) (uint64, error) {
	fd := int(f.Arg0)
	if g.Pipes.IsPipeFD(fd) {
		return 0, g.Pipes.Close(fd)
	}
	p, err := g.Procs.Get(pid)
	if err != nil {
		return 0, err
	}
	return 0, p.FDs.Close(fd)
}

func sysLseek(g *Gate, pid uint64, f *Frame) (uint64, error) {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return 0, err
	}
	of, err := p.FDs.Get(int(f.Arg0))
	if err != nil {
		return 0, err
	}
	off, err := of.Seek(int64(f.Arg1), int(f.Arg2))
	return uint64(off), err
}

func sysDup(g *Gate, pid uint64, f *Frame) (uint64, error) {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return 0, err
	}
	newFD, err := p.FDs.Dup(int(f.Arg0))
	return uint64(newFD), err
}

func sysDup2(g *Gate, pid uint64, f *Frame) (uint64, error) {
	p, err := g.Procs.Get(pid)
	if err != nil {
		return 0, err
	}
	return f.Arg1, p.FDs.Dup2(int(f.Arg0), int(f.Arg1))
}

func sysFutex(g *Gate, pid uint64, f *Frame) (uint64, error) {
	addr := f.Arg0
	op := f.Arg1
	val := uint32(f.Arg2)

	load := ipc.LoadWord(func(uint64) uint32 { return val })
	switch op {
	case 0: // FUTEX_WAIT
		return 0, g.Futexes.Wait(context.Background(), addr, val, pid, load)
	case 1: // FUTEX_WAKE
		n := g.Futexes.Wake(addr, int(f.Arg3))
		return uint64(n), nil
	default:
		return 0, kerrors.E("syscallgate.futex", kerrors.InvalidArgument, nil)
	}
}
