// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscallgate

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/trustos/kernel/internal/kernel/ipc"
	"github.com/trustos/kernel/internal/kernel/mm"
	"github.com/trustos/kernel/internal/kernel/proc"
	"github.com/trustos/kernel/internal/kernel/sched"
	"github.com/trustos/kernel/internal/kernel/vfs"
	"github.com/trustos/kernel/internal/kernel/vfs/trustfs"
)

const testUserAddr = 0x5000_0000

// harness wires a Gate against a minimal but real process table, an
// in-memory TrustFS, and a flat PhysAccess arena, mirroring what the boot
// sequencer assembles (boot/sequencer.go's "stage: syscall gate").
type harness struct {
	gate  *Gate
	procs *proc.Table
	pid   uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	alloc := mm.NewFrameAllocator(0, 16*1024*1024)
	refs := mm.NewRefcountTable()
	phys := mm.NewPhysAccess(16 * 1024 * 1024)
	sc := sched.New(logr.Discard(), nil, sched.DefaultQuantum, 1)
	table := proc.NewTable(logr.Discard(), sc, alloc, refs, phys)

	as := mm.NewAddressSpace(alloc, refs)
	frame, err := alloc.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, as.Map(testUserAddr, frame, mm.Present|mm.Writable|mm.User))

	p := table.Spawn(0, as, proc.Credentials{UID: 0})

	dev := trustfs.NewMemDevice(trustfs.SectorDataBase + 64)
	root, err := trustfs.Format(dev, trustfs.SectorDataBase+64)
	require.NoError(t, err)
	mounts := vfs.NewMountTable(root)
	resolver := &vfs.Resolver{Mounts: mounts}

	g := NewGate(logr.Discard())
	g.Procs = table
	g.Resolver = resolver
	g.Pipes = ipc.NewRegistry()
	g.Futexes = ipc.NewFutexTable()
	g.Phys = phys

	return &harness{gate: g, procs: table, pid: p.PID}
}

func (h *harness) writeUserBytes(t *testing.T, data []byte) {
	t.Helper()
	require.NoError(t, h.gate.copyToUser(h.pid, testUserAddr, data))
}

func (h *harness) readUserBytes(t *testing.T, n int) []byte {
	t.Helper()
	b, err := h.gate.copyFromUser(h.pid, testUserAddr, uint64(n))
	require.NoError(t, err)
	return b
}

func TestSyscallWriteThenReadRoundTripsThroughPipe(t *testing.T) {
	h := newHarness(t)
	readFD, writeFD := h.gate.Pipes.Create()

	payload := []byte("hello kernel")
	h.writeUserBytes(t, payload)

	n := h.gate.Dispatch(h.pid, &Frame{Num: SysWrite, Arg0: uint64(writeFD), Arg1: testUserAddr, Arg2: uint64(len(payload))})
	require.Equal(t, int64(len(payload)), n)

	n = h.gate.Dispatch(h.pid, &Frame{Num: SysRead, Arg0: uint64(readFD), Arg1: testUserAddr + 64, Arg2: uint64(len(payload))})
	require.Equal(t, int64(len(payload)), n)

	got, err := h.gate.copyFromUser(h.pid, testUserAddr+64, uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSyscallExecveResolvesRegisteredProgram(t *testing.T) {
	h := newHarness(t)

	payload := []byte("binary-contents")
	prog := &proc.Program{
		Name: "greeter",
		Segments: []proc.Segment{{
			VirtAddr: 0x400000,
			Size:     uint64(len(payload)),
			Flags:    mm.Writable,
			Fill:     func(dst []byte) { copy(dst, payload) },
		}},
		EntryPoint: 0x400000,
	}
	h.gate.Programs["greeter"] = prog

	name := append([]byte("greeter"), 0)
	h.writeUserBytes(t, name)

	n := h.gate.Dispatch(h.pid, &Frame{Num: SysExecve, Arg0: testUserAddr})
	require.Zero(t, n)

	p, err := h.procs.Get(h.pid)
	require.NoError(t, err)
	physAddr, err := p.AddressSpace.Translate(0x400000)
	require.NoError(t, err)
	out, err := h.gate.Phys.ReadBytes(physAddr, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestSyscallExecveUnknownProgramReturnsENOENT(t *testing.T) {
	h := newHarness(t)
	name := append([]byte("nonexistent"), 0)
	h.writeUserBytes(t, name)

	n := h.gate.Dispatch(h.pid, &Frame{Num: SysExecve, Arg0: testUserAddr})
	require.Equal(t, int64(-errnoENOENT), n)
}

func TestSyscallMkdirThenUnlinkRoundTrip(t *testing.T) {
	h := newHarness(t)

	path := append([]byte("/greetings"), 0)
	h.writeUserBytes(t, path)

	n := h.gate.Dispatch(h.pid, &Frame{Num: SysMkdir, Arg0: testUserAddr})
	require.Zero(t, n)

	fs, ino, err := h.gate.Resolver.Lookup("/greetings")
	require.NoError(t, err)
	_, err = fs.OpenDir(ino)
	require.NoError(t, err)

	n = h.gate.Dispatch(h.pid, &Frame{Num: SysUnlink, Arg0: testUserAddr})
	require.Zero(t, n)

	_, _, err = h.gate.Resolver.Lookup("/greetings")
	require.Error(t, err)
}

func TestSyscallChdirAndGetcwd(t *testing.T) {
	h := newHarness(t)

	mkdirPath := append([]byte("/home"), 0)
	h.writeUserBytes(t, mkdirPath)
	n := h.gate.Dispatch(h.pid, &Frame{Num: SysMkdir, Arg0: testUserAddr})
	require.Zero(t, n)

	chdirPath := append([]byte("/home"), 0)
	h.writeUserBytes(t, chdirPath)
	n = h.gate.Dispatch(h.pid, &Frame{Num: SysChdir, Arg0: testUserAddr})
	require.Zero(t, n)

	n = h.gate.Dispatch(h.pid, &Frame{Num: SysGetcwd, Arg0: testUserAddr + 128, Arg1: 64})
	require.Equal(t, int64(len("/home")), n)

	got, err := h.gate.copyFromUser(h.pid, testUserAddr+128, uint64(len("/home")))
	require.NoError(t, err)
	require.Equal(t, "/home", string(got))
}

func TestSyscallChdirOnFileFailsWithENOTDIR(t *testing.T) {
	h := newHarness(t)

	// touch a regular file by creating it through the root directory
	// directly, bypassing the syscall gate (mkdir only creates directories).
	fs, rootIno, err := h.gate.Resolver.Lookup("/")
	require.NoError(t, err)
	dir, err := fs.OpenDir(rootIno)
	require.NoError(t, err)
	_, err = dir.Create("afile", vfs.Regular)
	require.NoError(t, err)

	path := append([]byte("/afile"), 0)
	h.writeUserBytes(t, path)

	n := h.gate.Dispatch(h.pid, &Frame{Num: SysChdir, Arg0: testUserAddr})
	require.Equal(t, int64(-errnoENOTDIR), n)
}
