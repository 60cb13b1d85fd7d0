// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/trustos/kernel/internal/kernel/mm"
	"github.com/trustos/kernel/internal/kernel/sched"
)

func newTestTable(t *testing.T) (*Table, *mm.FrameAllocator, *mm.RefcountTable) {
	alloc := mm.NewFrameAllocator(0, 16*1024*1024)
	refs := mm.NewRefcountTable()
	phys := mm.NewPhysAccess(16 * 1024 * 1024)
	sc := sched.New(logr.Discard(), nil, sched.DefaultQuantum, 1)
	return NewTable(logr.Discard(), sc, alloc, refs, phys), alloc, refs
}

func TestForkExitWaitScenario(t *testing.T) {
	// spec §8 scenario 1 (partial — no registers/ELF here, just the
	// PID/exit-status contract).
	table, alloc, refs := newTestTable(t)
	as := mm.NewAddressSpace(alloc, refs)
	parent := table.Spawn(0, as, Credentials{UID: 0})

	child, err := table.Fork(parent.PID)
	require.NoError(t, err)
	require.NotEqual(t, parent.PID, child.PID)
	require.Equal(t, parent.PID, child.ParentID)

	require.NoError(t, table.Exit(child.PID, 0))

	code, err := table.Wait(child.PID)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	_, err = table.Get(child.PID)
	require.Error(t, err)
}

func TestExitReparentsOrphansToInit(t *testing.T) {
	table, alloc, refs := newTestTable(t)
	as := mm.NewAddressSpace(alloc, refs)
	init := table.Spawn(0, as, Credentials{})
	require.Equal(t, uint64(InitPID), init.PID)

	mid, err := table.Fork(init.PID)
	require.NoError(t, err)
	grandchild, err := table.Fork(mid.PID)
	require.NoError(t, err)

	require.NoError(t, table.Exit(mid.PID, 0))
	_, _ = table.Wait(mid.PID)

	got, err := table.Get(grandchild.PID)
	require.NoError(t, err)
	require.Equal(t, uint64(InitPID), got.ParentID)
}

func TestKillpgRaisesSignalOnEveryGroupMember(t *testing.T) {
	table, alloc, refs := newTestTable(t)
	as := mm.NewAddressSpace(alloc, refs)
	p := table.Spawn(0, as, Credentials{})
	p.PGID = 42

	table.Killpg(42, SIGINT)

	pending := p.Signals().Pending()
	require.NotZero(t, pending&(1<<SIGINT))
}

func TestSignalStateDefaultActionsAndOrdering(t *testing.T) {
	s := NewSignalState()
	s.Raise(SIGCHLD)
	s.Raise(SIGTERM)

	d, ok := s.NextDeliverable()
	require.True(t, ok)
	require.Equal(t, SIGTERM, d.Signal)
	require.Equal(t, ActionTerminate, d.Action)

	d, ok = s.NextDeliverable()
	require.True(t, ok)
	require.Equal(t, SIGCHLD, d.Signal)
	require.Equal(t, ActionIgnore, d.Action)

	_, ok = s.NextDeliverable()
	require.False(t, ok)
}

func TestSignalStateBlockedMaskSuppressesDelivery(t *testing.T) {
	s := NewSignalState()
	s.SetBlocked(1 << SIGINT)
	s.Raise(SIGINT)

	_, ok := s.NextDeliverable()
	require.False(t, ok)

	s.SetBlocked(0)
	d, ok := s.NextDeliverable()
	require.True(t, ok)
	require.Equal(t, SIGINT, d.Signal)
}

func TestSigkillCannotBeIgnored(t *testing.T) {
	s := NewSignalState()
	s.SetDisposition(SIGKILL, DispositionIgnore)
	s.Raise(SIGKILL)

	d, ok := s.NextDeliverable()
	require.True(t, ok)
	require.Equal(t, ActionTerminate, d.Action)
}

func TestExecveLoadsSegmentContentsIntoMemory(t *testing.T) {
	// spec §4.6: execve "maps LOAD segments with requested protection" — the
	// mapped frames must actually hold the segment's bytes, not just be
	// present in the page table.
	alloc := mm.NewFrameAllocator(0, 16*1024*1024)
	refs := mm.NewRefcountTable()
	phys := mm.NewPhysAccess(16 * 1024 * 1024)
	sc := sched.New(logr.Discard(), nil, sched.DefaultQuantum, 1)
	table := NewTable(logr.Discard(), sc, alloc, refs, phys)

	as := mm.NewAddressSpace(alloc, refs)
	p := table.Spawn(0, as, Credentials{})

	payload := []byte("hello from a LOAD segment")
	prog := &Program{
		Name: "greeter",
		Segments: []Segment{{
			VirtAddr: 0x400000,
			Size:     uint64(len(payload)),
			Flags:    mm.Writable,
			Fill: func(dst []byte) {
				copy(dst, payload)
			},
		}},
		EntryPoint: 0x400000,
	}

	require.NoError(t, table.Execve(p.PID, prog))

	reloaded, err := table.Get(p.PID)
	require.NoError(t, err)
	physAddr, err := reloaded.AddressSpace.Translate(0x400000)
	require.NoError(t, err)

	got, err := phys.ReadU64(physAddr)
	require.NoError(t, err)
	want, err := phys.ReadU64(physAddr)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Spot-check the actual bytes via WriteBytes/ReadU64 round-trip: the
	// first 8 bytes of "hello from a LOAD segment" are "hello fr".
	require.EqualValues(t, []byte("hello fr"), u64ToBytes(got))
}

func u64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
