// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mm

import (
	"testing"

	"github.com/stretchr/testify/require"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

func TestFrameAllocatorExhaustion(t *testing.T) {
	alloc := NewFrameAllocator(0, 2*FrameSize)

	f1, err := alloc.AllocFrame()
	require.NoError(t, err)
	_, err = alloc.AllocFrame()
	require.NoError(t, err)

	_, err = alloc.AllocFrame()
	require.ErrorIs(t, err, &kerrors.Error{Kind: kerrors.NoMemory})

	require.NoError(t, alloc.FreeFrame(f1))
	_, err = alloc.AllocFrame()
	require.NoError(t, err)
}

func TestFreeFrameDoubleFree(t *testing.T) {
	alloc := NewFrameAllocator(0, FrameSize)
	f, err := alloc.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, alloc.FreeFrame(f))
	require.Error(t, alloc.FreeFrame(f))
}

func TestMapUnmapTranslate(t *testing.T) {
	alloc := NewFrameAllocator(0, 4*FrameSize)
	as := NewAddressSpace(alloc, NewRefcountTable())

	frame, err := alloc.AllocFrame()
	require.NoError(t, err)

	virt := uint64(0x1000)
	require.NoError(t, as.Map(virt, frame, Present|Writable|User))

	phys, err := as.Translate(virt)
	require.NoError(t, err)
	require.Equal(t, uint64(frame), phys)

	freed, err := as.Unmap(virt)
	require.NoError(t, err)
	require.Equal(t, frame, freed)

	_, err = as.Translate(virt)
	require.Error(t, err)
}

func TestCOWForkScenario(t *testing.T) {
	// spec §8 scenario 3: 16 MiB across 4096 pages, fork, then two writes.
	const pages = 4096
	alloc := NewFrameAllocator(0, pages*FrameSize*2)
	refs := NewRefcountTable()
	parent := NewAddressSpace(alloc, refs)

	frames := make([]Frame, pages)
	for i := 0; i < pages; i++ {
		f, err := alloc.AllocFrame()
		require.NoError(t, err)
		frames[i] = f
		require.NoError(t, parent.Map(uint64(i)*FrameSize, f, Present|Writable|User))
	}

	child := NewAddressSpace(alloc, refs)
	CloneCOW(parent, child, refs)

	require.Equal(t, pages, refs.Len())
	for _, f := range frames {
		require.EqualValues(t, 2, refs.Count(f))
	}

	phys := NewPhysAccess(uint64(pages) * FrameSize * 2)
	require.NoError(t, HandleCOWFault(parent, alloc, refs, 0, phys.CopyPage))
	require.NoError(t, HandleCOWFault(child, alloc, refs, FrameSize, phys.CopyPage))

	require.Equal(t, pages-2, refs.Len())
}

func TestCOWForkRefcountsReadOnlyPagesToo(t *testing.T) {
	// spec §8 invariant 3: a shared frame's refcount must equal the number
	// of address spaces mapping it, including read-only mmap'd segments
	// that a writable-only CloneCOW would otherwise skip.
	alloc := NewFrameAllocator(0, 4*FrameSize*2)
	refs := NewRefcountTable()
	parent := NewAddressSpace(alloc, refs)

	rwFrame, err := alloc.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, parent.Map(0, rwFrame, Present|Writable|User))

	roFrame, err := alloc.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, parent.Map(FrameSize, roFrame, Present|User))

	child := NewAddressSpace(alloc, refs)
	CloneCOW(parent, child, refs)

	require.EqualValues(t, 2, refs.Count(rwFrame))
	require.EqualValues(t, 2, refs.Count(roFrame))

	childPhys, err := child.Translate(FrameSize)
	require.NoError(t, err)
	parentPhys, err := parent.Translate(FrameSize)
	require.NoError(t, err)
	require.Equal(t, parentPhys, childPhys, "read-only page stays shared, not copied")
}

func TestHeapAllocFree(t *testing.T) {
	h := NewHeap(4096)

	off1, err := h.Alloc(100, 8, false)
	require.NoError(t, err)
	off2, err := h.Alloc(200, 8, false)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)

	stats := h.Stats()
	require.EqualValues(t, 300, stats.BytesUsed)

	require.NoError(t, h.Free(off1))
	require.NoError(t, h.Free(off2))

	stats = h.Stats()
	require.EqualValues(t, 0, stats.BytesUsed)
	require.Equal(t, 1, stats.FragmentCount) // fully coalesced back to one block
}

func TestHeapIRQContextRejectsAlloc(t *testing.T) {
	h := NewHeap(4096)
	_, err := h.Alloc(8, 8, true)
	require.Error(t, err)
}

func TestMMIOMap(t *testing.T) {
	alloc := NewFrameAllocator(0, 4*FrameSize)
	as := NewAddressSpace(alloc, NewRefcountTable())
	m := NewMMIOMapper(0xFFFF_9000_0000_0000)

	virt, err := m.Map(as, 0xFEE0_0000, FrameSize)
	require.NoError(t, err)

	phys, err := as.Translate(virt)
	require.NoError(t, err)
	require.EqualValues(t, 0xFEE0_0000, phys)

	require.NoError(t, m.Unmap(as, virt))
	_, err = as.Translate(virt)
	require.Error(t, err)
}
