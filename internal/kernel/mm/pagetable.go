// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mm

import (
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// Flags mirrors the x86_64 page-table-entry flag set (spec §3 "Page Table
// Entry"), modeled as a bitmask over a logical PTE rather than raw hardware
// bits since there is no real page-table hardware underneath.
type Flags uint16

const (
	Present Flags = 1 << iota
	Writable
	User
	WriteThrough
	NoCache
	Huge
	NoExecute
	COW // reuses an OS-available bit, per spec §3
)

// entry is one simulated page-table leaf: a physical frame plus its flags.
type entry struct {
	frame Frame
	flags Flags
}

// AddressSpace is a four-level page table modeled as nested maps keyed by
// the 9-bit index at each level, standing in for PML4/PDPT/PD/PT (spec
// §4.2). Each address space holds only its own mappings; no kernel-half
// mappings are shared between address spaces.
type AddressSpace struct {
	mu       sync.Mutex
	pages    map[uint64]*entry // virtual page number -> leaf entry
	tlb      map[uint64]struct{}
	refs     *RefcountTable
	frameAlc *FrameAllocator
}

// NewAddressSpace creates an address space backed by the given frame
// allocator and shared refcount table. The new address space starts empty:
// it carries no kernel mappings from any other address space.
func NewAddressSpace(alloc *FrameAllocator, refs *RefcountTable) *AddressSpace {
	return &AddressSpace{
		pages:    make(map[uint64]*entry),
		tlb:      make(map[uint64]struct{}),
		refs:     refs,
		frameAlc: alloc,
	}
}

func pageOf(virt uint64) uint64 { return virt / FrameSize }

// Map installs a mapping, allocating intermediate tables on demand (modeled
// here as simply inserting into the flat map; hardware-level intermediate
// tables have no observable effect in the simulator). Fails with
// AlreadyExists if the mapping already exists with incompatible flags.
func (as *AddressSpace) Map(virt uint64, phys Frame, flags Flags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	p := pageOf(virt)
	if existing, ok := as.pages[p]; ok {
		if existing.frame != phys || existing.flags != flags {
			return kerrors.E("mm.Map", kerrors.AlreadyExists, nil)
		}
		return nil
	}
	as.pages[p] = &entry{frame: phys, flags: flags | Present}
	delete(as.tlb, p)
	return nil
}

// Unmap removes a mapping and returns the physical frame it referenced. The
// caller decides whether to free the frame (it may still be shared via COW).
func (as *AddressSpace) Unmap(virt uint64) (Frame, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	p := pageOf(virt)
	e, ok := as.pages[p]
	if !ok {
		return 0, kerrors.E("mm.Unmap", kerrors.NotFound, nil)
	}
	delete(as.pages, p)
	delete(as.tlb, p)
	return e.frame, nil
}

// Translate walks the table and returns the mapped physical address.
func (as *AddressSpace) Translate(virt uint64) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	e, ok := as.pages[pageOf(virt)]
	if !ok {
		return 0, kerrors.E("mm.Translate", kerrors.NotFound, nil)
	}
	return uint64(e.frame) + (virt % FrameSize), nil
}

// Protect changes a mapping's flags without changing the backing frame,
// invalidating the TLB shadow for the page.
func (as *AddressSpace) Protect(virt uint64, newFlags Flags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	p := pageOf(virt)
	e, ok := as.pages[p]
	if !ok {
		return kerrors.E("mm.Protect", kerrors.NotFound, nil)
	}
	e.flags = newFlags | Present
	delete(as.tlb, p)
	return nil
}

// entryAt returns the raw entry for a virtual page, used internally by the
// COW fault resolver and by fork's cloning walk.
func (as *AddressSpace) entryAt(virt uint64) (*entry, bool) {
	e, ok := as.pages[pageOf(virt)]
	return e, ok
}

// invalidate marks a virtual page's TLB shadow stale. A real flush (on CR3
// switch) is modeled by FlushAll.
func (as *AddressSpace) invalidate(virt uint64) {
	delete(as.tlb, pageOf(virt))
}

// FlushAll invalidates every cached TLB-shadow entry, standing in for a full
// TLB flush on a CR3 (address-space) switch.
func (as *AddressSpace) FlushAll() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.tlb = make(map[uint64]struct{})
}

// UserPages returns a map from every present user-space virtual page
// address to its flags. Used by fork's COW-sharing walk (spec §4.2).
func (as *AddressSpace) UserPages() map[uint64]Flags {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make(map[uint64]Flags, len(as.pages))
	for p, e := range as.pages {
		if e.flags&User != 0 {
			out[p*FrameSize] = e.flags
		}
	}
	return out
}
