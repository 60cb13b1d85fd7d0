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

// RefcountTable maps a shared frame to the number of address spaces
// referencing it. Ported from original_source's COW REFCOUNTS map: entries
// exist only for frames currently shared (spec §3 "Shared Refcount Table").
type RefcountTable struct {
	mu     sync.Mutex
	counts map[Frame]uint32
}

func NewRefcountTable() *RefcountTable {
	return &RefcountTable{counts: make(map[Frame]uint32)}
}

// Increment bumps (or starts at 2) the refcount for a newly shared frame.
func (t *RefcountTable) Increment(f Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counts[f]; ok {
		t.counts[f] = c + 1
	} else {
		t.counts[f] = 2
	}
}

// Decrement drops the refcount by one, removing the entry once it reaches 1
// (per spec: "a frame with refcount 1 is either not in the table or present
// with value 1"). Returns the resulting count.
func (t *RefcountTable) Decrement(f Frame) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counts[f]
	if !ok || c <= 1 {
		delete(t.counts, f)
		return 1
	}
	c--
	if c <= 1 {
		delete(t.counts, f)
		return 1
	}
	t.counts[f] = c
	return c
}

// Count returns the current refcount (1 if the frame is not tracked).
func (t *RefcountTable) Count(f Frame) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counts[f]; ok {
		return c
	}
	return 1
}

// Len reports how many frames are currently tracked as shared, used by
// tests exercising the COW-fork scenario in spec §8 scenario 3.
func (t *RefcountTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

// CloneCOW implements spec §4.2's copy-on-write fork: walk every present
// user page in parent, clear WRITABLE and set COW on writable pages in both
// parent and child (sharing the frame), and mirror non-writable pages
// unchanged. Every present page — writable or not — now maps into two
// address spaces, so its refcount is bumped unconditionally: spec §8
// invariant 3 requires a shared frame's refcount equal the number of address
// spaces mapping it, and a read-only mmap'd page shared by two processes is
// exactly as shared as a writable one. Ported from original_source's
// clone_cow, which refcounts every present page the same way.
func CloneCOW(parent, child *AddressSpace, refs *RefcountTable) {
	for virt, flags := range parent.UserPages() {
		if flags&Writable != 0 {
			newFlags := (flags &^ Writable) | COW
			if e, ok := parent.entryAt(virt); ok {
				e.flags = newFlags
				parent.invalidate(virt)
				_ = child.Map(virt, e.frame, newFlags)
				refs.Increment(e.frame)
			}
			continue
		}
		if e, ok := parent.entryAt(virt); ok {
			_ = child.Map(virt, e.frame, flags)
			refs.Increment(e.frame)
		}
	}
}

// HandleCOWFault implements spec §4.2's write-fault resolution: if the
// frame is still shared (refcount > 1), allocate a fresh frame and copy the
// 4 KiB page before granting write access; if the caller is the last holder
// (refcount == 1), just re-enable WRITABLE in place. copyPage must copy
// exactly FrameSize bytes from src to dst.
func HandleCOWFault(as *AddressSpace, alloc *FrameAllocator, refs *RefcountTable, faultAddr uint64, copyPage func(dst, src Frame)) error {
	e, ok := as.entryAt(faultAddr)
	if !ok {
		return kerrors.E("mm.HandleCOWFault", kerrors.NotFound, nil)
	}
	if e.flags&COW == 0 {
		return kerrors.E("mm.HandleCOWFault", kerrors.InvalidArgument, kerrors.New("not a COW page"))
	}

	old := e.frame
	if refs.Count(old) > 1 {
		fresh, err := alloc.AllocFrame()
		if err != nil {
			return err
		}
		copyPage(fresh, old)
		refs.Decrement(old)
		e.frame = fresh
		e.flags = (e.flags &^ COW) | Writable
	} else {
		e.flags = (e.flags &^ COW) | Writable
	}
	as.invalidate(faultAddr)
	return nil
}
