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

// freeBlock is one entry in the heap's free list, modeled as an
// offset/length pair into the heap's backing arena rather than a real
// pointer (spec §4.3: "linked-list free-list allocator").
type freeBlock struct {
	offset uint64
	length uint64
}

// HeapStats mirrors the statistics spec §4.3 requires the allocator track.
type HeapStats struct {
	BytesUsed       uint64
	BytesFree       uint64
	Peak            uint64
	AllocCount      uint64
	FreeCount       uint64
	LargestLive     uint64
	FragmentCount   int // number of disjoint free blocks, a fragmentation proxy
}

// Heap is a linked-list free-list allocator over a contiguous simulated
// HHDM region. Alignment is honored by over-allocating and splitting.
// Callers running in IRQ context must not allocate; Alloc enforces this via
// an explicit flag rather than detecting stack context, since there is no
// real interrupt stack to inspect.
type Heap struct {
	mu        sync.Mutex
	size      uint64
	free      []freeBlock
	live      map[uint64]uint64 // offset -> length, for Free's size lookup
	used      uint64
	peak      uint64
	allocs    uint64
	frees     uint64
	largest   uint64
}

// NewHeap creates a heap of the given size, entirely free.
func NewHeap(size uint64) *Heap {
	return &Heap{
		size: size,
		free: []freeBlock{{offset: 0, length: size}},
		live: make(map[uint64]uint64),
	}
}

// Alloc reserves size bytes aligned to align (must be a power of two),
// returning the byte offset into the heap's arena. irqContext must be false;
// allocating from simulated interrupt context is a caller bug.
func (h *Heap) Alloc(size, align uint64, irqContext bool) (uint64, error) {
	if irqContext {
		return 0, kerrors.E("mm.Heap.Alloc", kerrors.InvalidArgument, kerrors.New("allocation from IRQ context"))
	}
	if size == 0 {
		return 0, kerrors.E("mm.Heap.Alloc", kerrors.InvalidArgument, kerrors.New("zero-size allocation"))
	}
	if align == 0 {
		align = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, blk := range h.free {
		alignedStart := alignUp(blk.offset, align)
		pad := alignedStart - blk.offset
		need := pad + size
		if blk.length < need {
			continue
		}

		h.free = append(h.free[:i:i], h.free[i+1:]...)
		if pad > 0 {
			h.free = append(h.free, freeBlock{offset: blk.offset, length: pad})
		}
		remaining := blk.length - need
		if remaining > 0 {
			h.free = append(h.free, freeBlock{offset: alignedStart + size, length: remaining})
		}

		h.live[alignedStart] = size
		h.used += size
		if h.used > h.peak {
			h.peak = h.used
		}
		h.allocs++
		if size > h.largest {
			h.largest = size
		}
		return alignedStart, nil
	}
	return 0, kerrors.E("mm.Heap.Alloc", kerrors.NoMemory, nil)
}

// Free releases a previously allocated offset, coalescing with adjacent free
// blocks.
func (h *Heap) Free(offset uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	size, ok := h.live[offset]
	if !ok {
		return kerrors.E("mm.Heap.Free", kerrors.InvalidArgument, kerrors.New("unknown allocation"))
	}
	delete(h.live, offset)
	h.used -= size
	h.frees++

	h.free = append(h.free, freeBlock{offset: offset, length: size})
	h.coalesce()
	return nil
}

// coalesce merges adjacent free blocks. Must be called with mu held.
func (h *Heap) coalesce() {
	if len(h.free) < 2 {
		return
	}
	merged := true
	for merged {
		merged = false
		for i := 0; i < len(h.free); i++ {
			for j := i + 1; j < len(h.free); j++ {
				a, b := h.free[i], h.free[j]
				if a.offset+a.length == b.offset {
					h.free[i].length += b.length
					h.free = append(h.free[:j], h.free[j+1:]...)
					merged = true
					break
				}
				if b.offset+b.length == a.offset {
					h.free[i].offset = b.offset
					h.free[i].length += b.length
					h.free = append(h.free[:j], h.free[j+1:]...)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
	}
}

// Stats returns a snapshot of the heap's usage statistics.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var free uint64
	for _, b := range h.free {
		free += b.length
	}
	return HeapStats{
		BytesUsed:     h.used,
		BytesFree:     free,
		Peak:          h.peak,
		AllocCount:    h.allocs,
		FreeCount:     h.frees,
		LargestLive:   h.largest,
		FragmentCount: len(h.free),
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
