// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mm implements the kernel's physical and virtual memory subsystem:
// the frame allocator, four-level page tables, copy-on-write fork, the
// kernel heap, and MMIO mapping (spec §4.2, §4.3).
package mm

import (
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// FrameSize is the simulated page/frame size: 4 KiB, matching x86_64.
const FrameSize = 4096

// Frame is a physical-frame address, always FrameSize-aligned.
type Frame uint64

// FrameAllocator owns a bitmap over usable RAM and hands out single frames.
// Mirrors spec §4.2: "Bitmap over usable RAM regions supplied at boot."
type FrameAllocator struct {
	mu       sync.Mutex
	base     Frame
	bitmap   []bool // true = allocated
	lastFree int    // next-fit search cursor
	used     int
}

// NewFrameAllocator creates an allocator over [base, base+usableBytes),
// rounded down to whole frames.
func NewFrameAllocator(base Frame, usableBytes uint64) *FrameAllocator {
	n := int(usableBytes / FrameSize)
	return &FrameAllocator{
		base:   base,
		bitmap: make([]bool, n),
	}
}

// AllocFrame returns a fresh physical frame or kerrors.NoMemory if the
// allocator is exhausted.
func (a *FrameAllocator) AllocFrame() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.bitmap)
	for i := 0; i < n; i++ {
		idx := (a.lastFree + i) % n
		if !a.bitmap[idx] {
			a.bitmap[idx] = true
			a.used++
			a.lastFree = (idx + 1) % n
			return a.base + Frame(idx*FrameSize), nil
		}
	}
	return 0, kerrors.E("mm.AllocFrame", kerrors.NoMemory, nil)
}

// FreeFrame releases a previously allocated frame. Freeing a frame that was
// never allocated, or double-freeing, is a caller bug; it is reported as
// InvalidArgument rather than silently ignored so debug builds can catch it.
func (a *FrameAllocator) FreeFrame(f Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.index(f)
	if err != nil {
		return err
	}
	if !a.bitmap[idx] {
		return kerrors.E("mm.FreeFrame", kerrors.InvalidArgument, kerrors.New("double free"))
	}
	a.bitmap[idx] = false
	a.used--
	return nil
}

func (a *FrameAllocator) index(f Frame) (int, error) {
	if f < a.base {
		return 0, kerrors.E("mm.index", kerrors.InvalidArgument, kerrors.New("frame below base"))
	}
	off := uint64(f - a.base)
	if off%FrameSize != 0 {
		return 0, kerrors.E("mm.index", kerrors.InvalidArgument, kerrors.New("frame not aligned"))
	}
	idx := int(off / FrameSize)
	if idx >= len(a.bitmap) {
		return 0, kerrors.E("mm.index", kerrors.InvalidArgument, kerrors.New("frame out of range"))
	}
	return idx, nil
}

// Stats reports allocator occupancy, the simulator's analogue of the
// frames_used/frames_free fields in /proc/meminfo (spec §10 memory stats).
type Stats struct {
	TotalFrames int
	UsedFrames  int
	FreeFrames  int
}

func (a *FrameAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TotalFrames: len(a.bitmap),
		UsedFrames:  a.used,
		FreeFrames:  len(a.bitmap) - a.used,
	}
}
