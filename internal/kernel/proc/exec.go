// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"github.com/trustos/kernel/internal/kernel/mm"
	kerrors "github.com/trustos/kernel/pkg/errors"
)

// Segment is one LOAD segment execve maps into the fresh address space —
// standing in for an ELF program header, since this kernel has no disk
// loader of its own (spec §4.6 "execve... Loads an ELF image").
type Segment struct {
	VirtAddr uint64
	Size     uint64
	Flags    mm.Flags
	Fill     func(dst []byte) // populates the segment's initial bytes
}

// Program is a registered executable image: a set of segments plus an
// entry point, standing in for the ELF the original kernel would parse
// off disk. The syscall gate's execve wrapper resolves a path to a
// Program via a registry it owns.
type Program struct {
	Name       string
	Segments   []Segment
	EntryPoint uint64
	Argv, Envp []string
}

const (
	userStackTop  = 0x0000_7FFF_FFFF_F000
	userStackSize = 8 * mm.FrameSize
)

// Execve loads prog into a fresh address space, replacing pid's current
// one: it maps each segment with its requested protection (filling it
// through seg.Fill when one is set) and maps an 8-page user stack, then
// swaps the address space in. The stack is left empty (no argv, envp or
// auxiliary vector is written), no separate BSS zeroing is done, and no
// entry point is recorded. On failure before the swap the caller's address
// space is unchanged.
func (t *Table) Execve(pid uint64, prog *Program) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}

	fresh := mm.NewAddressSpace(t.frames, t.refs)
	for _, seg := range prog.Segments {
		if err := mapSegment(t.frames, fresh, t.phys, seg); err != nil {
			return err
		}
	}
	if err := mapUserStack(t.frames, fresh); err != nil {
		return err
	}

	p.mu.Lock()
	p.AddressSpace = fresh
	p.mu.Unlock()
	return nil
}

func mapSegment(alloc *mm.FrameAllocator, as *mm.AddressSpace, phys *mm.PhysAccess, seg Segment) error {
	pages := (seg.Size + mm.FrameSize - 1) / mm.FrameSize
	frames := make([]mm.Frame, pages)
	for i := uint64(0); i < pages; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return kerrors.E("proc.Execve", kerrors.NoMemory, nil)
		}
		frames[i] = frame
		virt := seg.VirtAddr + i*mm.FrameSize
		if err := as.Map(virt, frame, seg.Flags|mm.Present|mm.User); err != nil {
			return err
		}
	}
	if seg.Fill != nil && phys != nil {
		buf := make([]byte, seg.Size)
		seg.Fill(buf)
		// Copy the filled segment through the HHDM-equivalent PhysAccess
		// layer into each newly mapped frame, one FrameSize chunk at a time.
		for i := uint64(0); i < pages; i++ {
			start := i * mm.FrameSize
			end := start + mm.FrameSize
			if end > uint64(len(buf)) {
				end = uint64(len(buf))
			}
			if err := phys.WriteBytes(uint64(frames[i]), buf[start:end]); err != nil {
				return err
			}
		}
	}
	return nil
}

func mapUserStack(alloc *mm.FrameAllocator, as *mm.AddressSpace) error {
	pages := uint64(userStackSize) / mm.FrameSize
	base := userStackTop - userStackSize
	for i := uint64(0); i < pages; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return kerrors.E("proc.Execve", kerrors.NoMemory, nil)
		}
		if err := as.Map(base+i*mm.FrameSize, frame, mm.Present|mm.Writable|mm.User|mm.NoExecute); err != nil {
			return err
		}
	}
	return nil
}
