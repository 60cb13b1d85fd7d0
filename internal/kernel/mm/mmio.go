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

// MMIORegion describes one mapped device-register window (spec §4.2
// "MMIO mapping"): fresh pages, never HHDM-aliased, so cache-policy changes
// never contaminate the direct map.
type MMIORegion struct {
	Phys uint64
	Virt uint64
	Size uint64
}

// MMIOMapper hands out non-overlapping virtual windows for physical MMIO
// ranges, mapped NO_CACHE|WRITABLE|NO_EXECUTE.
type MMIOMapper struct {
	mu      sync.Mutex
	next    uint64
	regions map[uint64]MMIORegion // keyed by virt
}

// NewMMIOMapper creates a mapper handing out windows starting at base, a
// virtual range reserved by the boot sequencer for device mappings.
func NewMMIOMapper(base uint64) *MMIOMapper {
	return &MMIOMapper{next: base, regions: make(map[uint64]MMIORegion)}
}

// Map reserves a size-byte virtual window (rounded up to whole frames) for
// the given physical address and installs it into as with the fixed MMIO
// flag set.
func (m *MMIOMapper) Map(as *AddressSpace, phys, size uint64) (uint64, error) {
	if size == 0 {
		return 0, kerrors.E("mm.MMIOMapper.Map", kerrors.InvalidArgument, nil)
	}
	pages := (size + FrameSize - 1) / FrameSize

	m.mu.Lock()
	virt := m.next
	m.next += pages * FrameSize
	m.regions[virt] = MMIORegion{Phys: phys, Virt: virt, Size: size}
	m.mu.Unlock()

	for i := uint64(0); i < pages; i++ {
		v := virt + i*FrameSize
		p := Frame(phys + i*FrameSize)
		if err := as.Map(v, p, NoCache|Writable|NoExecute|Present); err != nil {
			return 0, err
		}
	}
	return virt, nil
}

// Unmap releases a previously mapped MMIO window.
func (m *MMIOMapper) Unmap(as *AddressSpace, virt uint64) error {
	m.mu.Lock()
	region, ok := m.regions[virt]
	if ok {
		delete(m.regions, virt)
	}
	m.mu.Unlock()
	if !ok {
		return kerrors.E("mm.MMIOMapper.Unmap", kerrors.NotFound, nil)
	}

	pages := (region.Size + FrameSize - 1) / FrameSize
	for i := uint64(0); i < pages; i++ {
		if _, err := as.Unmap(virt + i*FrameSize); err != nil {
			return err
		}
	}
	return nil
}

// PhysAccess exposes typed, bounded reads/writes over a simulated physical
// arena, the stand-in for spec §9's "small PhysAccess module" that
// encapsulates otherwise-unsafe raw volatile MMIO access.
type PhysAccess struct {
	arena []byte
}

func NewPhysAccess(size uint64) *PhysAccess {
	return &PhysAccess{arena: make([]byte, size)}
}

func (p *PhysAccess) ReadU64(phys uint64) (uint64, error) {
	if phys+8 > uint64(len(p.arena)) {
		return 0, kerrors.E("mm.PhysAccess.ReadU64", kerrors.BadAddress, nil)
	}
	b := p.arena[phys : phys+8]
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, nil
}

func (p *PhysAccess) WriteU64(phys, val uint64) error {
	if phys+8 > uint64(len(p.arena)) {
		return kerrors.E("mm.PhysAccess.WriteU64", kerrors.BadAddress, nil)
	}
	b := p.arena[phys : phys+8]
	for i := 0; i < 8; i++ {
		b[i] = byte(val >> (8 * i))
	}
	return nil
}

// CopyPage copies FrameSize bytes from src to dst within the arena; used by
// HandleCOWFault's copy-on-write page duplication.
func (p *PhysAccess) CopyPage(dst, src Frame) {
	copy(p.arena[uint64(dst):uint64(dst)+FrameSize], p.arena[uint64(src):uint64(src)+FrameSize])
}

// WriteBytes copies data into the arena starting at phys, used to populate a
// freshly mapped frame with a LOAD segment's initial contents (spec §4.6
// execve). len(data) must not exceed FrameSize.
func (p *PhysAccess) WriteBytes(phys uint64, data []byte) error {
	if phys+uint64(len(data)) > uint64(len(p.arena)) {
		return kerrors.E("mm.PhysAccess.WriteBytes", kerrors.BadAddress, nil)
	}
	copy(p.arena[phys:], data)
	return nil
}

// ReadBytes returns a copy of n bytes starting at phys, the counterpart to
// WriteBytes used by the syscall gate's user-memory read path.
func (p *PhysAccess) ReadBytes(phys uint64, n int) ([]byte, error) {
	if phys+uint64(n) > uint64(len(p.arena)) {
		return nil, kerrors.E("mm.PhysAccess.ReadBytes", kerrors.BadAddress, nil)
	}
	out := make([]byte, n)
	copy(out, p.arena[phys:phys+uint64(n)])
	return out, nil
}
