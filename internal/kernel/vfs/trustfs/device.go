// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trustfs

import (
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// MemDevice is an in-memory backing store standing in for a disk image,
// sized in whole sectors. It implements Device directly; tests simulate a
// power cut by discarding a BlockCache in front of it without calling
// Sync, then remounting against the same MemDevice.
type MemDevice struct {
	mu      sync.Mutex
	sectors map[uint64][SectorSize]byte
	count   uint64
}

func NewMemDevice(sectorCount uint64) *MemDevice {
	return &MemDevice{sectors: make(map[uint64][SectorSize]byte), count: sectorCount}
}

func (d *MemDevice) ReadSector(sector uint64) ([SectorSize]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector >= d.count {
		return [SectorSize]byte{}, kerrors.E("trustfs.MemDevice.ReadSector", kerrors.InvalidArgument, nil)
	}
	return d.sectors[sector], nil
}

func (d *MemDevice) WriteSector(sector uint64, data [SectorSize]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector >= d.count {
		return kerrors.E("trustfs.MemDevice.WriteSector", kerrors.InvalidArgument, nil)
	}
	d.sectors[sector] = data
	return nil
}

func (d *MemDevice) SectorCount() uint64 {
	return d.count
}
