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

// WALMagic identifies a WAL header sector ("WAL!" little-endian, spec §3).
const WALMagic = 0x57414C21

// MaxWALEntries bounds a single transaction to the reserved WAL entry
// region (sectors 34..96, spec §3).
const MaxWALEntries = 63

// Device is the raw sector I/O a WAL and block cache operate on.
type Device interface {
	ReadSector(sector uint64) ([SectorSize]byte, error)
	WriteSector(sector uint64, data [SectorSize]byte) error
}

type walEntry struct {
	target uint64
	data   [SectorSize]byte
}

// WAL implements the write-ahead log (spec §3 "Write-Ahead Log", §4.7),
// ported from original_source's vfs::wal. A transaction buffers up to
// MaxWALEntries sector writes in memory; Commit makes them crash-atomic by
// recording them on disk before applying them to their real locations.
type WAL struct {
	mu       sync.Mutex
	dev      Device
	pending  []walEntry
	sequence uint64
	active   bool
}

func NewWAL(dev Device) *WAL {
	return &WAL{dev: dev}
}

// Begin starts a transaction, discarding any uncommitted entries from a
// prior one.
func (w *WAL) Begin() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = w.pending[:0]
	w.active = true
}

// LogWrite records a pending sector write in the current transaction.
func (w *WAL) LogWrite(sector uint64, data [SectorSize]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active || len(w.pending) >= MaxWALEntries {
		return kerrors.E("trustfs.WAL.LogWrite", kerrors.TooLarge, nil)
	}
	w.pending = append(w.pending, walEntry{target: sector, data: data})
	return nil
}

// Commit writes the WAL header and entries, applies every entry to its
// real target sector, then clears the header (spec §3 commit sequence).
func (w *WAL) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		w.active = false
		return nil
	}
	w.sequence++

	var hdr [SectorSize]byte
	putU32(hdr[0:4], WALMagic)
	putU32(hdr[4:8], uint32(len(w.pending)))
	putU32(hdr[8:12], 1) // committed
	putU64(hdr[12:20], w.sequence)
	if err := w.dev.WriteSector(SectorWALHeader, hdr); err != nil {
		return kerrors.E("trustfs.WAL.Commit", kerrors.DeviceFault, err)
	}

	for i, e := range w.pending {
		var entry [SectorSize]byte
		putU64(entry[0:8], e.target)
		copy(entry[8:], e.data[:SectorSize-8])
		if err := w.dev.WriteSector(SectorWALEntryBase+uint64(i), entry); err != nil {
			return kerrors.E("trustfs.WAL.Commit", kerrors.DeviceFault, err)
		}
	}

	for _, e := range w.pending {
		if err := w.dev.WriteSector(e.target, e.data); err != nil {
			return kerrors.E("trustfs.WAL.Commit", kerrors.DeviceFault, err)
		}
	}

	var zero [SectorSize]byte
	if err := w.dev.WriteSector(SectorWALHeader, zero); err != nil {
		return kerrors.E("trustfs.WAL.Commit", kerrors.DeviceFault, err)
	}

	w.pending = w.pending[:0]
	w.active = false
	return nil
}

// PendingCount reports how many writes are buffered in the open transaction.
func (w *WAL) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// ReplayIfNeeded is run on mount (spec §3 invariant: "either the on-disk
// header says not-committed, or it says committed and every listed entry
// is recoverable"). If the header shows a committed-but-unapplied
// transaction, every entry is reapplied and the header cleared.
func ReplayIfNeeded(dev Device) (int, error) {
	hdr, err := dev.ReadSector(SectorWALHeader)
	if err != nil {
		return 0, kerrors.E("trustfs.ReplayIfNeeded", kerrors.DeviceFault, err)
	}
	magic := getU32(hdr[0:4])
	committed := getU32(hdr[8:12])
	count := getU32(hdr[4:8])
	if magic != WALMagic || committed != 1 || count == 0 {
		return 0, nil
	}
	if int(count) > MaxWALEntries {
		return 0, kerrors.E("trustfs.ReplayIfNeeded", kerrors.Corrupted, kerrors.New("WAL entry count exceeds capacity"))
	}

	for i := 0; i < int(count); i++ {
		entry, err := dev.ReadSector(SectorWALEntryBase + uint64(i))
		if err != nil {
			return 0, kerrors.E("trustfs.ReplayIfNeeded", kerrors.DeviceFault, err)
		}
		target := getU64(entry[0:8])
		var data [SectorSize]byte
		copy(data[:SectorSize-8], entry[8:])
		if err := dev.WriteSector(target, data); err != nil {
			return 0, kerrors.E("trustfs.ReplayIfNeeded", kerrors.DeviceFault, err)
		}
	}

	var zero [SectorSize]byte
	if err := dev.WriteSector(SectorWALHeader, zero); err != nil {
		return 0, kerrors.E("trustfs.ReplayIfNeeded", kerrors.DeviceFault, err)
	}
	return int(count), nil
}
