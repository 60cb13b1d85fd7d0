// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// waiter is one parked futex waiter, ordered by arrival (spec §5: "Futex
// wakeups release waiters in insertion order").
type waiter struct {
	tid      uint64
	bitset   uint32
	wake     chan struct{}
	sequence uint64
}

// FutexTable implements Linux-compatible futex semantics (spec §4.8),
// ported from original_source's sync::futex: a map from address to an
// ordered list of parked waiters.
type FutexTable struct {
	mu       sync.Mutex
	waiters  map[uint64][]*waiter
	sequence atomic.Uint64
}

func NewFutexTable() *FutexTable {
	return &FutexTable{waiters: make(map[uint64][]*waiter)}
}

// LoadWord reads the current value at a simulated futex address. Callers
// supply it since the futex table does not own the address space.
type LoadWord func(addr uint64) uint32

// Wait atomically checks *addr == expected and parks the caller (tid) if so.
// Returns EAGAIN immediately without parking if the value has already
// changed (spec §8 boundary), or ETIMEDOUT if ctx expires first.
func (f *FutexTable) Wait(ctx context.Context, addr uint64, expected uint32, tid uint64, load LoadWord) error {
	f.mu.Lock()
	if load(addr) != expected {
		f.mu.Unlock()
		return kerrors.E("ipc.FutexTable.Wait", kerrors.WouldBlock, kerrors.New("EAGAIN"))
	}
	w := &waiter{tid: tid, bitset: 0xFFFFFFFF, wake: make(chan struct{}), sequence: f.sequence.Add(1)}
	f.waiters[addr] = append(f.waiters[addr], w)
	f.mu.Unlock()

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		f.removeWaiter(addr, w)
		return kerrors.E("ipc.FutexTable.Wait", kerrors.TimedOut, nil)
	}
}

// WaitBitset is Wait with an explicit wake-bitset filter (FUTEX_WAIT_BITSET).
func (f *FutexTable) WaitBitset(ctx context.Context, addr uint64, expected, bitset uint32, tid uint64, load LoadWord) error {
	f.mu.Lock()
	if load(addr) != expected {
		f.mu.Unlock()
		return kerrors.E("ipc.FutexTable.WaitBitset", kerrors.WouldBlock, kerrors.New("EAGAIN"))
	}
	w := &waiter{tid: tid, bitset: bitset, wake: make(chan struct{}), sequence: f.sequence.Add(1)}
	f.waiters[addr] = append(f.waiters[addr], w)
	f.mu.Unlock()

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		f.removeWaiter(addr, w)
		return kerrors.E("ipc.FutexTable.WaitBitset", kerrors.TimedOut, nil)
	}
}

func (f *FutexTable) removeWaiter(addr uint64, target *waiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := f.waiters[addr]
	for i, w := range ws {
		if w == target {
			f.waiters[addr] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

// Wake unparks up to n waiters at addr, oldest first, returning the count
// woken.
func (f *FutexTable) Wake(addr uint64, n int) int {
	return f.wakeBitset(addr, n, 0xFFFFFFFF)
}

// WakeBitset unparks up to n waiters at addr whose bitset intersects mask.
func (f *FutexTable) WakeBitset(addr uint64, n int, mask uint32) int {
	return f.wakeBitset(addr, n, mask)
}

func (f *FutexTable) wakeBitset(addr uint64, n int, mask uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	ws := f.waiters[addr]
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].sequence < ws[j].sequence })

	woken := 0
	remaining := ws[:0]
	for _, w := range ws {
		if woken < n && w.bitset&mask != 0 {
			close(w.wake)
			woken++
			continue
		}
		remaining = append(remaining, w)
	}
	if len(remaining) == 0 {
		delete(f.waiters, addr)
	} else {
		f.waiters[addr] = remaining
	}
	return woken
}

// Requeue wakes up to wake waiters at addr1, oldest first, then moves up to
// move of the remaining ones to addr2 without waking them (FUTEX_REQUEUE /
// FUTEX_CMP_REQUEUE).
func (f *FutexTable) Requeue(addr1, addr2 uint64, wake, move int) (woken, requeued int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ws := f.waiters[addr1]
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].sequence < ws[j].sequence })

	var rest []*waiter
	for _, w := range ws {
		switch {
		case woken < wake:
			close(w.wake)
			woken++
		case requeued < move:
			f.waiters[addr2] = append(f.waiters[addr2], w)
			requeued++
		default:
			rest = append(rest, w)
		}
	}
	if len(rest) == 0 {
		delete(f.waiters, addr1)
	} else {
		f.waiters[addr1] = rest
	}
	return woken, requeued
}

// CmpRequeue is Requeue gated on *addr1 == expected at call time.
func (f *FutexTable) CmpRequeue(addr1, addr2 uint64, expected uint32, wake, move int, load LoadWord) (int, int, error) {
	f.mu.Lock()
	if load(addr1) != expected {
		f.mu.Unlock()
		return 0, 0, kerrors.E("ipc.FutexTable.CmpRequeue", kerrors.WouldBlock, kerrors.New("EAGAIN"))
	}
	f.mu.Unlock()
	w, r := f.Requeue(addr1, addr2, wake, move)
	return w, r, nil
}

// WaiterCount returns how many tasks are currently parked at addr.
func (f *FutexTable) WaiterCount(addr uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters[addr])
}

// CleanupProcess removes every waiter belonging to tid across all addresses,
// called when a process exits while a thread has a futex wait outstanding.
func (f *FutexTable) CleanupProcess(tid uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, ws := range f.waiters {
		var kept []*waiter
		for _, w := range ws {
			if w.tid == tid {
				close(w.wake)
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(f.waiters, addr)
		} else {
			f.waiters[addr] = kept
		}
	}
}
