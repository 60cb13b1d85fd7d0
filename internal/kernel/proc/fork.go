// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"github.com/trustos/kernel/internal/kernel/mm"
	"github.com/trustos/kernel/internal/kernel/sched"
	"github.com/trustos/kernel/internal/kernel/security"
)

// Fork clones parent: a new PID, parent set to the caller's PID, address
// space cloned via copy-on-write, file descriptors cloned by sharing the
// parent's open-file handles (spec §4.6 "fork"); no per-handle reference
// count is kept or incremented. Returns the child process; by
// convention the caller arranges for the child's initial register
// context to return 0 from fork and the parent's to return the child PID
// — that register-level detail lives at the syscall gate, not here.
func (t *Table) Fork(parentPID uint64) (*Process, error) {
	parent, err := t.Get(parentPID)
	if err != nil {
		return nil, err
	}

	parent.mu.Lock()
	childAS := mm.NewAddressSpace(t.frames, t.refs)
	mm.CloneCOW(parent.AddressSpace, childAS, t.refs)
	childFDs := parent.FDs.Clone()
	creds := parent.Creds
	pgid := parent.PGID
	sid := parent.SID
	ctrl := parent.CtrlTerminal
	cwdIno, cwdPath := parent.cwdIno, parent.cwdPath
	caps := append([]security.ID{}, parent.Capabilities...)
	parent.mu.Unlock()

	pid := t.nextPID.Add(1) - 1
	child := &Process{
		PID:          pid,
		ParentID:     parentPID,
		AddressSpace: childAS,
		FDs:          childFDs,
		Creds:        creds,
		PGID:         pgid,
		SID:          sid,
		CtrlTerminal: ctrl,
		cwdIno:       cwdIno,
		cwdPath:      cwdPath,
		zombieChan:   make(chan struct{}),
		signals:      NewSignalState(),
		Capabilities: caps,
	}

	t.mu.Lock()
	t.procs[pid] = child
	t.mu.Unlock()

	t.sched.Spawn(pid, sched.Normal)
	return child, nil
}
