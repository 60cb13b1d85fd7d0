// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"fmt"
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// MaxPTYs matches original_source's MAX_PTYS.
const MaxPTYs = 64

// Termios flags (spec §3 "TTY").
type Termios struct {
	Echo   bool
	Canon  bool
	ISig   bool
}

// SignalSender delivers a signal to every task in a process group; wired to
// package proc's Killpg so ipc does not import proc (which would create an
// import cycle, since proc's file descriptors route through ipc).
type SignalSender interface {
	Killpg(pgid int, sig int)
}

const (
	SIGINT  = 2
	SIGQUIT = 3
	SIGTSTP = 20
)

// PTYPair models a master/slave pseudo-terminal pair (spec §3 "PTY Pair",
// "TTY"), ported from original_source's pty.rs.
type PTYPair struct {
	mu sync.Mutex

	Index int

	masterOpen bool
	slaveOpen  bool

	masterBuf *Pipe // bytes the slave wrote, read by the master
	slaveBuf  *Pipe // bytes the master wrote, read by the slave (post line-discipline)

	termios Termios
	fgPGID  int

	lineBuf []byte // canonical-mode accumulation before a newline flushes it
}

// PTYRegistry allocates PTY pairs up to MaxPTYs, mirroring
// original_source's global alloc_pty table.
type PTYRegistry struct {
	mu      sync.Mutex
	pairs   map[int]*PTYPair
	signals SignalSender
}

func NewPTYRegistry(signals SignalSender) *PTYRegistry {
	return &PTYRegistry{pairs: make(map[int]*PTYPair), signals: signals}
}

// Alloc creates a new PTY pair, failing with NoSpace once MaxPTYs are live.
func (r *PTYRegistry) Alloc() (*PTYPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pairs) >= MaxPTYs {
		return nil, kerrors.E("ipc.PTYRegistry.Alloc", kerrors.NoSpace, nil)
	}
	idx := 0
	for { // first-fit index search, mirroring a fixed-size slot table
		if _, used := r.pairs[idx]; !used {
			break
		}
		idx++
	}
	p := &PTYPair{
		Index:      idx,
		masterOpen: true,
		slaveOpen:  true,
		masterBuf:  NewPipe(),
		slaveBuf:   NewPipe(),
		termios:    Termios{Echo: true, Canon: true, ISig: true},
	}
	r.pairs[idx] = p
	return p, nil
}

// SlaveName returns the pts path for a pty index, e.g. "/dev/pts/3".
func SlaveName(index int) string {
	return fmt.Sprintf("/dev/pts/%d", index)
}

// SetForegroundPGID sets the slave's foreground process group, the target
// of ISIG-triggered signal delivery.
func (p *PTYPair) SetForegroundPGID(pgid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fgPGID = pgid
}

// MasterWrite writes bytes from the controlling process to the slave's
// input, applying the slave's line discipline (ISIG interception of control
// characters, ECHO back to the master).
func (p *PTYPair) MasterWrite(data []byte, signals SignalSender) (int, error) {
	p.mu.Lock()
	termios := p.termios
	fg := p.fgPGID
	p.mu.Unlock()

	for _, b := range data {
		if termios.ISig && signals != nil {
			switch b {
			case 0x03: // Ctrl-C
				signals.Killpg(fg, SIGINT)
				continue
			case 0x1c: // Ctrl-\
				signals.Killpg(fg, SIGQUIT)
				continue
			case 0x1a: // Ctrl-Z
				signals.Killpg(fg, SIGTSTP)
				continue
			}
		}
		if termios.Echo {
			_, _ = p.masterBuf.Write([]byte{b})
		}
		if _, err := p.slaveBuf.Write([]byte{b}); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

// MasterRead reads bytes the slave (or echo) produced for the controlling
// process.
func (p *PTYPair) MasterRead(into []byte) (int, error) {
	return p.masterBuf.Read(into)
}

// SlaveWrite writes bytes from the terminal application to the master side.
func (p *PTYPair) SlaveWrite(data []byte) (int, error) {
	return p.masterBuf.Write(data)
}

// SlaveRead reads bytes the controlling process wrote via the master.
func (p *PTYPair) SlaveRead(into []byte) (int, error) {
	return p.slaveBuf.Read(into)
}

// CloseMaster closes the master side.
func (p *PTYPair) CloseMaster() {
	p.mu.Lock()
	p.masterOpen = false
	p.mu.Unlock()
	p.masterBuf.CloseWrite()
	p.slaveBuf.CloseRead()
}

// CloseSlave closes the slave side.
func (p *PTYPair) CloseSlave() {
	p.mu.Lock()
	p.slaveOpen = false
	p.mu.Unlock()
	p.slaveBuf.CloseWrite()
	p.masterBuf.CloseRead()
}
