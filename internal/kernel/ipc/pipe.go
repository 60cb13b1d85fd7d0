// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ipc implements the kernel's POSIX-style IPC primitives (spec
// §4.8): pipes, PTYs, futexes, and capability-protected channels. Ported
// from original_source's pipe.rs, pty.rs, and sync::futex.
package ipc

import (
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// PipeBufSize is the fixed ring-buffer capacity per pipe, matching
// original_source's PIPE_BUF_SIZE.
const PipeBufSize = 4096

// MaxSpinRetries is original_source's bounded retry count (a livelock
// safety net, spec §5 "Cancellation & timeout"). No code in this module
// reads it: TryRead and TryWrite do not retry.
const MaxSpinRetries = 10000

// Pipe is a unidirectional byte stream with independent read/write-end open
// flags (spec §3 "Pipe"). Blocking Read/Write use a condition variable
// instead of the original's spin-yield loop: a goroutine parking on a
// sync.Cond is the idiomatic Go equivalent of "mark Blocked, yield, get
// woken" (spec §4.5's suspension/wakeup model). Non-blocking callers use
// TryRead/TryWrite, which return WouldBlock at once instead of waiting.
type Pipe struct {
	mu         sync.Mutex
	notFull    *sync.Cond
	notEmpty   *sync.Cond
	buf        []byte
	start, n   int // ring buffer start index and occupied length
	readOpen   bool
	writeOpen  bool
}

// NewPipe creates a pipe with both ends open.
func NewPipe() *Pipe {
	p := &Pipe{
		buf:       make([]byte, PipeBufSize),
		readOpen:  true,
		writeOpen: true,
	}
	p.notFull = sync.NewCond(&p.mu)
	p.notEmpty = sync.NewCond(&p.mu)
	return p
}

// Write blocks while the buffer is full and the read end is open. Once the
// read end has closed it returns ErrPipeClosed, or the count already
// written if some bytes went in first.
func (p *Pipe) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for written < len(data) {
		if !p.readOpen {
			if written > 0 {
				return written, nil
			}
			return 0, ErrPipeClosed
		}
		free := len(p.buf) - p.n
		if free == 0 {
			p.notFull.Wait()
			continue
		}
		take := len(data) - written
		if take > free {
			take = free
		}
		for i := 0; i < take; i++ {
			p.buf[(p.start+p.n)%len(p.buf)] = data[written+i]
			p.n++
		}
		written += take
		p.notEmpty.Broadcast()
	}
	return written, nil
}

// Read blocks while the buffer is empty and the write end is open. Returns
// (0, nil) — EOF — once the write end has closed and the buffer has
// drained.
func (p *Pipe) Read(into []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.n == 0 {
		if !p.writeOpen {
			return 0, nil
		}
		p.notEmpty.Wait()
	}

	take := len(into)
	if take > p.n {
		take = p.n
	}
	for i := 0; i < take; i++ {
		into[i] = p.buf[(p.start+i)%len(p.buf)]
	}
	p.start = (p.start + take) % len(p.buf)
	p.n -= take
	p.notFull.Broadcast()
	return take, nil
}

// TryWrite is the non-blocking counterpart of Write: it never waits,
// returning WouldBlock if the buffer is full and the read end is still
// open.
func (p *Pipe) TryWrite(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.readOpen {
		return 0, ErrPipeClosed
	}
	free := len(p.buf) - p.n
	if free == 0 {
		return 0, kerrors.E("ipc.Pipe.TryWrite", kerrors.WouldBlock, nil)
	}
	take := len(data)
	if take > free {
		take = free
	}
	for i := 0; i < take; i++ {
		p.buf[(p.start+p.n)%len(p.buf)] = data[i]
		p.n++
	}
	p.notEmpty.Broadcast()
	return take, nil
}

// TryRead is the non-blocking counterpart of Read.
func (p *Pipe) TryRead(into []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n == 0 {
		if !p.writeOpen {
			return 0, nil
		}
		return 0, kerrors.E("ipc.Pipe.TryRead", kerrors.WouldBlock, nil)
	}
	take := len(into)
	if take > p.n {
		take = p.n
	}
	for i := 0; i < take; i++ {
		into[i] = p.buf[(p.start+i)%len(p.buf)]
	}
	p.start = (p.start + take) % len(p.buf)
	p.n -= take
	p.notFull.Broadcast()
	return take, nil
}

// CloseRead closes the read end. Subsequent writes observe ErrPipeClosed.
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readOpen = false
	p.notFull.Broadcast()
}

// CloseWrite closes the write end. Subsequent reads drain the buffer then
// return EOF.
func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeOpen = false
	p.notEmpty.Broadcast()
}

// Destroyed reports whether both ends are closed — a pipe is only ever
// destroyed once neither end is reachable (spec §3).
func (p *Pipe) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.readOpen && !p.writeOpen
}

// Buffered reports the number of bytes currently queued, for asserting spec
// §8 invariant 5 (0 ≤ bytes_buffered ≤ capacity).
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// ErrPipeClosed is returned by Write/TryWrite once the read end has closed
// (the simulator's EPIPE).
var ErrPipeClosed = kerrors.E("ipc.Pipe", kerrors.InvalidArgument, kerrors.New("write to pipe with closed read end"))

// Registry allocates and tracks live pipes, mirroring original_source's
// PipeRegistry and its PIPE_FD_BASE descriptor numbering convention.
type Registry struct {
	mu     sync.Mutex
	pipes  map[int]*pipeEnds
	nextFD int
}

type pipeEnds struct {
	pipe        *Pipe
	readClosed  bool
	writeClosed bool
}

// PipeFDBase matches original_source's PIPE_FD_BASE so pipe descriptors are
// visibly distinct from regular file descriptors in traces.
const PipeFDBase = 64

func NewRegistry() *Registry {
	return &Registry{pipes: make(map[int]*pipeEnds), nextFD: PipeFDBase}
}

// Create allocates a new pipe, returning its (readFD, writeFD) pair.
func (r *Registry) Create() (readFD, writeFD int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := NewPipe()
	readFD = r.nextFD
	writeFD = r.nextFD + 1
	r.nextFD += 2
	ends := &pipeEnds{pipe: p}
	r.pipes[readFD] = ends
	r.pipes[writeFD] = ends
	return readFD, writeFD
}

// IsPipeFD reports whether fd was allocated by this registry.
func (r *Registry) IsPipeFD(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pipes[fd]
	return ok
}

// Get returns the underlying pipe for fd.
func (r *Registry) Get(fd int) (*Pipe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ends, ok := r.pipes[fd]
	if !ok {
		return nil, kerrors.E("ipc.Registry.Get", kerrors.NotFound, nil)
	}
	return ends.pipe, nil
}

// Close closes fd's end of its pipe and drops it from the registry once
// both ends are closed.
func (r *Registry) Close(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ends, ok := r.pipes[fd]
	if !ok {
		return kerrors.E("ipc.Registry.Close", kerrors.NotFound, nil)
	}

	delete(r.pipes, fd)
	// fd parity determines which end this descriptor represents, since
	// Create always allocates read then write consecutively.
	if fd%2 == 0 {
		ends.pipe.CloseRead()
	} else {
		ends.pipe.CloseWrite()
	}
	return nil
}

// ActiveCount returns the number of live pipe descriptors, for diagnostics.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipes)
}
