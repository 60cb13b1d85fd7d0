// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package trace implements the kernel's trace ring and lab-mode debug
// stream (spec §4.11): a fixed-size ring of recent events plus an optional
// websocket forwarder for attached debugging clients.
package trace

import (
	"time"

	"github.com/trustos/kernel/pkg/ringbuffer"
)

// EventKind discriminates a trace event's payload meaning. Every event is a
// fixed-size record (spec §3 "Trace Event Ring"); a payload too large to fit
// in a single uint64 is summarized into a second event rather than growing
// the record (spec §9).
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventContextSwitch
	EventSyscall
	EventPageFault
	EventCapabilityIssued
	EventCapabilityRevoked
	EventIRQ
	EventSignalDelivered
	EventWALCommit
)

func (k EventKind) String() string {
	switch k {
	case EventContextSwitch:
		return "context_switch"
	case EventSyscall:
		return "syscall"
	case EventPageFault:
		return "page_fault"
	case EventCapabilityIssued:
		return "capability_issued"
	case EventCapabilityRevoked:
		return "capability_revoked"
	case EventIRQ:
		return "irq"
	case EventSignalDelivered:
		return "signal_delivered"
	case EventWALCommit:
		return "wal_commit"
	default:
		return "unknown"
	}
}

// Event is one trace-ring record.
type Event struct {
	Timestamp time.Time
	CPU       int
	Kind      EventKind
	Payload   uint64
}

// Ring is the kernel-wide trace event ring, backed by
// ringbuffer.Concurrent so every CPU goroutine can emit events without
// taking a shared lock (spec §5: "trace ring uses atomic indices ...").
type Ring struct {
	buf *ringbuffer.Concurrent[Event]
}

// NewRing creates a trace ring of the given capacity (rounded up to a power
// of two).
func NewRing(capacity int) *Ring {
	buf, err := ringbuffer.NewConcurrent[Event](capacity)
	if err != nil {
		// capacity is always a compile-time constant in practice; a bad
		// caller-supplied value degrades to the smallest usable ring
		// rather than panicking the kernel.
		buf, _ = ringbuffer.NewConcurrent[Event](1)
	}
	return &Ring{buf: buf}
}

// Emit records an event. Never blocks.
func (r *Ring) Emit(cpu int, kind EventKind, payload uint64) {
	r.buf.Push(Event{Timestamp: now(), CPU: cpu, Kind: kind, Payload: payload})
}

// Snapshot returns recent events, most recent first.
func (r *Ring) Snapshot() []Event {
	return r.buf.Snapshot()
}

// now is a seam so tests can observe ordering without depending on wall
// clock resolution.
var now = time.Now
