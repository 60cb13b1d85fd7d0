// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched implements the kernel's priority-based preemptive scheduler
// (spec §4.5), ported from original_source's scheduler::mod.
package sched

// Priority is one of four scheduling classes, highest value runs first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	RealTime
)

const numPriorities = 4

// State is a task's position in the scheduler state machine (spec §3).
type State int

const (
	Ready State = iota
	Running
	Blocked
	Zombie
	Terminated
)

// Task is the scheduler's view of a schedulable unit (spec §3
// "Task/Thread"). The process/thread model in package proc embeds a Task.
type Task struct {
	ID         uint64
	ProcessID  uint64
	Priority   Priority
	state      State
	cpuTicks   uint64
	quantumUse int
	WaitObject string // set while Blocked; opaque to the scheduler
}

func (t *Task) State() State { return t.state }
