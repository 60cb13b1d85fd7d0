// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	kerrors "github.com/trustos/kernel/pkg/errors"
	"github.com/trustos/kernel/internal/kernel/trace"
)

// DefaultQuantum is the number of ticks a task runs before the scheduler
// reconsiders the choice (spec §4.5).
const DefaultQuantum = 10

// queue is one priority level's ready queue, independently locked per spec
// §5 ("one lock per priority level — independent for contention reduction").
type queue struct {
	mu    sync.Mutex
	ready []uint64
}

func (q *queue) pushBack(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, id)
}

func (q *queue) popFront() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return 0, false
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	return id, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Scheduler owns the task registry and the four priority ready queues.
// Ported from original_source's scheduler module: independent
// Mutex<VecDeque<TaskId>> queues, a Mutex<BTreeMap> task registry, and an
// AtomicU64 CURRENT_TASK per CPU.
type Scheduler struct {
	log   logr.Logger
	ring  *trace.Ring
	quantum int

	mu       sync.RWMutex
	tasks    map[uint64]*Task
	nextID   atomic.Uint64
	queues   [numPriorities]*queue

	current   map[int]*atomic.Uint64 // cpu -> current task ID
	parked    chan struct{}          // closed+replaced to wake idling CPUs
	parkedMu  sync.Mutex
}

// New creates a scheduler with the given quantum (ticks) and number of CPUs.
func New(log logr.Logger, ring *trace.Ring, quantum, cpuCount int) *Scheduler {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	s := &Scheduler{
		log:     log,
		ring:    ring,
		quantum: quantum,
		tasks:   make(map[uint64]*Task),
		current: make(map[int]*atomic.Uint64),
		parked:  make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = &queue{}
	}
	for c := 0; c < cpuCount; c++ {
		s.current[c] = &atomic.Uint64{}
	}
	return s
}

// Spawn registers a new task at the given priority and enqueues it Ready.
func (s *Scheduler) Spawn(processID uint64, priority Priority) *Task {
	id := s.nextID.Add(1)
	t := &Task{ID: id, ProcessID: processID, Priority: priority, state: Ready}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	s.queues[priority].pushBack(id)
	s.wake()
	return t
}

// GetTask looks up a task by ID.
func (s *Scheduler) GetTask(id uint64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, kerrors.E("sched.GetTask", kerrors.NotFound, nil)
	}
	return t, nil
}

// OnTick is called by the timer IRQ once per tick for the given CPU: it
// increments the running task's CPU counter and invokes the scheduler once
// the quantum elapses (spec §4.5 "Dispatch").
func (s *Scheduler) OnTick(cpu int) {
	cur, ok := s.current[cpu]
	if !ok {
		return
	}
	id := cur.Load()
	if id == 0 {
		s.selectNext(cpu)
		return
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		s.selectNext(cpu)
		return
	}
	t.cpuTicks++
	t.quantumUse++
	expired := t.quantumUse >= s.quantum
	s.mu.Unlock()

	if expired {
		s.Preempt(cpu)
	}
}

// Preempt forcibly reconsiders CPU cpu's running task, re-queuing it at the
// tail of its own priority level before selecting the next task.
func (s *Scheduler) Preempt(cpu int) {
	cur, ok := s.current[cpu]
	if !ok {
		return
	}
	id := cur.Swap(0)
	if id != 0 {
		s.mu.Lock()
		t, ok := s.tasks[id]
		s.mu.Unlock()
		if ok && t.state == Running {
			t.state = Ready
			t.quantumUse = 0
			s.queues[t.Priority].pushBack(id)
		}
	}
	s.selectNext(cpu)
}

// selectNext scans priority levels from highest to lowest and assigns the
// first runnable task to cpu, emitting a ContextSwitch trace event (spec
// §4.5 "Dispatch", "Trace"). If nothing is runnable the CPU stays idle.
func (s *Scheduler) selectNext(cpu int) {
	for p := numPriorities - 1; p >= 0; p-- {
		id, ok := s.queues[p].popFront()
		if !ok {
			continue
		}
		s.mu.Lock()
		t := s.tasks[id]
		if t != nil {
			t.state = Running
		}
		s.mu.Unlock()

		s.current[cpu].Store(id)
		if s.ring != nil {
			s.ring.Emit(cpu, trace.EventContextSwitch, id)
		}
		return
	}
}

// YieldNow immediately re-queues the calling CPU's running task at the tail
// of its priority level and selects the next task (spec §4.5 "Cooperative
// yield").
func (s *Scheduler) YieldNow(cpu int) {
	s.Preempt(cpu)
}

// Block marks a task Blocked, recording the resource it is waiting on.
func (s *Scheduler) Block(taskID uint64, waitObject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.state = Blocked
		t.WaitObject = waitObject
	}
}

// Wake moves a Blocked task back to Ready at its priority level.
func (s *Scheduler) Wake(taskID uint64) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.state != Blocked {
		s.mu.Unlock()
		return
	}
	t.state = Ready
	t.WaitObject = ""
	prio := t.Priority
	s.mu.Unlock()

	s.queues[prio].pushBack(taskID)
	s.wake()
}

// Exit marks a task Zombie; it is removed from the registry by Reap.
func (s *Scheduler) Exit(taskID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.state = Zombie
	}
}

// Reap removes a Zombie task from the registry.
func (s *Scheduler) Reap(taskID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return kerrors.E("sched.Reap", kerrors.NotFound, nil)
	}
	if t.state != Zombie {
		return kerrors.E("sched.Reap", kerrors.InvalidArgument, kerrors.New("task not zombie"))
	}
	delete(s.tasks, taskID)
	return nil
}

// HighestRunnablePriority reports the highest priority level with a
// runnable task, or -1 if none, used to assert spec §8 invariant 7.
func (s *Scheduler) HighestRunnablePriority() Priority {
	for p := numPriorities - 1; p >= 0; p-- {
		if s.queues[p].len() > 0 {
			return Priority(p)
		}
	}
	return -1
}

// Current returns the task ID currently running on cpu, or 0 if idle.
func (s *Scheduler) Current(cpu int) uint64 {
	cur, ok := s.current[cpu]
	if !ok {
		return 0
	}
	return cur.Load()
}

// wake unblocks any CPU goroutine parked waiting for runnable work.
func (s *Scheduler) wake() {
	s.parkedMu.Lock()
	close(s.parked)
	s.parked = make(chan struct{})
	s.parkedMu.Unlock()
}

// WaitForWork parks the calling goroutine (standing in for HLT) until a task
// becomes runnable.
func (s *Scheduler) WaitForWork() {
	s.parkedMu.Lock()
	ch := s.parked
	s.parkedMu.Unlock()
	<-ch
}
