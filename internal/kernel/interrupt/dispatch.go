// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package interrupt implements the kernel's interrupt dispatch machinery
// (spec §4.4): vector layout, exception handling (with the page-fault
// resolution order spec §4.4 specifies), and the IRQ path. Interrupt
// handlers here run on a dedicated per-CPU goroutine and must never block.
package interrupt

import (
	"sync"

	"github.com/go-logr/logr"
)

// Vector numbers, matching spec §4.4's layout.
const (
	VectorDivideError   = 0
	VectorPageFault     = 14
	VectorGeneralProt   = 13
	VectorInvalidOpcode = 6
	VectorDoubleFault   = 8
	VectorIRQBase       = 32
	VectorIRQMax        = 47
	VectorTimer         = 0x80
	VectorSpurious      = 0xFF
)

// Resolution is the outcome an exception handler returns instead of
// long-jumping via panic/signal (spec §9's re-architecture of "exceptions
// for control flow" into explicit state transitions).
type Resolution struct {
	Action  ResolutionAction
	Signal  int // valid when Action == DeliverSignal
	ExitCode int // valid when Action == Terminate
}

type ResolutionAction int

const (
	Resume ResolutionAction = iota
	DeliverSignal
	Terminate
)

// PageFaultInfo is the decoded page-fault error code plus faulting address
// (spec §4.4: "read CR2 ... decode error-code bits").
type PageFaultInfo struct {
	Addr      uint64
	Write     bool
	FromUser  bool
}

// PageFaultResolver implements spec §4.4's dispatch order for a page fault:
// COW resolution, demand paging, signal delivery, or kernel oops.
type PageFaultResolver interface {
	ResolvePageFault(taskID uint64, info PageFaultInfo) Resolution
}

// ExceptionHandler handles a non-page-fault CPU exception.
type ExceptionHandler func(taskID uint64, vector int) Resolution

// IRQHandler services one device interrupt identified by its
// global-system-interrupt number.
type IRQHandler func(gsi int)

// Controller owns the simulated IDT: exception handlers, IRQ routing, and
// the timer-tick fan-out to the scheduler and time service.
type Controller struct {
	log logr.Logger

	mu          sync.Mutex
	exceptions  map[int]ExceptionHandler
	irqRouting  map[int]int // gsi -> vector
	irqHandlers map[int]IRQHandler

	pageFault PageFaultResolver
	onTimer   func()
}

// NewController creates a controller. onTimer is invoked on every timer IRQ
// (wired by the boot sequencer to scheduler.OnTick + timeservice.Advance);
// pageFault resolves page faults per spec §4.4.
func NewController(log logr.Logger, pageFault PageFaultResolver, onTimer func()) *Controller {
	return &Controller{
		log:         log,
		exceptions:  make(map[int]ExceptionHandler),
		irqRouting:  make(map[int]int),
		irqHandlers: make(map[int]IRQHandler),
		pageFault:   pageFault,
		onTimer:     onTimer,
	}
}

// SetException installs a handler for a CPU exception vector (0-31),
// excluding the page fault which always routes to pageFault.
func (c *Controller) SetException(vector int, h ExceptionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptions[vector] = h
}

// RouteIRQ binds a global-system-interrupt to a vector and handler, modeling
// IOAPIC programming (spec §4.1 step 5, §4.4 "IRQ path").
func (c *Controller) RouteIRQ(gsi, vector int, h IRQHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irqRouting[gsi] = vector
	c.irqHandlers[gsi] = h
}

// DispatchPageFault routes a page fault through the resolver and returns its
// resolution. Callers (the simulated trap path) act on the Resolution.
func (c *Controller) DispatchPageFault(taskID uint64, info PageFaultInfo) Resolution {
	if c.pageFault == nil {
		return Resolution{Action: Terminate, ExitCode: -1}
	}
	return c.pageFault.ResolvePageFault(taskID, info)
}

// DispatchException routes a non-page-fault exception.
func (c *Controller) DispatchException(taskID uint64, vector int) Resolution {
	c.mu.Lock()
	h := c.exceptions[vector]
	c.mu.Unlock()
	if h == nil {
		c.log.Info("unhandled exception, terminating task", "vector", vector, "task", taskID)
		return Resolution{Action: Terminate, ExitCode: -1}
	}
	return h(taskID, vector)
}

// DispatchIRQ runs the device callback registered for gsi, then calls
// FireTimer if it was the timer GSI's vector. Handlers must not block: this
// method runs on the per-CPU interrupt goroutine.
func (c *Controller) DispatchIRQ(gsi int) {
	c.mu.Lock()
	h := c.irqHandlers[gsi]
	vector, routed := c.irqRouting[gsi]
	c.mu.Unlock()
	if h != nil {
		h(gsi)
	}
	if routed && vector == VectorTimer {
		c.FireTimer()
	}
}

// FireTimer is called once per simulated timer tick; it fans out to the
// scheduler and time service without itself becoming a scheduling decision
// point (spec §4.4: "Timer IRQ additionally calls scheduler::on_tick and
// time::advance").
func (c *Controller) FireTimer() {
	if c.onTimer != nil {
		c.onTimer()
	}
}
