// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package boot wires every subsystem into a running kernel (spec §4.1 "Boot
// sequence"). Bring-up happens in this order: architecture tables, physical
// memory, the kernel heap (with the MMIO window and kernel address space),
// tracing, time, capabilities, the scheduler, interrupt dispatch, processes,
// the VFS, IPC, the driver framework, and finally the syscall gate.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/trustos/kernel/internal/config"
	"github.com/trustos/kernel/internal/kernel/arch"
	"github.com/trustos/kernel/internal/kernel/driver"
	"github.com/trustos/kernel/internal/kernel/interrupt"
	"github.com/trustos/kernel/internal/kernel/ipc"
	"github.com/trustos/kernel/internal/kernel/mm"
	"github.com/trustos/kernel/internal/kernel/proc"
	"github.com/trustos/kernel/internal/kernel/sched"
	"github.com/trustos/kernel/internal/kernel/security"
	"github.com/trustos/kernel/internal/kernel/syscallgate"
	"github.com/trustos/kernel/internal/kernel/timeservice"
	"github.com/trustos/kernel/internal/kernel/trace"
	"github.com/trustos/kernel/internal/kernel/vfs"
	"github.com/trustos/kernel/internal/kernel/vfs/trustfs"
)

// Kernel is every subsystem handle produced by Boot, held together so a
// caller (the daemon's run loop, or a test) can drive the simulation without
// reaching back into package internals.
type Kernel struct {
	Config  config.Config
	Handoff *arch.BootHandoff

	GDT      *arch.GDT
	IDT      *arch.IDT
	Features security.Features

	Frames   *mm.FrameAllocator
	Refs     *mm.RefcountTable
	Heap     *mm.Heap
	MMIO     *mm.MMIOMapper
	KernelAS *mm.AddressSpace
	Phys     *mm.PhysAccess

	Ring  *trace.Ring
	Time  *timeservice.Service
	IRQs  *interrupt.Controller
	Caps  security.CapabilityStore
	Sched *sched.Scheduler
	Procs *proc.Table

	Mounts   *vfs.MountTable
	Resolver *vfs.Resolver
	ProcFS   *vfs.ProcFS
	Root     *trustfs.TrustFS
	RootDev  trustfs.Device

	Pipes   *ipc.Registry
	Futexes *ipc.FutexTable
	PTYs    *ipc.PTYRegistry

	Drivers *driver.Framework
	Gate    *syscallgate.Gate

	log       logr.Logger
	procStats *vfs.ProcStats
	cpuGroup  *errgroup.Group
}

// Wait blocks until every per-CPU goroutine started by bringUpCPUs returns,
// which happens once the boot context is cancelled.
func (k *Kernel) Wait() error {
	if k.cpuGroup == nil {
		return nil
	}
	return k.cpuGroup.Wait()
}

// syntheticHandoff builds the boot memory map a Limine-compatible loader
// would hand off, sized from cfg — there is no real loader underneath a
// userspace simulator.
func syntheticHandoff(cfg config.Config) *arch.BootHandoff {
	return &arch.BootHandoff{
		MemoryMap: []arch.MemoryRegion{
			{Base: 0, Length: 0x100000, Kind: arch.RegionReserved},
			{Base: 0x100000, Length: cfg.Memory.UsableBytes, Kind: arch.RegionUsable},
		},
		HHDMOffset:  cfg.Memory.HHDMOffset,
		CommandLine: cfg.CommandLine,
	}
}

// Boot runs the full sequence and returns a live Kernel. log is the root
// logger every subsystem derives its name from, the way the teacher's
// manager threads a single logr.Logger through every component it starts.
func Boot(ctx context.Context, log logr.Logger, cfg config.Config) (*Kernel, error) {
	handoff := syntheticHandoff(cfg)

	k := &Kernel{
		Config:  cfg,
		Handoff: handoff,
		log:     log.WithName("boot"),
	}

	k.log.Info("stage: arch init")
	k.GDT = arch.NewGDT()
	k.GDT.InstallTSS(
		handoff.LowestUsableBase()+handoff.UsableBytes()-8192,
		handoff.LowestUsableBase()+handoff.UsableBytes()-16384,
		handoff.LowestUsableBase()+handoff.UsableBytes()-24576,
	)
	k.IDT = arch.NewIDT()
	k.IDT.InstallSyscallPath(arch.SyscallMSRs{
		EFERSyscallEnable: true,
		STARKernelCS:      arch.SelKernelCode,
		STARUserCS:        arch.SelUserCode,
		LSTAREntryPoint:   handoff.HHDMOffset,
	})
	k.Features = security.Init(
		cfg.CPUFeatures.NX, cfg.CPUFeatures.SMEP, cfg.CPUFeatures.UMIP, cfg.CPUFeatures.SMAP,
	)

	k.log.Info("stage: physical memory")
	k.Frames = mm.NewFrameAllocator(mm.Frame(handoff.LowestUsableBase()), handoff.UsableBytes())
	k.Refs = mm.NewRefcountTable()
	k.Phys = mm.NewPhysAccess(handoff.LowestUsableBase() + handoff.UsableBytes())

	k.log.Info("stage: kernel heap")
	k.Heap = mm.NewHeap(cfg.Memory.HeapSizeBytes)
	k.MMIO = mm.NewMMIOMapper(handoff.HHDMOffset + handoff.UsableBytes())
	k.KernelAS = mm.NewAddressSpace(k.Frames, k.Refs)

	k.log.Info("stage: tracing")
	k.Ring = trace.NewRing(4096)

	k.log.Info("stage: time")
	k.Time = timeservice.New(cfg.Scheduler.TickHz)

	k.log.Info("stage: capabilities")
	if cfg.Security.Durable {
		durable, err := security.NewBadgerRegistry(cfg.Security.DataDir)
		if err != nil {
			return nil, fmt.Errorf("boot: capabilities: %w", err)
		}
		k.Caps = durable
	} else {
		k.Caps = security.NewRegistry()
	}

	k.log.Info("stage: scheduler")
	k.Sched = sched.New(log.WithName("sched"), k.Ring, cfg.Scheduler.QuantumTicks, cfg.Scheduler.CPUCount)

	k.log.Info("stage: interrupt dispatch")
	k.IRQs = interrupt.NewController(log.WithName("interrupt"), &pageFaultResolver{k: k}, func() {
		k.Time.Advance()
		for cpu := 0; cpu < cfg.Scheduler.CPUCount; cpu++ {
			k.Sched.OnTick(cpu)
		}
		k.refreshProcStats()
	})

	k.log.Info("stage: process table")
	k.Procs = proc.NewTable(log.WithName("proc"), k.Sched, k.Frames, k.Refs, k.Phys)

	if err := k.bootVFS(); err != nil {
		return nil, fmt.Errorf("boot: vfs: %w", err)
	}

	k.log.Info("stage: ipc")
	k.Pipes = ipc.NewRegistry()
	k.Futexes = ipc.NewFutexTable()
	k.PTYs = ipc.NewPTYRegistry(k.Procs)

	k.log.Info("stage: driver framework")
	k.Drivers = driver.NewFramework(log.WithName("driver"),
		mmioAdapter{mapper: k.MMIO, kernelAS: k.KernelAS},
		irqAdapter{ctrl: k.IRQs},
	)

	k.log.Info("stage: syscall gate")
	k.Gate = syscallgate.NewGate(log.WithName("syscall"))
	k.Gate.Procs = k.Procs
	k.Gate.Resolver = k.Resolver
	k.Gate.Pipes = k.Pipes
	k.Gate.Futexes = k.Futexes
	k.Gate.PTYs = k.PTYs
	k.Gate.Caps = k.Caps
	k.Gate.Ring = k.Ring
	k.Gate.Phys = k.Phys

	k.wireMemorySyscalls()

	k.log.Info("stage: bring up application processors")
	if err := k.bringUpCPUs(ctx, cfg.Scheduler.CPUCount); err != nil {
		return nil, fmt.Errorf("boot: cpu bring-up: %w", err)
	}

	k.log.Info("boot complete", "cpus", cfg.Scheduler.CPUCount, "usable_bytes", handoff.UsableBytes())
	return k, nil
}

// bootVFS formats (or mounts, if an image already exists) the root TrustFS
// volume, mounts procfs at /proc, and wires the path resolver.
func (k *Kernel) bootVFS() error {
	size := k.Config.TrustFS.SizeBytes
	sectors := size / trustfs.SectorSize
	if sectors < trustfs.SectorDataBase+16 {
		sectors = trustfs.SectorDataBase + 16
	}
	dev := trustfs.NewMemDevice(sectors)
	root, err := trustfs.Format(dev, sectors)
	if err != nil {
		return err
	}
	k.RootDev = dev
	k.Root = root

	k.Mounts = vfs.NewMountTable(root)

	k.procStats = &vfs.ProcStats{
		HeapTotalKB: k.Config.Memory.HeapSizeBytes / 1024,
		CPUCount:    k.Config.Scheduler.CPUCount,
		Mounts:      func() []vfs.MountInfo { return k.Mounts.List() },
	}
	k.ProcFS = vfs.NewProcFS(k.procStats, k.Config.CommandLine)
	if err := k.Mounts.Mount("/proc", k.ProcFS); err != nil {
		return err
	}

	k.Resolver = &vfs.Resolver{Mounts: k.Mounts}
	return nil
}

// bringUpCPUs starts one goroutine per configured CPU, each running runCPU,
// matching the teacher's pattern of
// an errgroup fanning out uniform per-worker goroutines (pkg/performance's
// collector manager uses the same shape for per-collector workers).
func (k *Kernel) bringUpCPUs(ctx context.Context, cpuCount int) error {
	g, gctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < cpuCount; cpu++ {
		cpu := cpu
		g.Go(func() error {
			return runCPU(gctx, k, cpu)
		})
	}
	// bringUpCPUs itself does not block boot on the CPUs running forever;
	// the daemon's run loop is responsible for waiting on the returned
	// errgroup via Kernel.Wait if it wants to block until shutdown.
	k.cpuGroup = g
	return nil
}

// refreshProcStats snapshots live subsystem state into the plain fields
// procfs renders, called once per timer tick (spec §6: "/proc files reflect
// kernel state as of the last tick, not a live read").
func (k *Kernel) refreshProcStats() {
	if k.procStats == nil {
		return
	}
	hs := k.Heap.Stats()
	seconds, hundredths := k.Time.Uptime()
	k.procStats.HeapUsedKB = hs.BytesUsed / 1024
	k.procStats.HeapFreeKB = hs.BytesFree / 1024
	k.procStats.UptimeSeconds = seconds
	k.procStats.UptimeHundredths = hundredths
	k.procStats.Ticks = k.Time.Ticks()
}

// runCPU drives one simulated CPU's timer IRQ. Only CPU 0 fires the shared
// timer tick into the interrupt controller — a real APIC-per-CPU local
// timer is out of scope for the simulator (spec's SMP Non-goal), so the
// remaining CPUs block until ctx is cancelled. No CPU goroutine dequeues
// tasks from the scheduler's ready queues.
func runCPU(ctx context.Context, k *Kernel, cpu int) error {
	k.log.V(1).Info("cpu online", "cpu", cpu)
	if cpu != 0 {
		<-ctx.Done()
		return nil
	}

	period := time.Second / time.Duration(k.Config.Scheduler.TickHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.IRQs.FireTimer()
		}
	}
}

// wireMemorySyscalls registers the mmap/munmap/mprotect/brk family against
// the gate. These are registered by the boot sequencer rather than inside
// syscallgate, and use the kernel's frame allocator and refcount table
// directly.
func (k *Kernel) wireMemorySyscalls() {
	k.Gate.Register(syscallgate.SysMmap, func(g *syscallgate.Gate, pid uint64, f *syscallgate.Frame) (uint64, error) {
		p, err := k.Procs.Get(pid)
		if err != nil {
			return 0, err
		}
		length := f.Arg1
		pages := (length + mm.FrameSize - 1) / mm.FrameSize
		if pages == 0 {
			pages = 1
		}
		flags := mmProtFlags(f.Arg2) | mm.User
		base := f.Arg0
		for i := uint64(0); i < pages; i++ {
			frame, err := k.Frames.AllocFrame()
			if err != nil {
				return 0, err
			}
			if err := p.AddressSpace.Map(base+i*mm.FrameSize, frame, flags); err != nil {
				return 0, err
			}
		}
		return base, nil
	})

	k.Gate.Register(syscallgate.SysMunmap, func(g *syscallgate.Gate, pid uint64, f *syscallgate.Frame) (uint64, error) {
		p, err := k.Procs.Get(pid)
		if err != nil {
			return 0, err
		}
		length := f.Arg1
		pages := (length + mm.FrameSize - 1) / mm.FrameSize
		for i := uint64(0); i < pages; i++ {
			frame, err := p.AddressSpace.Unmap(f.Arg0 + i*mm.FrameSize)
			if err != nil {
				return 0, err
			}
			if k.Refs.Count(frame) <= 1 {
				k.Frames.FreeFrame(frame)
			} else {
				k.Refs.Decrement(frame)
			}
		}
		return 0, nil
	})

	k.Gate.Register(syscallgate.SysMprotect, func(g *syscallgate.Gate, pid uint64, f *syscallgate.Frame) (uint64, error) {
		p, err := k.Procs.Get(pid)
		if err != nil {
			return 0, err
		}
		length := f.Arg1
		pages := (length + mm.FrameSize - 1) / mm.FrameSize
		flags := mmProtFlags(f.Arg2) | mm.User
		for i := uint64(0); i < pages; i++ {
			if err := p.AddressSpace.Protect(f.Arg0+i*mm.FrameSize, flags); err != nil {
				return 0, err
			}
		}
		return 0, nil
	})

	k.Gate.Register(syscallgate.SysBrk, func(g *syscallgate.Gate, pid uint64, f *syscallgate.Frame) (uint64, error) {
		// brk has no per-process program-break tracking in this simulator
		// (spec's process model manages the heap only at kernel level);
		// user-space allocators are expected to use mmap instead.
		return f.Arg0, nil
	})
}

// mmProtFlags translates a PROT_READ|PROT_WRITE|PROT_EXEC bitmask (Linux
// mmap's Arg2 convention: 1=read, 2=write, 4=exec) into page-table flags.
func mmProtFlags(prot uint64) mm.Flags {
	flags := mm.Present
	if prot&0x2 != 0 {
		flags |= mm.Writable
	}
	if prot&0x4 == 0 {
		flags |= mm.NoExecute
	}
	return flags
}

// pageFaultResolver implements interrupt.PageFaultResolver by routing write
// faults through mm.HandleCOWFault (spec §4.4's page-fault dispatch order:
// COW resolution first). A fault that is not a COW fault — no demand paging
// is implemented — is reported to the faulting task as SIGSEGV rather than
// resumed. It holds the whole Kernel rather than individual fields because
// it is constructed during the interrupt-dispatch stage, before k.Procs
// exists; by the time a real fault fires, boot has long since finished.
type pageFaultResolver struct {
	k *Kernel
}

func (r *pageFaultResolver) ResolvePageFault(taskID uint64, info interrupt.PageFaultInfo) interrupt.Resolution {
	p, err := r.k.Procs.Get(taskID)
	if err != nil {
		return interrupt.Resolution{Action: interrupt.Terminate, ExitCode: -1}
	}
	if info.Write {
		if err := mm.HandleCOWFault(p.AddressSpace, r.k.Frames, r.k.Refs, info.Addr, r.k.Phys.CopyPage); err == nil {
			return interrupt.Resolution{Action: interrupt.Resume}
		}
	}
	return interrupt.Resolution{Action: interrupt.DeliverSignal, Signal: proc.SIGSEGV}
}

// mmioAdapter bridges mm.MMIOMapper's AddressSpace-qualified Map to the
// driver package's narrower (phys, size) signature. kernelAS is the shared
// kernel address space every MMIO window is installed into, since device
// drivers run with kernel privilege, never inside a process's own map.
type mmioAdapter struct {
	mapper   *mm.MMIOMapper
	kernelAS *mm.AddressSpace
}

func (a mmioAdapter) Map(phys, size uint64) (uint64, error) {
	return a.mapper.Map(a.kernelAS, phys, size)
}

// irqAdapter bridges interrupt.Controller's handler-carrying RouteIRQ to the
// driver package's handler-less signature. Device-specific IRQ service
// routines are out of this simulator's scope (spec's driver framework
// Non-goal), so the adapter installs a no-op handler; a concrete driver
// that needs real servicing registers its own handler directly against
// Kernel.IRQs instead of going through the Framework broker.
type irqAdapter struct {
	ctrl *interrupt.Controller
}

func (a irqAdapter) RouteIRQ(gsi, vector int) {
	a.ctrl.RouteIRQ(gsi, vector, func(int) {})
}
