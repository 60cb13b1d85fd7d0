// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package arch models the x86_64 boot-time descriptor tables (spec §4.1
// "Boot & Architecture Init"): a simulated GDT/TSS/IDT and the
// SYSCALL-path MSRs, plus the boot-handoff structures a Limine-compatible
// loader would hand the kernel. There is no real segmentation or ring
// transition in a userspace simulator, so these types record the
// decisions the real init sequence would make and assert its invariants,
// rather than writing descriptor bytes.
package arch

import kerrors "github.com/trustos/kernel/pkg/errors"

// Selector indexes a GDT entry.
type Selector uint16

const (
	SelNull Selector = iota * 8
	SelKernelCode
	SelKernelData
	SelUserCode
	SelUserData
)

// IST indexes one of the TSS's interrupt-stack-table slots.
type IST int

const (
	ISTDoubleFault IST = iota + 1
	ISTNMI
	ISTPageFault
)

// TSS models the task-state segment's IST stack pointers (spec: "a TSS
// whose IST stacks cover double-fault, NMI, and page-fault").
type TSS struct {
	ISTStacks map[IST]uint64
}

// GDT is the flat 64-bit global descriptor table: kernel code/data and
// user code/data segments plus one TSS descriptor (spec: "a flat 64-bit
// GDT with kernel code/data and user code/data segments plus a TSS").
type GDT struct {
	selectors []Selector
	tss       *TSS
}

func NewGDT() *GDT {
	return &GDT{selectors: []Selector{SelNull, SelKernelCode, SelKernelData, SelUserCode, SelUserData}}
}

// InstallTSS attaches stacks for the three IST slots the spec requires.
func (g *GDT) InstallTSS(doubleFault, nmi, pageFault uint64) {
	g.tss = &TSS{ISTStacks: map[IST]uint64{
		ISTDoubleFault: doubleFault,
		ISTNMI:         nmi,
		ISTPageFault:   pageFault,
	}}
}

func (g *GDT) TSS() (*TSS, error) {
	if g.tss == nil {
		return nil, kerrors.E("arch.GDT.TSS", kerrors.InvalidArgument, kerrors.New("TSS not installed"))
	}
	return g.tss, nil
}

// SyscallMSRs records the MSR values the SYSCALL path depends on (spec:
// "the SYSCALL path is established by setting EFER.SCE, STAR, LSTAR, and
// SFMASK").
type SyscallMSRs struct {
	EFERSyscallEnable bool
	STARKernelCS      Selector
	STARUserCS        Selector
	LSTAREntryPoint   uint64
	SFMASKClearFlags  uint64
}

// IDTEntry is one vector's handler binding.
type IDTEntry struct {
	Vector  int
	IST     IST // 0 if the vector does not use an IST stack
	Present bool
}

// IDT is the interrupt descriptor table: 256 vectors, installed once
// during boot (spec: "CPU exceptions (0-31) get dedicated handlers; IRQ
// vectors 32-47 are wired to PIC/IOAPIC-routed stubs").
type IDT struct {
	entries [256]IDTEntry
	msrs    SyscallMSRs
}

func NewIDT() *IDT {
	idt := &IDT{}
	for v := range idt.entries {
		idt.entries[v] = IDTEntry{Vector: v}
	}
	return idt
}

func (idt *IDT) Install(vector int, ist IST) error {
	if vector < 0 || vector > 255 {
		return kerrors.E("arch.IDT.Install", kerrors.InvalidArgument, nil)
	}
	idt.entries[vector] = IDTEntry{Vector: vector, IST: ist, Present: true}
	return nil
}

func (idt *IDT) InstallSyscallPath(msrs SyscallMSRs) {
	idt.msrs = msrs
}

func (idt *IDT) SyscallMSRs() SyscallMSRs {
	return idt.msrs
}

func (idt *IDT) IsInstalled(vector int) bool {
	if vector < 0 || vector > 255 {
		return false
	}
	return idt.entries[vector].Present
}

// CPUFeatureBits is what CPUID would report for the features the boot
// sequence cares about (spec §4.1 step 6, §4.9 "CPU features").
type CPUFeatureBits struct {
	NX, SMEP, SMAP, UMIP bool
}
