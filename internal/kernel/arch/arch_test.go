// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package arch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGDTRequiresTSSBeforeUse(t *testing.T) {
	g := NewGDT()
	_, err := g.TSS()
	require.Error(t, err)

	g.InstallTSS(0x1000, 0x2000, 0x3000)
	tss, err := g.TSS()
	require.NoError(t, err)
	require.Equal(t, uint64(0x3000), tss.ISTStacks[ISTPageFault])
}

func TestIDTInstallAndSyscallPath(t *testing.T) {
	idt := NewIDT()
	require.False(t, idt.IsInstalled(14))
	require.NoError(t, idt.Install(14, ISTPageFault))
	require.True(t, idt.IsInstalled(14))

	idt.InstallSyscallPath(SyscallMSRs{
		EFERSyscallEnable: true,
		STARKernelCS:      SelKernelCode,
		STARUserCS:        SelUserCode,
		LSTAREntryPoint:   0xFFFF800000100000,
	})
	require.True(t, idt.SyscallMSRs().EFERSyscallEnable)
}

func TestBootHandoffUsableBytes(t *testing.T) {
	h := &BootHandoff{
		MemoryMap: []MemoryRegion{
			{Base: 0x100000, Length: 256 * 1024 * 1024, Kind: RegionUsable},
			{Base: 0, Length: 0x100000, Kind: RegionReserved},
		},
	}
	require.Equal(t, uint64(256*1024*1024), h.UsableBytes())
	require.Equal(t, uint64(0x100000), h.LowestUsableBase())
}
