// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package syscallgate implements the system-call surface (spec §4.10): a
// dense dispatch table keyed by the Linux x86_64 syscall numbers the
// kernel subsets, user-pointer validation, and the Kind→errno mapping
// applied to every handler's result.
package syscallgate

// Syscall numbers (spec §7 "Syscall surface"): the subset of the Linux
// x86_64 table this kernel implements.
const (
	SysRead           = 0
	SysWrite          = 1
	SysOpen           = 2
	SysClose          = 3
	SysStat           = 4
	SysFstat          = 5
	SysLstat          = 6
	SysPoll           = 7
	SysLseek          = 8
	SysMmap           = 9
	SysMprotect       = 10
	SysMunmap         = 11
	SysBrk            = 12
	SysRtSigaction    = 13
	SysRtSigprocmask  = 14
	SysIoctl          = 16
	SysPipe           = 22
	SysDup            = 32
	SysDup2           = 33
	SysGetpid         = 39
	SysFork           = 57
	SysExecve         = 59
	SysExit           = 60
	SysWait4          = 61
	SysUname          = 63
	SysGetcwd         = 79
	SysChdir          = 80
	SysMkdir          = 83
	SysUnlink         = 87
	SysFutex          = 202
	SysOpenat         = 257
	SysFaccessat      = 269
	SysSetTidAddress  = 218
	SysPrlimit64      = 302
	SysGetrandom      = 318
	SysExitGroup      = 231
)

// Frame is the syscall argument/result frame the assembly prologue would
// build before calling into the dispatcher (spec §4.10: "shuffles the
// Linux ABI registers... into the C ABI the dispatcher expects").
type Frame struct {
	Num        uint64
	Arg0, Arg1 uint64
	Arg2, Arg3 uint64
	Arg4, Arg5 uint64
	CallerPID  uint64
	CallerCPU  int
}
