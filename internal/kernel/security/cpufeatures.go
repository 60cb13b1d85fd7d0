// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package security

import "sync"

// Features records which CPU security features the boot handoff reports as
// present, and whether each has been engaged (spec §4.1 step 6, §4.9 "CPU
// features").
type Features struct {
	NXPresent, NXEnabled     bool
	SMEPPresent, SMEPEnabled bool
	UMIPPresent, UMIPEnabled bool
	SMAPPresent              bool // SMAP is only ever engaged via UserAccess brackets
}

// Init enables NX/SMEP/UMIP unconditionally when the boot handoff reports
// them present, and records SMAP's presence without enabling it — SMAP is
// engaged per-access via UserAccess (spec §4.9, Open Question #2).
func Init(nx, smep, umip, smap bool) Features {
	return Features{
		NXPresent: nx, NXEnabled: nx,
		SMEPPresent: smep, SMEPEnabled: smep,
		UMIPPresent: umip, UMIPEnabled: umip,
		SMAPPresent: smap,
	}
}

// smapBracket serializes the logical AC-flag state so concurrent
// UserAccess calls from different CPU goroutines do not race on the
// simulated flag itself. In real hardware STAC/CLAC are per-CPU; here they
// guard a single shared boolean since the invariant being modeled is
// "intentional vs accidental user access", not per-core state.
var smapBracket sync.Mutex

// UserAccess brackets fn with the SMAP-equivalent STAC/CLAC discipline spec
// §4.9's Open Question #2 requires: every kernel read/write of user-owned
// memory must happen inside this bracket. Its call sites are the syscall
// gate's user-memory copies: copyFromUser, copyToUser and readCString.
func UserAccess(fn func() error) error {
	smapBracket.Lock()
	defer smapBracket.Unlock()
	return fn()
}
