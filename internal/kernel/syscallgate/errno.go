// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscallgate

import (
	"github.com/trustos/kernel/internal/kernel/ipc"
	kerrors "github.com/trustos/kernel/pkg/errors"
)

// errno mirrors the negated-errno convention every syscall handler's
// result is mapped through (spec §4.10, §7 "Propagation... the dispatcher
// maps an internal error kind to a negated Linux errno").
const (
	errnoEPERM   = 1
	errnoENOENT  = 2
	errnoEINTR   = 4
	errnoEIO     = 5
	errnoEAGAIN  = 11
	errnoENOMEM  = 12
	errnoEFAULT  = 14
	errnoEBUSY   = 16
	errnoEEXIST  = 17
	errnoENOTDIR = 20
	errnoEISDIR  = 21
	errnoEINVAL  = 22
	errnoENOSPC  = 28
	errnoEROFS   = 30
	errnoEPIPE   = 32
	errnoETIMEDOUT = 110
)

// errnoFor maps an error Kind to its negated Linux errno, per spec §7's
// kind table. ipc.ErrPipeClosed is matched by identity first and maps to
// EPIPE.
func errnoFor(err error) int64 {
	if err == nil {
		return 0
	}
	var pe *kerrors.Error
	if kerrors.As(err, &pe) && pe == ipc.ErrPipeClosed {
		return -errnoEPIPE
	}
	switch kerrors.KindOf(err) {
	case kerrors.NotFound:
		return -errnoENOENT
	case kerrors.PermissionDenied:
		return -errnoEPERM
	case kerrors.AlreadyExists:
		return -errnoEEXIST
	case kerrors.NotDirectory:
		return -errnoENOTDIR
	case kerrors.IsDirectory:
		return -errnoEISDIR
	case kerrors.Busy:
		return -errnoEBUSY
	case kerrors.WouldBlock:
		return -errnoEAGAIN
	case kerrors.Interrupted:
		return -errnoEINTR
	case kerrors.BadAddress:
		return -errnoEFAULT
	case kerrors.NoMemory:
		return -errnoENOMEM
	case kerrors.NoSpace:
		return -errnoENOSPC
	case kerrors.ReadOnly:
		return -errnoEROFS
	case kerrors.InvalidArgument:
		return -errnoEINVAL
	case kerrors.TooLarge:
		return -errnoEINVAL
	case kerrors.TimedOut:
		return -errnoETIMEDOUT
	case kerrors.Corrupted:
		return -errnoEIO
	case kerrors.DeviceFault:
		return -errnoEIO
	default:
		return -errnoEIO
	}
}
