// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package timeservice implements the kernel's time services (spec §4.12):
// a tick counter advanced by the timer IRQ, a monotonic clock, and an RTC
// wall-clock snapshot extrapolated from the monotonic clock.
package timeservice

import (
	"sync/atomic"
	"time"
)

// DefaultTickHz is the timer frequency (ticks per second) New uses when it
// is given a non-positive rate; the service's rate lets /proc/uptime be
// derived from the tick counter alone (spec §4.12).
const DefaultTickHz = 100

// Service tracks uptime ticks and exposes monotonic and wall-clock reads.
type Service struct {
	tickHz  int
	ticks   atomic.Uint64
	bootMono time.Time
	bootWall time.Time
}

// New creates a time service. bootWall is read once at boot (standing in for
// a bracketed CMOS RTC read); every subsequent wall-clock read extrapolates
// from the monotonic clock instead of re-reading the RTC, exactly as the
// original kernel does to avoid update-in-progress races.
func New(tickHz int) *Service {
	if tickHz <= 0 {
		tickHz = DefaultTickHz
	}
	return &Service{
		tickHz:   tickHz,
		bootMono: time.Now(),
		bootWall: time.Now(),
	}
}

// Advance is called by the timer IRQ handler once per tick.
func (s *Service) Advance() {
	s.ticks.Add(1)
}

// Ticks returns the current tick count.
func (s *Service) Ticks() uint64 {
	return s.ticks.Load()
}

// Uptime returns (seconds, hundredths) since boot, the exact decomposition
// /proc/uptime's "<seconds>.<hundredths> 0.00\n" format needs (spec §6).
func (s *Service) Uptime() (seconds uint64, hundredths uint64) {
	ticks := s.ticks.Load()
	seconds = ticks / uint64(s.tickHz)
	remainder := ticks % uint64(s.tickHz)
	hundredths = remainder * 100 / uint64(s.tickHz)
	return
}

// Monotonic returns nanoseconds since boot, standing in for a TSC/HPET read.
func (s *Service) Monotonic() time.Duration {
	return time.Since(s.bootMono)
}

// WallClock extrapolates the current wall-clock time from the boot-time RTC
// snapshot plus elapsed monotonic time.
func (s *Service) WallClock() time.Time {
	return s.bootWall.Add(s.Monotonic())
}
