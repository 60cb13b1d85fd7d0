// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package timeservice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUptimeDerivedFromTicks(t *testing.T) {
	s := New(100)
	for i := 0; i < 250; i++ {
		s.Advance()
	}
	seconds, hundredths := s.Uptime()
	require.EqualValues(t, 2, seconds)
	require.EqualValues(t, 50, hundredths)
}

func TestMonotonicNeverGoesBackward(t *testing.T) {
	s := New(100)
	first := s.Monotonic()
	second := s.Monotonic()
	require.True(t, second >= first)
}
