// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSignals struct {
	mu      sync.Mutex
	pending map[int]map[int]bool // pgid -> signal set
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{pending: make(map[int]map[int]bool)}
}

func (f *fakeSignals) Killpg(pgid, sig int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[pgid] == nil {
		f.pending[pgid] = make(map[int]bool)
	}
	f.pending[pgid][sig] = true
}

func (f *fakeSignals) has(pgid, sig int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[pgid][sig]
}

func TestSignalToForegroundGroupScenario(t *testing.T) {
	// spec §8 scenario 5.
	reg := NewPTYRegistry(nil)
	pair, err := reg.Alloc()
	require.NoError(t, err)

	pair.SetForegroundPGID(42)
	signals := newFakeSignals()

	_, err = pair.MasterWrite([]byte{0x03}, signals)
	require.NoError(t, err)

	require.True(t, signals.has(42, SIGINT))
}

func TestPTYEchoAndSlaveName(t *testing.T) {
	reg := NewPTYRegistry(nil)
	pair, err := reg.Alloc()
	require.NoError(t, err)
	require.Equal(t, "/dev/pts/0", SlaveName(pair.Index))

	_, err = pair.MasterWrite([]byte("hi"), nil)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := pair.SlaveRead(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))

	n, err = pair.MasterRead(buf) // echoed bytes
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}
