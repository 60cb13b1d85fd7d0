// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

func TestPipeEchoScenario(t *testing.T) {
	// spec §8 scenario 2.
	r := NewRegistry()
	readFD, writeFD := r.Create()

	writeEnd, err := r.Get(writeFD)
	require.NoError(t, err)

	n, err := writeEnd.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.NoError(t, r.Close(writeFD))

	readEnd, err := r.Get(readFD)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err = readEnd.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(buf[:n]))

	n, err = readEnd.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPipeWriteToClosedReadEndFails(t *testing.T) {
	p := NewPipe()
	p.CloseRead()
	_, err := p.Write([]byte("x"))
	require.ErrorIs(t, err, ErrPipeClosed)
}

func TestPipeTryWriteFullReturnsWouldBlock(t *testing.T) {
	p := NewPipe()
	full := make([]byte, PipeBufSize)
	n, err := p.TryWrite(full)
	require.NoError(t, err)
	require.Equal(t, PipeBufSize, n)

	_, err = p.TryWrite([]byte("x"))
	require.ErrorIs(t, err, &kerrors.Error{Kind: kerrors.WouldBlock})
}

func TestPipeBufferedWithinCapacity(t *testing.T) {
	p := NewPipe()
	_, _ = p.TryWrite([]byte("hello"))
	require.GreaterOrEqual(t, p.Buffered(), 0)
	require.LessOrEqual(t, p.Buffered(), PipeBufSize)
}

func TestFutexWaitWrongValueReturnsImmediately(t *testing.T) {
	f := NewFutexTable()
	load := func(uint64) uint32 { return 5 }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := f.Wait(ctx, 0x1000, 99, 1, load)
	require.ErrorIs(t, err, &kerrors.Error{Kind: kerrors.WouldBlock})
}

func TestFutexWakeInInsertionOrder(t *testing.T) {
	f := NewFutexTable()
	load := func(uint64) uint32 { return 0 }

	done := make(chan uint64, 2)
	go func() {
		_ = f.Wait(context.Background(), 0x2000, 0, 1, load)
		done <- 1
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		_ = f.Wait(context.Background(), 0x2000, 0, 2, load)
		done <- 2
	}()
	time.Sleep(10 * time.Millisecond)

	require.Equal(t, 2, f.WaiterCount(0x2000))
	woken := f.Wake(0x2000, 1)
	require.Equal(t, 1, woken)
	require.Equal(t, uint64(1), <-done)
}

func TestFutexTimeout(t *testing.T) {
	f := NewFutexTable()
	load := func(uint64) uint32 { return 0 }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := f.Wait(ctx, 0x3000, 0, 1, load)
	require.ErrorIs(t, err, &kerrors.Error{Kind: kerrors.TimedOut})
}
