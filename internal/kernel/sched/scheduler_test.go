// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestHighestPriorityScheduledFirst(t *testing.T) {
	s := New(logr.Discard(), nil, DefaultQuantum, 1)

	low := s.Spawn(1, Low)
	high := s.Spawn(1, High)
	_ = low

	s.OnTick(0) // CPU idle -> selects a task
	require.Equal(t, high.ID, s.Current(0))
	require.Equal(t, Low, s.HighestRunnablePriority()) // low still waiting below
}

func TestQuantumExpiryRequeuesAtTail(t *testing.T) {
	s := New(logr.Discard(), nil, 2, 1)

	a := s.Spawn(1, Normal)
	b := s.Spawn(1, Normal)

	s.OnTick(0)
	require.Equal(t, a.ID, s.Current(0))

	s.OnTick(0) // quantum 2 -> not yet expired
	require.Equal(t, a.ID, s.Current(0))

	s.OnTick(0) // second tick of a's quantum expires it; b runs next
	require.Equal(t, b.ID, s.Current(0))
}

func TestBlockAndWake(t *testing.T) {
	s := New(logr.Discard(), nil, DefaultQuantum, 1)
	task := s.Spawn(1, Normal)
	s.OnTick(0)
	require.Equal(t, task.ID, s.Current(0))

	s.Block(task.ID, "pipe:1")
	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, Blocked, got.State())

	s.Wake(task.ID)
	got, _ = s.GetTask(task.ID)
	require.Equal(t, Ready, got.State())
}

func TestExitAndReap(t *testing.T) {
	s := New(logr.Discard(), nil, DefaultQuantum, 1)
	task := s.Spawn(1, Normal)
	s.Exit(task.ID)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, Zombie, got.State())

	require.NoError(t, s.Reap(task.ID))
	_, err = s.GetTask(task.ID)
	require.Error(t, err)
}
