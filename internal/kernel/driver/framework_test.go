// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package driver

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

var errFake = errors.New("fake driver start failure")

type fakeDriver struct {
	match      bool
	started    bool
	stopped    bool
	startFails bool
}

func (d *fakeDriver) Probe(desc DeviceDescriptor) bool { return d.match && desc.VendorID == 0xBEEF }
func (d *fakeDriver) Start() error {
	if d.startFails {
		return errFake
	}
	d.started = true
	return nil
}
func (d *fakeDriver) Stop() error {
	d.stopped = true
	return nil
}

func TestRegisterAndProbeStartsMatchingDriver(t *testing.T) {
	fw := NewFramework(logr.Discard(), nil, nil)
	var started *fakeDriver
	require.NoError(t, fw.Register("virtio-net", CategoryNetwork, func() Driver {
		started = &fakeDriver{match: true}
		return started
	}))

	name, err := fw.ProbeAll(DeviceDescriptor{VendorID: 0xBEEF})
	require.NoError(t, err)
	require.Equal(t, "virtio-net", name)
	require.True(t, started.started)
	require.Contains(t, fw.Started(), "virtio-net")
}

func TestProbeAllNoMatchReturnsNotFound(t *testing.T) {
	fw := NewFramework(logr.Discard(), nil, nil)
	require.NoError(t, fw.Register("virtio-net", CategoryNetwork, func() Driver {
		return &fakeDriver{match: false}
	}))

	_, err := fw.ProbeAll(DeviceDescriptor{VendorID: 0xBEEF})
	require.Error(t, err)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	fw := NewFramework(logr.Discard(), nil, nil)
	factory := func() Driver { return &fakeDriver{} }
	require.NoError(t, fw.Register("dup", CategoryBus, factory))
	err := fw.Register("dup", CategoryBus, factory)
	require.Error(t, err)
}

func TestStopUnknownDriverFails(t *testing.T) {
	fw := NewFramework(logr.Discard(), nil, nil)
	err := fw.Stop("nonexistent")
	require.Error(t, err)
}
