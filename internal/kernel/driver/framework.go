// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package driver defines the driver-registration contract (spec §4.9
// "Driver framework"): individual device drivers (AHCI, xHCI, virtio-net,
// PCI enumeration) are out of scope, but the registration/probe contract
// and the IRQ/DMA/MMIO brokerage they consume live here.
package driver

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// Category classifies a driver by the bus/device family it serves.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryStorage
	CategoryNetwork
	CategoryInput
	CategoryDisplay
	CategoryBus
)

func (c Category) String() string {
	switch c {
	case CategoryStorage:
		return "storage"
	case CategoryNetwork:
		return "network"
	case CategoryInput:
		return "input"
	case CategoryDisplay:
		return "display"
	case CategoryBus:
		return "bus"
	default:
		return "unknown"
	}
}

// DeviceDescriptor is the bus-enumeration record a driver probes against
// (spec §4.9, standing in for a PCI vendor/device ID pair or similar).
type DeviceDescriptor struct {
	VendorID uint16
	DeviceID uint16
	BusAddr  uint32
}

// Driver is the capability interface every device driver implements (spec
// §293 redesign flag: "a driver-capability interface with three
// operations plus a category enum; drivers register a factory with the
// framework and the framework owns the boxed instance").
type Driver interface {
	Probe(desc DeviceDescriptor) bool
	Start() error
	Stop() error
}

// Factory constructs a fresh driver instance once Probe would accept desc.
type Factory func() Driver

type registration struct {
	name     string
	category Category
	factory  Factory
}

// Framework owns driver factories and the live instances started against
// probed devices.
type Framework struct {
	mu          sync.Mutex
	log         logr.Logger
	factories   []registration
	started     map[string]Driver
	mmioMapper  MMIOMapper
	irqRouter   IRQRouter
}

// MMIOMapper is the subset of mm.MMIOMapper the framework brokers to
// drivers so this package does not import mm directly.
type MMIOMapper interface {
	Map(phys, size uint64) (virt uint64, err error)
}

// IRQRouter is the subset of interrupt.Controller the framework brokers
// to drivers.
type IRQRouter interface {
	RouteIRQ(gsi int, vector int)
}

func NewFramework(log logr.Logger, mmio MMIOMapper, irq IRQRouter) *Framework {
	return &Framework{
		log:        log.WithName("driver"),
		started:    make(map[string]Driver),
		mmioMapper: mmio,
		irqRouter:  irq,
	}
}

// Register adds a named factory for category. Fails with AlreadyExists if
// the name collides.
func (f *Framework) Register(name string, category Category, factory Factory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if factory == nil {
		return kerrors.E("driver.Register", kerrors.InvalidArgument, kerrors.New("nil factory"))
	}
	for _, r := range f.factories {
		if r.name == name {
			return kerrors.E("driver.Register", kerrors.AlreadyExists, fmt.Errorf("driver %q already registered", name))
		}
	}
	f.factories = append(f.factories, registration{name: name, category: category, factory: factory})
	f.log.V(1).Info("registered driver factory", "name", name, "category", category)
	return nil
}

// ProbeAll runs every registered factory's Probe against desc, starting
// the first one that accepts it. Returns the matched driver's name, or
// NotFound if nothing claims the device.
func (f *Framework) ProbeAll(desc DeviceDescriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range f.factories {
		candidate := r.factory()
		if !candidate.Probe(desc) {
			continue
		}
		if err := candidate.Start(); err != nil {
			f.log.Error(err, "driver start failed", "name", r.name)
			return "", kerrors.E("driver.ProbeAll", kerrors.DeviceFault, err)
		}
		f.started[r.name] = candidate
		f.log.Info("driver started", "name", r.name, "bus_addr", desc.BusAddr)
		return r.name, nil
	}
	return "", kerrors.E("driver.ProbeAll", kerrors.NotFound, nil)
}

// Stop stops and unregisters the named started driver.
func (f *Framework) Stop(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.started[name]
	if !ok {
		return kerrors.E("driver.Stop", kerrors.NotFound, nil)
	}
	delete(f.started, name)
	return d.Stop()
}

// Started lists the names of currently running drivers.
func (f *Framework) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.started))
	for name := range f.started {
		names = append(names, name)
	}
	return names
}

// MapMMIO brokers an MMIO mapping request from a driver through the
// owning address space, so drivers never touch mm directly.
func (f *Framework) MapMMIO(phys, size uint64) (uint64, error) {
	if f.mmioMapper == nil {
		return 0, kerrors.E("driver.MapMMIO", kerrors.InvalidArgument, kerrors.New("no MMIO mapper configured"))
	}
	return f.mmioMapper.Map(phys, size)
}

// RouteIRQ brokers IRQ routing requests from a driver to the interrupt
// controller.
func (f *Framework) RouteIRQ(gsi, vector int) {
	if f.irqRouter != nil {
		f.irqRouter.RouteIRQ(gsi, vector)
	}
}
