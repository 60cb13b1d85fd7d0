// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package security implements the kernel's capability-based security layer
// (spec §4.9): token lifecycle, subsystem isolation, and CPU security
// feature bookkeeping. Ported from original_source's security::mod.
package security

import (
	"sync"
	"sync/atomic"
	"time"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// Type identifies the resource class a capability governs (spec §3
// "Capability Token").
type Type int

const (
	TypeMemory Type = iota
	TypeProcess
	TypeFile
	TypeNetwork
	TypeHypervisor
	TypeStorage
	TypeKernel
)

// Rights is a bitmask of operations a capability authorizes.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExec
	RightCreate
	RightDelete
	RightAdmin
)

// Subset reports whether r contains only rights present in parent.
func (r Rights) Subset(parent Rights) bool {
	return r&^parent == 0
}

// ID is an opaque, unforgeable capability identifier. Tokens never leave the
// kernel except as this ID (spec §3).
type ID uint64

// Capability is the kernel-internal representation of a token. Callers only
// ever see its ID.
type Capability struct {
	ID           ID
	Type         Type
	Rights       Rights
	Owner        uint64 // owning task ID
	Expiry       *time.Time
	UsesRemaining *int
	Parent       ID // 0 if root
}

// CapabilityStore is the capability registry's interface (spec §3, §4.9):
// mint, validate, derive, and revoke tokens, plus the enumeration and
// occupancy queries the rest of the kernel needs for bookkeeping. Registry
// is the default in-memory implementation; BadgerRegistry (registry_badger.go)
// is a durable alternative satisfying the same interface.
type CapabilityStore interface {
	Create(typ Type, rights Rights, owner uint64) (ID, error)
	Validate(id ID, required Rights) error
	Derive(parent ID, reduced Rights, newOwner uint64) (ID, error)
	Revoke(id ID) error
	RevokeByOwner(owner uint64) int
	ListByOwner(owner uint64) []Capability
	ListByType(typ Type) []Capability
	Stats() Stats
}

// Registry is the in-memory capability table (spec §3 "Capability Token",
// §4.9 token lifecycle). A durable variant backed by badger is provided in
// registry_badger.go for deployments that need tokens to survive a restart.
type Registry struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	caps   map[ID]*Capability
}

var _ CapabilityStore = (*Registry)(nil)

func NewRegistry() *Registry {
	r := &Registry{caps: make(map[ID]*Capability)}
	r.nextID.Store(1)
	return r
}

// Create mints a new root capability of the given type, rights, and owner.
func (r *Registry) Create(typ Type, rights Rights, owner uint64) (ID, error) {
	id := ID(r.nextID.Add(1))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[id] = &Capability{ID: id, Type: typ, Rights: rights, Owner: owner}
	return id, nil
}

// Validate confirms id exists, has not expired, and its rights mask covers
// required. On success it decrements the use-remaining counter if set.
func (r *Registry) Validate(id ID, required Rights) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.caps[id]
	if !ok {
		return kerrors.E("security.Validate", kerrors.NotFound, nil)
	}
	if c.Type == TypeKernel {
		return nil // superuser: bypasses rights and expiry checks
	}
	if !required.Subset(c.Rights) {
		return kerrors.E("security.Validate", kerrors.PermissionDenied, nil)
	}
	if c.Expiry != nil && time.Now().After(*c.Expiry) {
		return kerrors.E("security.Validate", kerrors.PermissionDenied, kerrors.New("expired"))
	}
	if c.UsesRemaining != nil {
		if *c.UsesRemaining <= 0 {
			return kerrors.E("security.Validate", kerrors.PermissionDenied, kerrors.New("uses exhausted"))
		}
		*c.UsesRemaining--
	}
	return nil
}

// Derive mints a child capability whose rights are a subset of parent's.
func (r *Registry) Derive(parent ID, reduced Rights, newOwner uint64) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.caps[parent]
	if !ok {
		return 0, kerrors.E("security.Derive", kerrors.NotFound, nil)
	}
	if p.Type != TypeKernel && !reduced.Subset(p.Rights) {
		return 0, kerrors.E("security.Derive", kerrors.PermissionDenied, nil)
	}

	id := ID(r.nextID.Add(1))
	r.caps[id] = &Capability{ID: id, Type: p.Type, Rights: reduced, Owner: newOwner, Parent: parent}
	return id, nil
}

// Revoke removes a single capability.
func (r *Registry) Revoke(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[id]; !ok {
		return kerrors.E("security.Revoke", kerrors.NotFound, nil)
	}
	delete(r.caps, id)
	return nil
}

// RevokeByOwner revokes every capability owned by owner. Unlike Revoke of a
// single token, this cascades: every token derived from a revoked token,
// directly or transitively and whoever owns it, is revoked as well.
// Returns the number of tokens removed.
func (r *Registry) RevokeByOwner(owner uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make(map[ID]bool)
	for grew := true; grew; {
		grew = false
		for id, c := range r.caps {
			if !removed[id] && (c.Owner == owner || removed[c.Parent]) {
				removed[id] = true
				grew = true
			}
		}
	}
	for id := range removed {
		delete(r.caps, id)
	}
	return len(removed)
}

// ListByOwner returns every capability currently owned by owner.
func (r *Registry) ListByOwner(owner uint64) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Capability
	for _, c := range r.caps {
		if c.Owner == owner {
			out = append(out, *c)
		}
	}
	return out
}

// ListByType returns every capability of the given type.
func (r *Registry) ListByType(typ Type) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Capability
	for _, c := range r.caps {
		if c.Type == typ {
			out = append(out, *c)
		}
	}
	return out
}

// Stats reports registry occupancy.
type Stats struct {
	Total int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Total: len(r.caps)}
}
