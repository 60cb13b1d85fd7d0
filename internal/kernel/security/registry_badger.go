// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package security

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// BadgerRegistry is a capability registry whose tokens survive a process
// restart, for deployments where the simulator represents a long-lived boot
// rather than a single disposable process. Modeled directly on the
// teacher's pkg/resource/store: a mutex, a closed flag, an in-flight
// operation gauge, and every access wrapped in a badger transaction.
type BadgerRegistry struct {
	mu      sync.RWMutex
	closed  bool
	db      *badger.DB
	opGauge atomic.Int32
	nextID  atomic.Uint64
}

var _ CapabilityStore = (*BadgerRegistry)(nil)

// NewBadgerRegistry opens (or creates) a badger database at dir to back the
// capability registry durably. It recovers nextID from the highest key
// already present so a restart never reissues an in-use ID.
func NewBadgerRegistry(dir string) (*BadgerRegistry, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("security: opening badger store: %w", err)
	}

	r := &BadgerRegistry{db: db}
	r.nextID.Store(1)

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var max uint64
		for it.Rewind(); it.Valid(); it.Next() {
			id := binary.BigEndian.Uint64(it.Item().Key())
			if id > max {
				max = id
			}
		}
		if max > 0 {
			r.nextID.Store(max)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("security: scanning badger store: %w", err)
	}
	return r, nil
}

func capKey(id ID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// Close flushes and closes the underlying badger database. It takes the
// registry's write lock, so it waits until every operation holding the
// lock has finished.
func (r *BadgerRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

func (r *BadgerRegistry) guard(op string) error {
	if r.closed {
		return kerrors.E(op, kerrors.Busy, kerrors.New("registry closed"))
	}
	return nil
}

// Create mints and durably persists a new root capability.
func (r *BadgerRegistry) Create(typ Type, rights Rights, owner uint64) (ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard("security.BadgerRegistry.Create"); err != nil {
		return 0, err
	}
	r.opGauge.Add(1)
	defer r.opGauge.Add(-1)

	id := ID(r.nextID.Add(1))
	c := &Capability{ID: id, Type: typ, Rights: rights, Owner: owner}
	if err := r.put(c); err != nil {
		return 0, kerrors.E("security.BadgerRegistry.Create", kerrors.DeviceFault, err)
	}
	return id, nil
}

func (r *BadgerRegistry) put(c *Capability) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(capKey(c.ID), data)
	})
}

func (r *BadgerRegistry) get(id ID) (*Capability, error) {
	var c Capability
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(capKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return kerrors.E("security.BadgerRegistry.get", kerrors.NotFound, nil)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get fetches a capability by ID.
func (r *BadgerRegistry) Get(id ID) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard("security.BadgerRegistry.Get"); err != nil {
		return nil, err
	}
	r.opGauge.Add(1)
	defer r.opGauge.Add(-1)
	return r.get(id)
}

// Validate confirms id exists, has not expired, and its rights mask covers
// required, mirroring Registry.Validate.
func (r *BadgerRegistry) Validate(id ID, required Rights) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard("security.BadgerRegistry.Validate"); err != nil {
		return err
	}
	r.opGauge.Add(1)
	defer r.opGauge.Add(-1)

	c, err := r.get(id)
	if err != nil {
		return err
	}
	if c.Type == TypeKernel {
		return nil
	}
	if !required.Subset(c.Rights) {
		return kerrors.E("security.BadgerRegistry.Validate", kerrors.PermissionDenied, nil)
	}
	if c.Expiry != nil && time.Now().After(*c.Expiry) {
		return kerrors.E("security.BadgerRegistry.Validate", kerrors.PermissionDenied, kerrors.New("expired"))
	}
	if c.UsesRemaining != nil {
		if *c.UsesRemaining <= 0 {
			return kerrors.E("security.BadgerRegistry.Validate", kerrors.PermissionDenied, kerrors.New("uses exhausted"))
		}
		*c.UsesRemaining--
		if err := r.put(c); err != nil {
			return kerrors.E("security.BadgerRegistry.Validate", kerrors.DeviceFault, err)
		}
	}
	return nil
}

// Derive mints a child capability whose rights are a subset of parent's.
func (r *BadgerRegistry) Derive(parent ID, reduced Rights, newOwner uint64) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard("security.BadgerRegistry.Derive"); err != nil {
		return 0, err
	}
	r.opGauge.Add(1)
	defer r.opGauge.Add(-1)

	p, err := r.get(parent)
	if err != nil {
		return 0, err
	}
	if p.Type != TypeKernel && !reduced.Subset(p.Rights) {
		return 0, kerrors.E("security.BadgerRegistry.Derive", kerrors.PermissionDenied, nil)
	}

	id := ID(r.nextID.Add(1))
	c := &Capability{ID: id, Type: p.Type, Rights: reduced, Owner: newOwner, Parent: parent}
	if err := r.put(c); err != nil {
		return 0, kerrors.E("security.BadgerRegistry.Derive", kerrors.DeviceFault, err)
	}
	return id, nil
}

// Revoke deletes a capability's durable record.
func (r *BadgerRegistry) Revoke(id ID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.guard("security.BadgerRegistry.Revoke"); err != nil {
		return err
	}
	r.opGauge.Add(1)
	defer r.opGauge.Add(-1)

	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(capKey(id)); err != nil {
			if err == badger.ErrKeyNotFound {
				return kerrors.E("security.BadgerRegistry.Revoke", kerrors.NotFound, nil)
			}
			return err
		}
		return txn.Delete(capKey(id))
	})
}

// RevokeByOwner revokes every capability currently owned by owner together
// with every token derived from those, matching Registry.RevokeByOwner's
// cascading semantics.
func (r *BadgerRegistry) RevokeByOwner(owner uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	r.opGauge.Add(1)
	defer r.opGauge.Add(-1)

	n := 0
	_ = r.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var all []Capability
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var c Capability
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &c) }); err != nil {
				continue
			}
			all = append(all, c)
		}
		removed := make(map[ID]bool)
		for grew := true; grew; {
			grew = false
			for _, c := range all {
				if !removed[c.ID] && (c.Owner == owner || removed[c.Parent]) {
					removed[c.ID] = true
					grew = true
				}
			}
		}
		for id := range removed {
			if err := txn.Delete(capKey(id)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n
}

// ListByOwner returns every durable capability currently owned by owner.
func (r *BadgerRegistry) ListByOwner(owner uint64) []Capability {
	return r.scan(func(c Capability) bool { return c.Owner == owner })
}

// ListByType returns every durable capability of the given type.
func (r *BadgerRegistry) ListByType(typ Type) []Capability {
	return r.scan(func(c Capability) bool { return c.Type == typ })
}

func (r *BadgerRegistry) scan(match func(Capability) bool) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	r.opGauge.Add(1)
	defer r.opGauge.Add(-1)

	var out []Capability
	_ = r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c Capability
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &c) }); err != nil {
				continue
			}
			if match(c) {
				out = append(out, c)
			}
		}
		return nil
	})
	return out
}

// Stats reports registry occupancy.
func (r *BadgerRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return Stats{}
	}
	r.opGauge.Add(1)
	defer r.opGauge.Add(-1)

	var total int
	_ = r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			total++
		}
		return nil
	})
	return Stats{Total: total}
}
