// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trustfs

import (
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// CacheSize is the fixed entry count (256 × 512B = 128KiB, spec §3 "Block
// Cache").
const CacheSize = 256

type cacheEntry struct {
	data   [SectorSize]byte
	dirty  bool
	access uint64
}

// BlockCache is a fixed-size LRU write-back cache over sector I/O (spec §3
// "Block Cache", §4.7), ported from original_source's vfs::block_cache.
// TrustFS routes inode, directory and file-data sector I/O through it (the
// bitmaps and the WAL use the device directly): reads are served from
// cache, misses fetch one sector and insert; writes mark the sector dirty
// and return without touching the device until eviction or Sync.
type BlockCache struct {
	mu      sync.Mutex
	dev     Device
	entries map[uint64]*cacheEntry
	counter uint64
}

func NewBlockCache(dev Device) *BlockCache {
	return &BlockCache{dev: dev, entries: make(map[uint64]*cacheEntry)}
}

func (c *BlockCache) Read(sector uint64) ([SectorSize]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++

	if e, ok := c.entries[sector]; ok {
		e.access = c.counter
		return e.data, nil
	}

	data, err := c.dev.ReadSector(sector)
	if err != nil {
		return data, kerrors.E("trustfs.BlockCache.Read", kerrors.DeviceFault, err)
	}
	c.insert(sector, data, false)
	return data, nil
}

func (c *BlockCache) Write(sector uint64, data [SectorSize]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++

	if e, ok := c.entries[sector]; ok {
		e.data = data
		e.dirty = true
		e.access = c.counter
		return nil
	}
	c.insert(sector, data, true)
	return nil
}

func (c *BlockCache) insert(sector uint64, data [SectorSize]byte, dirty bool) {
	if len(c.entries) >= CacheSize {
		c.evictLRU()
	}
	c.entries[sector] = &cacheEntry{data: data, dirty: dirty, access: c.counter}
}

func (c *BlockCache) evictLRU() {
	var lruSector uint64
	var lru *cacheEntry
	for s, e := range c.entries {
		if lru == nil || e.access < lru.access {
			lruSector, lru = s, e
		}
	}
	if lru == nil {
		return
	}
	delete(c.entries, lruSector)
	if lru.dirty {
		_ = c.dev.WriteSector(lruSector, lru.data)
	}
}

// Sync flushes every dirty entry to the device.
func (c *BlockCache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s, e := range c.entries {
		if e.dirty {
			if err := c.dev.WriteSector(s, e.data); err != nil {
				return kerrors.E("trustfs.BlockCache.Sync", kerrors.DeviceFault, err)
			}
			e.dirty = false
		}
	}
	return nil
}

// Invalidate drops a cached sector, flushing it first if dirty.
func (c *BlockCache) Invalidate(sector uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sector]
	if !ok {
		return
	}
	delete(c.entries, sector)
	if e.dirty {
		_ = c.dev.WriteSector(sector, e.data)
	}
}

// Discard drops every cached entry without flushing, simulating a power
// cut for crash-recovery tests (spec §8 scenario 4: "power-cut simulated
// by discarding the block cache").
func (c *BlockCache) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheEntry)
}

func (c *BlockCache) Stats() (cached, dirty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.dirty {
			dirty++
		}
	}
	return len(c.entries), dirty
}
