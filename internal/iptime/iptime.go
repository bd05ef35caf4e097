// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package iptime maintains process-wide first-seen/last-seen timestamps
// per remote IP, so rule predicates can ask "have we seen this address
// before, and how recently."
package iptime

import (
	"sync"
	"sync/atomic"
)

type entry struct {
	first, last int64
}

// Cache is a single-writer-for-expiry, concurrent-reader first/last-seen
// map keyed by the 32-bit integer form of an IPv4 address. Entries are
// replaced as whole tuples rather than mutated in place, so a reader
// racing an expiry never observes a half-updated entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[uint32]entry
	retain  int64 // seconds; <=0 disables expiry
}

// New returns an empty Cache. retain is the expiry retention window in
// seconds; <= 0 disables expiry.
func New(retain int64) *Cache {
	return &Cache{entries: make(map[uint32]entry), retain: retain}
}

// SetRetention changes the expiry window.
func (c *Cache) SetRetention(retain int64) {
	atomic.StoreInt64(&c.retain, retain)
}

// Clear empties the cache (SIGUSR1 handler).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint32]entry)
}

// Len reports the number of tracked addresses.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Touch records a sighting of ip at time now (unix seconds) and returns
// the age of the first sighting and the age of the previous sighting.
// On first sight it returns (0, nil).
func (c *Cache) Touch(ip uint32, now int64) (ageFirst int64, ageLast *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok {
		c.entries[ip] = entry{first: now, last: now}
		return 0, nil
	}
	c.entries[ip] = entry{first: e.first, last: now}
	af := now - e.first
	al := now - e.last
	return af, &al
}

// Expire removes entries whose last-seen time is older than the
// configured retention, as of now. It iterates a snapshot of keys so
// concurrent Touch calls cannot invalidate the iteration.
func (c *Cache) Expire(now int64) {
	retain := atomic.LoadInt64(&c.retain)
	if retain <= 0 {
		return
	}
	cutoff := now - retain

	c.mu.RLock()
	keys := make([]uint32, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if e, ok := c.entries[k]; ok && e.last < cutoff {
			delete(c.entries, k)
		}
	}
}
