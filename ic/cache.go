package ic

import (
	"sync"

	"github.com/chazu/codezone/vm"
)

// LookupCache is a direct-mapped cache of lookup results shared by all
// megamorphic sites. It must be cleared whenever a method is defined or a
// compiled method stops being a valid target.
type LookupCache struct {
	mu      sync.Mutex
	entries []cacheEntry
	mask    uint32
	hits    uint64
	misses  uint64
}

type cacheEntry struct {
	key    vm.LookupKey
	target Target
	valid  bool
}

// NewLookupCache creates a cache with at least size lines.
func NewLookupCache(size int) *LookupCache {
	n := 1
	for n < size {
		n <<= 1
	}
	return &LookupCache{entries: make([]cacheEntry, n), mask: uint32(n - 1)}
}

// Get returns the cached target for key.
func (c *LookupCache) Get(key vm.LookupKey) (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.entries[key.Hash()&c.mask]
	if e.valid && e.key == key {
		c.hits++
		return e.target, true
	}
	c.misses++
	return Target{}, false
}

// Put caches target for key, evicting whatever shared its line.
func (c *LookupCache) Put(key vm.LookupKey, target Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.Hash()&c.mask] = cacheEntry{key: key, target: target, valid: true}
}

// Clear drops every line.
func (c *LookupCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Counts returns the hit and miss counters.
func (c *LookupCache) Counts() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
