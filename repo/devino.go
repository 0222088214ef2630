package repo

import (
	"sync"

	"github.com/objtree/objtree/objid"
)

// devinoKey is a (device, inode) pair.
type devinoKey struct {
	dev, ino uint64
}

// DevinoCache maps (dev, ino) pairs to the object id a prior hardlinking
// checkout recorded there, so a later commit scan can skip re-hashing an
// unchanged file (spec §3.5 "DevIno cache"). Stale entries — an inode
// reused for different content since it was recorded — are harmless:
// callers are expected to double check the entry still looks like the
// recorded id before trusting it, and simply treat a mismatch as a cache
// miss.
type DevinoCache struct {
	mu sync.RWMutex
	m  map[devinoKey]objid.ID
}

func newDevinoCache() *DevinoCache {
	return &DevinoCache{m: make(map[devinoKey]objid.ID)}
}

// Record stores id for the given (dev, ino), overwriting any prior entry.
func (c *DevinoCache) Record(dev, ino uint64, id objid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[devinoKey{dev, ino}] = id
}

// Lookup returns the id recorded for (dev, ino), if any.
func (c *DevinoCache) Lookup(dev, ino uint64) (objid.ID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.m[devinoKey{dev, ino}]
	return id, ok
}

// Len reports how many entries are currently recorded.
func (c *DevinoCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
