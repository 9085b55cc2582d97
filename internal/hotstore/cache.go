package hotstore

import "time"

// Policy selects the eviction scoring function.
type Policy string

const (
	PolicyLRU      Policy = "lru"
	PolicyLFU      Policy = "lfu"
	PolicyAdaptive Policy = "adaptive"
)

// score ranks an entry for eviction under the configured policy; the
// lowest score is evicted first. Ties are broken by the caller on
// earlier LastAccess.
func score(e *Entry, policy Policy, now time.Time) float64 {
	recency := -now.Sub(e.LastAccess).Seconds()
	frequency := float64(e.AccessCount)

	switch policy {
	case PolicyLRU:
		return recency
	case PolicyLFU:
		return frequency
	default: // PolicyAdaptive
		return 0.7*recency + 0.3*frequency
	}
}

// ramCache is the RAM-resident, eviction-bounded tier. It holds no locks
// of its own — Store serializes all access through a single mutex, per
// the one-mutex concurrency model.
type ramCache struct {
	entries    map[Key]*Entry
	policy     Policy
	maxEntries int
	maxMemory  int
	curMemory  int
}

func newRAMCache(policy Policy, maxEntries, maxMemory int) *ramCache {
	return &ramCache{
		entries:    make(map[Key]*Entry),
		policy:     policy,
		maxEntries: maxEntries,
		maxMemory:  maxMemory,
	}
}

func (c *ramCache) get(k Key) (*Entry, bool) {
	e, ok := c.entries[k]
	return e, ok
}

// insert adds or replaces an entry's RAM footprint. The caller must
// evict beforehand via victims() until there is room.
func (c *ramCache) insert(e *Entry) {
	if old, ok := c.entries[e.Key]; ok {
		c.curMemory -= old.Size()
	}
	c.entries[e.Key] = e
	c.curMemory += e.Size()
}

func (c *ramCache) delete(k Key) {
	if old, ok := c.entries[k]; ok {
		c.curMemory -= old.Size()
		delete(c.entries, k)
	}
}

func (c *ramCache) len() int { return len(c.entries) }

// wouldExceed reports whether inserting an entry of the given size (for a
// key not already present) would exceed either configured bound.
func (c *ramCache) wouldExceed(addSize int, isNewKey bool) bool {
	entries := c.len()
	if isNewKey {
		entries++
	}
	if c.maxEntries > 0 && entries > c.maxEntries {
		return true
	}
	if c.maxMemory > 0 && c.curMemory+addSize > c.maxMemory {
		return true
	}
	return false
}

// victim selects the lowest-scoring entry under the configured policy,
// breaking ties on earlier LastAccess. Returns false if the cache is empty.
func (c *ramCache) victim(now time.Time) (Key, bool) {
	var best Key
	var bestScore float64
	var bestAccess time.Time
	found := false

	for k, e := range c.entries {
		s := score(e, c.policy, now)
		if !found || s < bestScore || (s == bestScore && e.LastAccess.Before(bestAccess)) {
			best = k
			bestScore = s
			bestAccess = e.LastAccess
			found = true
		}
	}
	return best, found
}
