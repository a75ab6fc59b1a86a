package plugins

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/zenith/pkg/sandbox"
)

// ModuleCache remembers validated modules by bytecode hash so reloading an
// unchanged file skips validation.
type ModuleCache struct {
	cache  *lru.LRU[string, *sandbox.ValidatedModule]
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// NewModuleCache creates a cache of up to size modules that expire after ttl.
// A ttl of zero disables expiry.
func NewModuleCache(size int, ttl time.Duration) *ModuleCache {
	if size < 1 {
		size = 1
	}
	return &ModuleCache{
		cache: lru.NewLRU[string, *sandbox.ValidatedModule](size, nil, ttl),
	}
}

// Get returns the module with the given hash.
func (c *ModuleCache) Get(hash string) (*sandbox.ValidatedModule, bool) {
	m, ok := c.cache.Get(hash)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return m, ok
}

// Add stores m under its hash.
func (c *ModuleCache) Add(m *sandbox.ValidatedModule) {
	c.cache.Add(m.Hash, m)
}

// Purge drops every entry.
func (c *ModuleCache) Purge() {
	c.cache.Purge()
}

// Stats returns hit and miss counts.
func (c *ModuleCache) Stats() CacheStats {
	s := CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.cache.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
