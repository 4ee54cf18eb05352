package threat_intelligence

import (
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/database"
)

// IntelCache keeps recent enrichments in memory so repeat visitors do not hit
// the database or the upstream APIs.
type IntelCache struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type CacheEntry struct {
	Intel     *database.ThreatIntel
	Timestamp time.Time
	HitCount  int
}

// NewIntelCache creates a new cache with TTL
func NewIntelCache(ttl time.Duration) *IntelCache {
	cache := &IntelCache{
		entries: make(map[string]*CacheEntry),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go cache.cleanupExpired(5 * time.Minute)

	return cache
}

// Get returns the cached enrichment for ip and counts the hit.
func (c *IntelCache) Get(ip string) (*database.ThreatIntel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[ip]
	if !exists {
		return nil, false
	}
	if c.now().Sub(entry.Timestamp) > c.ttl {
		delete(c.entries, ip)
		return nil, false
	}
	entry.HitCount++
	return entry.Intel, true
}

// Set stores an enrichment. The entry ages from the enrichment time, so a row
// loaded from the database expires when the row would.
func (c *IntelCache) Set(ip string, intel *database.ThreatIntel) {
	ts := c.now()
	if intel != nil && !intel.EnrichedAt.IsZero() {
		ts = intel.EnrichedAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = &CacheEntry{Intel: intel, Timestamp: ts}
}

func (c *IntelCache) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purge()
		case <-c.stop:
			return
		}
	}
}

func (c *IntelCache) purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for ip, entry := range c.entries {
		if now.Sub(entry.Timestamp) > c.ttl {
			delete(c.entries, ip)
			removed++
		}
	}
	return removed
}

// Stats returns cache statistics
func (c *IntelCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	totalHits := 0
	for _, entry := range c.entries {
		totalHits += entry.HitCount
	}

	return map[string]interface{}{
		"cached_entries": len(c.entries),
		"total_hits":     totalHits,
		"ttl_seconds":    c.ttl.Seconds(),
	}
}

// Close stops the cleanup goroutine.
func (c *IntelCache) Close() {
	c.once.Do(func() { close(c.stop) })
}
