package aggregation

import (
	"strings"
	"sync"
	"time"
)

// Cache provides in-memory caching for aggregates. Every invalidation bumps a
// generation counter; a value computed under an older generation is not stored.
type Cache struct {
	data       map[string]*cacheEntry
	ttl        time.Duration
	generation uint64
	mu         sync.RWMutex
	cleanup    *time.Ticker
	done       chan struct{}
	stopOnce   sync.Once

	hits   uint64
	misses uint64
}

// cacheEntry represents a cache entry with expiration
type cacheEntry struct {
	value      interface{}
	expiration time.Time
}

// CacheStats reports cache usage.
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewCache creates a new aggregate cache
func NewCache(ttl time.Duration) *Cache {
	cache := &Cache{
		data:    make(map[string]*cacheEntry),
		ttl:     ttl,
		cleanup: time.NewTicker(time.Minute),
		done:    make(chan struct{}),
	}

	go cache.cleanupLoop()

	return cache
}

// Get retrieves a value from the cache
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || time.Now().After(entry.expiration) {
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.value, true
}

// Set stores a value in the cache
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = &cacheEntry{
		value:      value,
		expiration: time.Now().Add(c.ttl),
	}
}

// Delete removes a value from the cache
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	c.generation++
}

// DeleteByPrefix removes all entries with keys starting with the given prefix
func (c *Cache) DeleteByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	c.generation++
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*cacheEntry)
	c.generation++
}

// Size returns the number of entries in the cache
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{Size: len(c.data), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// GetOrSet retrieves a value from the cache, or computes and stores it if not present
func (c *Cache) GetOrSet(key string, compute func() (interface{}, error)) (interface{}, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generation == gen {
		c.data[key] = &cacheEntry{value: value, expiration: time.Now().Add(c.ttl)}
	}
	c.mu.Unlock()

	return value, nil
}

// cleanupLoop periodically removes expired entries
func (c *Cache) cleanupLoop() {
	for {
		select {
		case <-c.cleanup.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.data {
		if now.After(entry.expiration) {
			delete(c.data, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		c.cleanup.Stop()
		close(c.done)
	})
}
