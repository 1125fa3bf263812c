package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCache is an in-process Backend: an LRU cache with TTL support
type LRUCache struct {
	cache     *lru.Cache[CacheKey, *CacheEntry]
	config    *CacheConfig
	stats     *CacheStats
	now       func() time.Time
	mu        sync.Mutex
	stopChan  chan struct{}
	closeOnce sync.Once
}

// NewLRUCache creates a new LRU cache
func NewLRUCache(config *CacheConfig) (*LRUCache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}

	cache, err := lru.New[CacheKey, *CacheEntry](config.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	c := &LRUCache{
		cache:    cache,
		config:   config,
		stats:    &CacheStats{MaxSize: config.MaxSize},
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go c.cleanup()
	}

	return c, nil
}

// SetClock replaces the clock used for expiry decisions
func (c *LRUCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now
}

// Get retrieves an entry from the cache
func (c *LRUCache) Get(ctx context.Context, key CacheKey) (*CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.cache.Get(key)
	if !exists {
		c.stats.Misses++
		return nil, false, nil
	}

	now := c.now()
	if entry.IsExpired(now) {
		c.cache.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, false, nil
	}

	entry.Touch(now)
	c.stats.Hits++
	out := *entry
	return &out, true, nil
}

// Set stores an entry in the cache
func (c *LRUCache) Set(ctx context.Context, entry *CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *entry
	stored.LastAccessed = c.now()

	if !c.cache.Contains(entry.Key) && c.cache.Len() >= c.config.MaxSize {
		if _, _, ok := c.cache.RemoveOldest(); ok {
			c.stats.Evictions++
		}
	}

	c.cache.Add(entry.Key, &stored)
	c.stats.Size = c.cache.Len()
	return nil
}

// Delete removes an entry from the cache
func (c *LRUCache) Delete(ctx context.Context, key CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Remove(key)
	c.stats.Size = c.cache.Len()
	return nil
}

// InvalidateAt removes every entry whose interval contains ts
func (c *LRUCache) InvalidateAt(ctx context.Context, ts time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.cache.Keys() {
		if entry, ok := c.cache.Peek(key); ok && entry.Interval.Contains(ts) {
			c.cache.Remove(key)
			removed++
		}
	}

	c.stats.Invalidations += int64(removed)
	c.stats.Size = c.cache.Len()
	return removed, nil
}

// Clear removes all entries from the cache
func (c *LRUCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Purge()
	c.stats.Size = 0
	return nil
}

// Ping always succeeds for the in-process cache
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Stats returns cache statistics
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := *c.stats
	stats.Size = c.cache.Len()
	stats.CalculateHitRate()
	return stats
}

// Close stops the cleanup goroutine
func (c *LRUCache) Close() error {
	c.closeOnce.Do(func() { close(c.stopChan) })
	return nil
}

// cleanup periodically removes expired entries
func (c *LRUCache) cleanup() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.stopChan:
			return
		}
	}
}

// cleanupExpired removes expired entries
func (c *LRUCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expiredCount := 0
	for _, key := range c.cache.Keys() {
		if entry, exists := c.cache.Peek(key); exists && entry.IsExpired(now) {
			c.cache.Remove(key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		c.stats.Expirations += int64(expiredCount)
		c.stats.Size = c.cache.Len()
	}
}
