package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

var day = time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

func entryFor(key CacheKey, start time.Time, span time.Duration, records int64) *CacheEntry {
	iv := calendar.Interval{Start: start, End: start.Add(span)}
	value := usage.NewStatsResult(iv.Start, iv.End)
	value.RecordCount = records
	return &CacheEntry{Key: key, Value: value, Interval: iv}
}

func newTestLRU(t *testing.T, size int) *LRUCache {
	t.Helper()
	c, err := NewLRUCache(&CacheConfig{MaxSize: size})
	if err != nil {
		t.Fatalf("Failed to create LRU cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLRUCache(t *testing.T) {
	c := newTestLRU(t, 10)
	ctx := context.Background()

	if _, found, _ := c.Get(ctx, "missing"); found {
		t.Error("Expected miss for unknown key")
	}

	if err := c.Set(ctx, entryFor("k1", day, 24*time.Hour, 7)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	entry, found, err := c.Get(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("Expected hit, got found=%v err=%v", found, err)
	}
	if entry.Value.RecordCount != 7 {
		t.Errorf("Expected 7 records, got %d", entry.Value.RecordCount)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %d/%d", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("Expected hit rate 0.5, got %f", stats.HitRate)
	}

	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if c.Stats().Size != 0 {
		t.Errorf("Expected empty cache, got %d", c.Stats().Size)
	}
}

func TestLRUCacheExpiration(t *testing.T) {
	c := newTestLRU(t, 10)
	ctx := context.Background()

	now := day
	c.now = func() time.Time { return now }

	open := entryFor("open", day, 24*time.Hour, 1)
	open.ExpiresAt = day.Add(5 * time.Second)
	closed := entryFor("closed", day.AddDate(0, 0, -1), 24*time.Hour, 1)

	c.Set(ctx, open)
	c.Set(ctx, closed)

	now = day.Add(4 * time.Second)
	if _, found, _ := c.Get(ctx, "open"); !found {
		t.Error("Expected entry to be served before its expiry")
	}

	now = day.Add(5 * time.Second)
	if _, found, _ := c.Get(ctx, "open"); found {
		t.Error("Expected entry to expire at ExpiresAt")
	}

	now = day.AddDate(1, 0, 0)
	if _, found, _ := c.Get(ctx, "closed"); !found {
		t.Error("Expected entry without expiry to be kept")
	}

	if c.Stats().Expirations != 1 {
		t.Errorf("Expected 1 expiration, got %d", c.Stats().Expirations)
	}
}

func TestLRUCacheCleanup(t *testing.T) {
	c, err := NewLRUCache(&CacheConfig{MaxSize: 10, CleanupInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create LRU cache: %v", err)
	}
	defer c.Close()

	e := entryFor("short", day, time.Hour, 1)
	e.ExpiresAt = time.Now().Add(20 * time.Millisecond)
	c.Set(context.Background(), e)

	time.Sleep(80 * time.Millisecond)

	if c.Stats().Size != 0 {
		t.Errorf("Expected cleanup to drop the expired entry, %d left", c.Stats().Size)
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := newTestLRU(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Set(ctx, entryFor(CacheKey(fmt.Sprintf("k%d", i)), day, time.Hour, int64(i)))
	}

	if c.Stats().Size != 3 {
		t.Errorf("Expected 3 entries, got %d", c.Stats().Size)
	}
	if c.Stats().Evictions != 2 {
		t.Errorf("Expected 2 evictions, got %d", c.Stats().Evictions)
	}
	if _, found, _ := c.Get(ctx, "k0"); found {
		t.Error("Expected oldest entry to be evicted")
	}

	// Overwriting an existing key never evicts.
	c.Set(ctx, entryFor("k4", day, time.Hour, 40))
	if c.Stats().Evictions != 2 {
		t.Errorf("Expected overwrite not to evict, got %d evictions", c.Stats().Evictions)
	}
}

func TestLRUCacheTouch(t *testing.T) {
	c := newTestLRU(t, 10)
	ctx := context.Background()

	c.Set(ctx, entryFor("k", day, time.Hour, 1))
	for i := 0; i < 3; i++ {
		c.Get(ctx, "k")
	}

	entry, _, _ := c.Get(ctx, "k")
	if entry.AccessCount != 4 {
		t.Errorf("Expected access count 4, got %d", entry.AccessCount)
	}
}

func TestLRUCacheInvalidateAt(t *testing.T) {
	c := newTestLRU(t, 10)
	ctx := context.Background()

	c.Set(ctx, entryFor("today", day, 24*time.Hour, 1))
	c.Set(ctx, entryFor("week", day.AddDate(0, 0, -2), 7*24*time.Hour, 1))
	c.Set(ctx, entryFor("yesterday", day.AddDate(0, 0, -1), 24*time.Hour, 1))

	removed, err := c.InvalidateAt(ctx, day.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("InvalidateAt failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 entries invalidated, got %d", removed)
	}
	if _, found, _ := c.Get(ctx, "yesterday"); !found {
		t.Error("Expected entry not containing the timestamp to survive")
	}

	// End is exclusive.
	removed, _ = c.InvalidateAt(ctx, day)
	if removed != 0 {
		t.Errorf("Expected boundary timestamp not to match yesterday, got %d", removed)
	}
}

func TestLRUCacheClear(t *testing.T) {
	c := newTestLRU(t, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Set(ctx, entryFor(CacheKey(fmt.Sprintf("k%d", i)), day, time.Hour, 1))
	}
	c.Clear(ctx)

	if c.Stats().Size != 0 {
		t.Errorf("Expected empty cache after clear, got %d", c.Stats().Size)
	}
}
