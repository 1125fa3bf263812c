package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// CacheKey identifies a cached aggregation
type CacheKey string

// CacheEntry represents a cached statistics result
type CacheEntry struct {
	Key          CacheKey          `json:"key"`
	Value        usage.StatsResult `json:"value"`
	Interval     calendar.Interval `json:"interval"`
	ComputedAt   time.Time         `json:"computed_at"`
	ExpiresAt    time.Time         `json:"expires_at"` // zero: never expires
	AccessCount  int64             `json:"access_count"`
	LastAccessed time.Time         `json:"last_accessed"`
}

// IsExpired checks if the entry has expired at now
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Touch updates the access time and count
func (e *CacheEntry) Touch(now time.Time) {
	e.LastAccessed = now
	e.AccessCount++
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxSize         int           `json:"max_size" yaml:"max_size"`                 // Maximum number of entries (LRU)
	OpenTTL         time.Duration `json:"open_ttl" yaml:"open_ttl"`                 // TTL for intervals still open
	ClosedTTL       time.Duration `json:"closed_ttl" yaml:"closed_ttl"`             // TTL for closed intervals, 0 = never
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"` // How often to drop expired entries
	WaitTimeout     time.Duration `json:"wait_timeout" yaml:"wait_timeout"`         // Max wait on an in-flight computation
	ComputeTimeout  time.Duration `json:"compute_timeout" yaml:"compute_timeout"`   // Max duration of one computation
	LockTTL         time.Duration `json:"lock_ttl" yaml:"lock_ttl"`                 // Cross-process lease, 0 disables
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval"`       // Lease loser poll period
}

// DefaultCacheConfig returns a default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:         1000,
		OpenTTL:         5 * time.Second,
		ClosedTTL:       0,
		CleanupInterval: time.Minute,
		WaitTimeout:     10 * time.Second,
		ComputeTimeout:  time.Minute,
		LockTTL:         10 * time.Second,
		PollInterval:    50 * time.Millisecond,
	}
}

// TTLFor returns how long a result for iv computed at now may be served
func (c *CacheConfig) TTLFor(iv calendar.Interval, now time.Time) time.Duration {
	if iv.ClosedAt(now) {
		return c.ClosedTTL
	}
	return c.OpenTTL
}

// GenerateKey derives the cache key from a resolved query. Only the
// interval bounds and dimensions take part, so different range kinds that
// resolve to the same interval share an entry.
func GenerateKey(r calendar.Resolved) (CacheKey, error) {
	normalized := struct {
		Start    int64  `json:"start"`
		End      int64  `json:"end"`
		Model    string `json:"model"`
		Provider string `json:"provider"`
	}{
		Start:    r.Start.UnixNano(),
		End:      r.End.UnixNano(),
		Model:    r.Model,
		Provider: r.Provider,
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key: %w", err)
	}

	hash := sha256.Sum256(data)
	return CacheKey(fmt.Sprintf("stats:%x", hash)), nil
}

// Backend stores cache entries. Implementations return errors wrapping
// usage.ErrBackendUnavailable for transport failures; a miss is not an error.
type Backend interface {
	Get(ctx context.Context, key CacheKey) (*CacheEntry, bool, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key CacheKey) error
	// InvalidateAt removes every entry whose interval contains ts.
	InvalidateAt(ctx context.Context, ts time.Time) (int, error)
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Leaser is implemented by backends shared between processes. A lease
// lets one process compute a key while the others wait for its result.
type Leaser interface {
	TryLock(ctx context.Context, key CacheKey, ttl time.Duration) (token string, acquired bool, err error)
	Release(ctx context.Context, key CacheKey, token string) error
}

// CacheStats represents cache statistics
type CacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	HitRate       float64 `json:"hit_rate"`
	Evictions     int64   `json:"evictions"`
	Expirations   int64   `json:"expirations"`
	Invalidations int64   `json:"invalidations"`
}

// CalculateHitRate calculates the hit rate
func (s *CacheStats) CalculateHitRate() {
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	} else {
		s.HitRate = 0.0
	}
}
