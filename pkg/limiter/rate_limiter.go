package limiter

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultMaxKeys is the number of per-key buckets kept when none is configured
const DefaultMaxKeys = 10000

// RateLimiter hands out one token bucket per key (an ingesting actor). At
// most maxKeys buckets are kept; the least recently used key is dropped
// first and starts over with a full bucket when seen again.
type RateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing perSecond events per key with
// the given burst. A non-positive perSecond disables limiting and a
// non-positive maxKeys means DefaultMaxKeys.
func NewRateLimiter(perSecond float64, burst, maxKeys int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	// lru.New only fails for a non-positive size.
	limiters, _ := lru.New[string, *rate.Limiter](maxKeys)
	return &RateLimiter{
		limiters: limiters,
		limit:    limit,
		burst:    burst,
	}
}

// GetLimiter returns or creates the limiter for key
func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	if limiter, ok := rl.limiters.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rl.limit, rl.burst)
	if prev, ok, _ := rl.limiters.PeekOrAdd(key, limiter); ok {
		return prev
	}
	return limiter
}

// Allow checks if key may proceed without waiting
func (rl *RateLimiter) Allow(key string) bool {
	return rl.GetLimiter(key).Allow()
}

// Len returns the number of keys currently holding a bucket
func (rl *RateLimiter) Len() int {
	return rl.limiters.Len()
}
