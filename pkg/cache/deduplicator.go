package cache

import (
	"sync/atomic"

	"github.com/snow-ghost/usagemeter/pkg/usage"
	"golang.org/x/sync/singleflight"
)

// Deduplicator collapses concurrent computations of the same key
type Deduplicator struct {
	group        singleflight.Group
	requests     atomic.Int64
	deduplicated atomic.Int64
	executions   atomic.Int64
}

// DedupStats represents deduplication statistics
type DedupStats struct {
	Requests     int64 `json:"requests"`
	Deduplicated int64 `json:"deduplicated"`
	Executions   int64 `json:"executions"`
}

// DedupResult is delivered to every caller waiting on a key
type DedupResult struct {
	Value  usage.StatsResult
	Err    error
	Shared bool
}

// NewDeduplicator creates a new deduplicator
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// DoChan runs fn once per key among concurrent callers. The returned channel
// receives the shared outcome; a caller that stops listening does not stop fn.
func (d *Deduplicator) DoChan(key CacheKey, fn func() (usage.StatsResult, error)) <-chan DedupResult {
	inner := d.group.DoChan(string(key), func() (interface{}, error) {
		d.executions.Add(1)
		return fn()
	})
	d.requests.Add(1)

	out := make(chan DedupResult, 1)
	go func() {
		res := <-inner
		if res.Shared {
			d.deduplicated.Add(1)
		}
		value, _ := res.Val.(usage.StatsResult)
		out <- DedupResult{Value: value, Err: res.Err, Shared: res.Shared}
	}()

	return out
}

// Forget makes the next call for key start a fresh computation
func (d *Deduplicator) Forget(key CacheKey) {
	d.group.Forget(string(key))
}

// Stats returns deduplication statistics
func (d *Deduplicator) Stats() DedupStats {
	return DedupStats{
		Requests:     d.requests.Load(),
		Deduplicated: d.deduplicated.Load(),
		Executions:   d.executions.Load(),
	}
}

// DedupRate is the share of requests that did not start their own computation
func (d *Deduplicator) DedupRate() float64 {
	stats := d.Stats()
	if stats.Requests == 0 {
		return 0.0
	}
	return float64(stats.Requests-stats.Executions) / float64(stats.Requests)
}
