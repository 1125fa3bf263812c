package stats

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/store"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// Aggregator reduces event store scans to StatsResults
type Aggregator struct {
	store    store.EventStore
	now      func() time.Time
	observer func(d time.Duration, err error)
	scans    atomic.Int64
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock sets the clock used for ComputedAt
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithObserver registers a callback invoked after every scan
func WithObserver(fn func(d time.Duration, err error)) Option {
	return func(a *Aggregator) { a.observer = fn }
}

// NewAggregator creates an aggregator over s
func NewAggregator(s store.EventStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		store: s,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate scans records in iv matching model and provider (empty matches any).
// The result depends only on the store contents, so it is safe to memoize.
func (a *Aggregator) Aggregate(ctx context.Context, iv calendar.Interval, model, provider string) (usage.StatsResult, error) {
	a.scans.Add(1)
	started := time.Now()

	result := usage.NewStatsResult(iv.Start, iv.End)
	err := a.store.Scan(ctx, iv.Start, iv.End, func(rec usage.Record) error {
		if model != "" && rec.Model != model {
			return nil
		}
		if provider != "" && rec.Provider != provider {
			return nil
		}
		result.Add(rec)
		return nil
	})

	if a.observer != nil {
		a.observer(time.Since(started), err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return usage.StatsResult{}, fmt.Errorf("aggregate: %w", err)
		}
		return usage.StatsResult{}, fmt.Errorf("%w: aggregate: %v", usage.ErrBackendUnavailable, err)
	}

	result.ComputedAt = a.now()
	return result, nil
}

// Scans returns how many scans have been started
func (a *Aggregator) Scans() int64 {
	return a.scans.Load()
}
