package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/limiter"
	"github.com/snow-ghost/usagemeter/pkg/logging"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// BreakerName is the circuit breaker guarding cache backend calls
const BreakerName = "cache-backend"

// maxPending bounds remembered failed invalidations before falling back to a full clear
const maxPending = 1024

// ComputeFunc produces the value for a missing key
type ComputeFunc func(ctx context.Context) (usage.StatsResult, error)

// Hooks receive cache outcomes, typically to feed metrics
type Hooks struct {
	OnHit        func()
	OnMiss       func()
	OnFallback   func()
	OnTimeout    func()
	OnInvalidate func(n int)
}

// inflight tracks a running fill so a concurrent invalidation can veto its write
type inflight struct {
	interval calendar.Interval
	dirty    bool
}

// Manager manages caching and deduplication of statistics results
type Manager struct {
	backend      Backend
	deduplicator *Deduplicator
	config       *CacheConfig
	protection   *limiter.ProtectionManager
	logger       *logging.Logger
	hooks        Hooks
	now          func() time.Time

	mu         sync.Mutex
	fills      map[CacheKey]*inflight
	pending    []time.Time
	needsClear bool

	hits         atomic.Int64
	misses       atomic.Int64
	computations atomic.Int64
	sharedWaits  atomic.Int64
	timeouts     atomic.Int64
	fallbacks    atomic.Int64
	discarded    atomic.Int64
}

// Option configures a Manager
type Option func(*Manager)

// WithProtection sets the retry/circuit breaker wrapper for backend calls
func WithProtection(pm *limiter.ProtectionManager) Option {
	return func(m *Manager) { m.protection = pm }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHooks sets outcome callbacks
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithClock sets the clock used for TTL decisions
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a cache manager over backend
func NewManager(backend Backend, config *CacheConfig, opts ...Option) *Manager {
	if config == nil {
		config = DefaultCacheConfig()
	}

	m := &Manager{
		backend:      backend,
		deduplicator: NewDeduplicator(),
		config:       config,
		logger:       logging.NewNop(),
		now:          time.Now,
		fills:        make(map[CacheKey]*inflight),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.protection == nil {
		m.protection = limiter.NewProtectionManager(nil, nil)
	}

	return m
}

// Config returns the cache configuration
func (m *Manager) Config() CacheConfig {
	return *m.config
}

// GetOrCompute returns the cached value for key or computes it once for all
// concurrent callers. A caller whose context ends, or who waits longer than
// WaitTimeout, gets ErrComputeTimeout while the computation carries on and
// still fills the cache. If the backend is unavailable the value is computed
// directly and not cached.
func (m *Manager) GetOrCompute(ctx context.Context, key CacheKey, iv calendar.Interval, compute ComputeFunc) (usage.StatsResult, error) {
	entry, found, err := m.lookup(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return usage.StatsResult{}, fmt.Errorf("%w: %v", usage.ErrComputeTimeout, ctx.Err())
		}
		m.fallbacks.Add(1)
		fire(m.hooks.OnFallback)
		m.logger.LogCacheFallback(ctx, string(key), err)
		return compute(ctx)
	}

	if found {
		m.hits.Add(1)
		fire(m.hooks.OnHit)
		m.logger.LogCacheOperation(ctx, "get", string(key), true)
		return entry.Value, nil
	}

	m.misses.Add(1)
	fire(m.hooks.OnMiss)
	m.logger.LogCacheOperation(ctx, "get", string(key), false)

	ch := m.deduplicator.DoChan(key, func() (usage.StatsResult, error) {
		fillCtx := context.WithoutCancel(ctx)
		if m.config.ComputeTimeout > 0 {
			var cancel context.CancelFunc
			fillCtx, cancel = context.WithTimeout(fillCtx, m.config.ComputeTimeout)
			defer cancel()
		}
		return m.fill(fillCtx, key, iv, compute)
	})

	return m.wait(ctx, ch)
}

func fire(fn func()) {
	if fn != nil {
		fn()
	}
}

// wait blocks on the shared computation
func (m *Manager) wait(ctx context.Context, ch <-chan DedupResult) (usage.StatsResult, error) {
	var expired <-chan time.Time
	if m.config.WaitTimeout > 0 {
		timer := time.NewTimer(m.config.WaitTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-ch:
		if res.Shared {
			m.sharedWaits.Add(1)
		}
		return res.Value, res.Err
	case <-ctx.Done():
		m.timeouts.Add(1)
		fire(m.hooks.OnTimeout)
		return usage.StatsResult{}, fmt.Errorf("%w: %v", usage.ErrComputeTimeout, ctx.Err())
	case <-expired:
		m.timeouts.Add(1)
		fire(m.hooks.OnTimeout)
		return usage.StatsResult{}, fmt.Errorf("%w: no result after %s", usage.ErrComputeTimeout, m.config.WaitTimeout)
	}
}

// fill runs once per key at a time in this process
func (m *Manager) fill(ctx context.Context, key CacheKey, iv calendar.Interval, compute ComputeFunc) (usage.StatsResult, error) {
	f := m.register(key, iv)
	defer m.unregister(key, f)

	// Another fill may have completed between our miss and now.
	if entry, found, err := m.lookup(ctx, key); err == nil && found {
		return entry.Value, nil
	}

	if leaser, ok := m.backend.(Leaser); ok && m.config.LockTTL > 0 {
		token, acquired, err := leaser.TryLock(ctx, key, m.config.LockTTL)
		switch {
		case err != nil:
			m.logger.Warn("Cache lease unavailable", "key", string(key), "error", err)
		case acquired:
			defer func() {
				if err := leaser.Release(context.WithoutCancel(ctx), key, token); err != nil {
					m.logger.Warn("Cache lease release failed", "key", string(key), "error", err)
				}
			}()
		default:
			if entry, found := m.awaitPeer(ctx, key); found {
				return entry.Value, nil
			}
		}
	}

	value, err := compute(ctx)
	if err != nil {
		return usage.StatsResult{}, err
	}
	m.computations.Add(1)

	m.store(ctx, key, iv, value, f)
	return value, nil
}

// awaitPeer polls for a value another process is computing under its lease
func (m *Manager) awaitPeer(ctx context.Context, key CacheKey) (*CacheEntry, bool) {
	poll := m.config.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	deadline := time.NewTimer(m.config.LockTTL)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-ticker.C:
			if entry, found, err := m.lookup(ctx, key); err == nil && found {
				return entry, true
			}
		}
	}
}

func (m *Manager) register(key CacheKey, iv calendar.Interval) *inflight {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := &inflight{interval: iv}
	m.fills[key] = f
	return f
}

func (m *Manager) unregister(key CacheKey, f *inflight) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fills[key] == f {
		delete(m.fills, key)
	}
}

// store writes a computed value unless an invalidation touched its interval
// while it was being computed. Holding mu orders the write against Invalidate.
func (m *Manager) store(ctx context.Context, key CacheKey, iv calendar.Interval, value usage.StatsResult, f *inflight) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.dirty {
		m.discarded.Add(1)
		m.logger.Debug("Discarding result computed across an invalidation", "key", string(key))
		return
	}

	now := m.now()
	entry := &CacheEntry{
		Key:          key,
		Value:        value,
		Interval:     iv,
		ComputedAt:   value.ComputedAt,
		LastAccessed: now,
	}
	if ttl := m.config.TTLFor(iv, now); ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	err := m.guard(ctx, func(ctx context.Context) error {
		return m.backend.Set(ctx, entry)
	})
	if err != nil {
		m.logger.Warn("Cache write failed", "key", string(key), "error", err)
	}
}

// lookup reads key through the protection layer after replaying any
// invalidations the backend missed.
func (m *Manager) lookup(ctx context.Context, key CacheKey) (*CacheEntry, bool, error) {
	if err := m.flushPending(ctx); err != nil {
		return nil, false, err
	}

	var (
		entry *CacheEntry
		found bool
	)
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		entry, found, err = m.backend.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if found && entry.IsExpired(m.now()) {
		return nil, false, nil
	}
	return entry, found, nil
}

func (m *Manager) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.protection.Execute(ctx, BreakerName, fn)
}

// Invalidate evicts every entry whose interval contains ts and vetoes the
// write of any in-flight fill covering ts. A backend failure is remembered
// and replayed before the next read.
func (m *Manager) Invalidate(ctx context.Context, ts time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, f := range m.fills {
		if f.interval.Contains(ts) {
			m.veto(key, f)
		}
	}

	var removed int
	err := m.guard(ctx, func(ctx context.Context) error {
		var err error
		removed, err = m.backend.InvalidateAt(ctx, ts)
		return err
	})
	if err != nil {
		m.remember(ts)
		return 0, fmt.Errorf("invalidate cache: %w", err)
	}

	if m.hooks.OnInvalidate != nil {
		m.hooks.OnInvalidate(removed)
	}
	return removed, nil
}

// veto discards the pending write of f and detaches it from the
// single-flight group, so callers arriving from now on start a fresh
// computation. Callers already waiting on f still receive its result.
// Must be called with mu held.
func (m *Manager) veto(key CacheKey, f *inflight) {
	f.dirty = true
	m.deduplicator.Forget(key)
}

// remember must be called with mu held
func (m *Manager) remember(ts time.Time) {
	if m.needsClear {
		return
	}
	if len(m.pending) >= maxPending {
		m.pending = nil
		m.needsClear = true
		return
	}
	m.pending = append(m.pending, ts)
}

// flushPending replays failed invalidations; an error means the cache may
// hold stale entries and must not be read.
func (m *Manager) flushPending(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.needsClear {
		if err := m.guard(ctx, m.backend.Clear); err != nil {
			return err
		}
		m.needsClear = false
		m.pending = nil
		return nil
	}

	for len(m.pending) > 0 {
		ts := m.pending[0]
		err := m.guard(ctx, func(ctx context.Context) error {
			_, err := m.backend.InvalidateAt(ctx, ts)
			return err
		})
		if err != nil {
			return err
		}
		m.pending = m.pending[1:]
	}
	return nil
}

// Clear drops every entry and vetoes in-flight writes
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, f := range m.fills {
		m.veto(key, f)
	}

	if err := m.guard(ctx, m.backend.Clear); err != nil {
		m.needsClear = true
		m.pending = nil
		return fmt.Errorf("clear cache: %w", err)
	}

	m.needsClear = false
	m.pending = nil
	return nil
}

// Ping checks the backend
func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

// Close closes the backend
func (m *Manager) Close() error {
	return m.backend.Close()
}

// ManagerStats represents cache manager statistics
type ManagerStats struct {
	Hits                 int64       `json:"hits"`
	Misses               int64       `json:"misses"`
	HitRate              float64     `json:"hit_rate"`
	Computations         int64       `json:"computations"`
	SharedWaits          int64       `json:"shared_waits"`
	Timeouts             int64       `json:"timeouts"`
	Fallbacks            int64       `json:"fallbacks"`
	DiscardedFills       int64       `json:"discarded_fills"`
	PendingInvalidations int         `json:"pending_invalidations"`
	Dedup                DedupStats  `json:"dedup"`
	DedupRate            float64     `json:"dedup_rate"`
	Backend              *CacheStats `json:"backend,omitempty"`
}

// Stats returns comprehensive cache statistics
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()

	stats := ManagerStats{
		Hits:                 m.hits.Load(),
		Misses:               m.misses.Load(),
		Computations:         m.computations.Load(),
		SharedWaits:          m.sharedWaits.Load(),
		Timeouts:             m.timeouts.Load(),
		Fallbacks:            m.fallbacks.Load(),
		DiscardedFills:       m.discarded.Load(),
		PendingInvalidations: pending,
		Dedup:                m.deduplicator.Stats(),
		DedupRate:            m.deduplicator.DedupRate(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if s, ok := m.backend.(interface{ Stats() CacheStats }); ok {
		backend := s.Stats()
		stats.Backend = &backend
	}
	return stats
}
