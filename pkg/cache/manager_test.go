package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/limiter"
	"github.com/snow-ghost/usagemeter/pkg/usage"
	"github.com/sony/gobreaker"
)

var todayIv = calendar.Interval{Start: day, End: day.AddDate(0, 0, 1)}

func fastProtection() *limiter.ProtectionManager {
	retry := limiter.NewRetryManager(&limiter.RetryConfig{
		MaxRetries:    1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1,
	})
	breakers := limiter.NewCircuitBreakerManager(nil)
	cfg := limiter.DefaultCircuitBreakerConfig(BreakerName)
	cfg.ReadyToTrip = func(gobreaker.Counts) bool { return false }
	breakers.Configure(cfg)
	return limiter.NewProtectionManager(retry, breakers)
}

func newTestManager(t *testing.T, backend Backend, config *CacheConfig) *Manager {
	t.Helper()
	clock := func() time.Time { return day.Add(time.Hour) }
	if backend == nil {
		lru := newTestLRU(t, 100)
		lru.now = clock
		backend = lru
	}
	if config == nil {
		config = DefaultCacheConfig()
	}
	return NewManager(backend, config, WithProtection(fastProtection()), WithClock(clock))
}

func counting(records int64, calls *atomic.Int32) ComputeFunc {
	return func(ctx context.Context) (usage.StatsResult, error) {
		calls.Add(1)
		return usage.StatsResult{RecordCount: records}, nil
	}
}

func TestCacheManager(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	res, err := m.GetOrCompute(ctx, "k", todayIv, counting(5, &calls))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.RecordCount != 5 {
		t.Errorf("Expected 5 records, got %d", res.RecordCount)
	}

	res, err = m.GetOrCompute(ctx, "k", todayIv, func(ctx context.Context) (usage.StatsResult, error) {
		t.Error("Function should not be called on cache hit")
		return usage.StatsResult{}, nil
	})
	if err != nil || res.RecordCount != 5 {
		t.Errorf("Expected cached 5 records, got %d (%v)", res.RecordCount, err)
	}

	stats := m.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Computations != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.Backend == nil || stats.Backend.Size != 1 {
		t.Errorf("Expected backend stats with one entry, got %+v", stats.Backend)
	}
}

func TestCacheManagerComputeErrorNotCached(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	boom := errors.New("scan failed")
	_, err := m.GetOrCompute(ctx, "k", todayIv, func(ctx context.Context) (usage.StatsResult, error) {
		return usage.StatsResult{}, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected compute error, got %v", err)
	}

	var calls atomic.Int32
	if _, err := m.GetOrCompute(ctx, "k", todayIv, counting(1, &calls)); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a failed computation not to be cached")
	}
}

func TestCacheManagerSingleFlight(t *testing.T) {
	m := newTestManager(t, nil, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (usage.StatsResult, error) {
		calls.Add(1)
		<-release
		return usage.StatsResult{RecordCount: 9, TotalTokens: 99}, nil
	}

	const callers = 50
	var wg sync.WaitGroup
	results := make([]usage.StatsResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetOrCompute(context.Background(), "today", todayIv, compute)
		}(i)
	}

	for m.deduplicator.Stats().Requests < callers {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected exactly 1 computation, got %d", calls.Load())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if results[i].TotalTokens != 99 {
			t.Errorf("caller %d: expected 99 tokens, got %d", i, results[i].TotalTokens)
		}
	}

	if rate := m.Stats().DedupRate; rate != float64(callers-1)/callers {
		t.Errorf("Expected dedup rate %f, got %f", float64(callers-1)/callers, rate)
	}
}

func TestCacheManagerWaitTimeout(t *testing.T) {
	config := DefaultCacheConfig()
	config.WaitTimeout = 20 * time.Millisecond
	m := newTestManager(t, nil, config)

	release := make(chan struct{})
	var computeErr atomic.Value
	compute := func(ctx context.Context) (usage.StatsResult, error) {
		<-release
		if err := ctx.Err(); err != nil {
			computeErr.Store(err)
		}
		return usage.StatsResult{RecordCount: 1}, nil
	}

	_, err := m.GetOrCompute(context.Background(), "slow", todayIv, compute)
	if !errors.Is(err, usage.ErrComputeTimeout) {
		t.Fatalf("Expected ErrComputeTimeout, got %v", err)
	}
	if m.Stats().Timeouts != 1 {
		t.Errorf("Expected 1 timeout, got %d", m.Stats().Timeouts)
	}

	close(release)

	deadline := time.Now().Add(time.Second)
	for {
		entry, found, _ := m.backend.Get(context.Background(), "slow")
		if found {
			if entry.Value.RecordCount != 1 {
				t.Errorf("Expected 1 record, got %d", entry.Value.RecordCount)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected abandoned computation to populate the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if computeErr.Load() != nil {
		t.Errorf("Expected computation context to stay alive, got %v", computeErr.Load())
	}
}

func TestCacheManagerCallerCancellation(t *testing.T) {
	m := newTestManager(t, nil, nil)

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.GetOrCompute(ctx, "k", todayIv, func(ctx context.Context) (usage.StatsResult, error) {
		<-release
		return usage.StatsResult{}, nil
	})
	if !errors.Is(err, usage.ErrComputeTimeout) {
		t.Errorf("Expected ErrComputeTimeout, got %v", err)
	}
}

func TestCacheManagerInvalidate(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	yesterday := calendar.Interval{Start: day.AddDate(0, 0, -1), End: day}
	var calls atomic.Int32
	m.GetOrCompute(ctx, "today", todayIv, counting(1, &calls))
	m.GetOrCompute(ctx, "yesterday", yesterday, counting(1, &calls))

	removed, err := m.Invalidate(ctx, day.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 entry removed, got %d", removed)
	}

	m.GetOrCompute(ctx, "today", todayIv, counting(2, &calls))
	m.GetOrCompute(ctx, "yesterday", yesterday, counting(2, &calls))
	if calls.Load() != 3 {
		t.Errorf("Expected only the invalidated key to be recomputed, got %d computations", calls.Load())
	}
}

func TestCacheManagerInvalidateDuringFill(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan usage.StatsResult)
	go func() {
		res, _ := m.GetOrCompute(ctx, "today", todayIv, func(ctx context.Context) (usage.StatsResult, error) {
			close(started)
			<-release
			return usage.StatsResult{RecordCount: 1}, nil
		})
		done <- res
	}()

	<-started
	if _, err := m.Invalidate(ctx, day.Add(30*time.Minute)); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	close(release)

	if res := <-done; res.RecordCount != 1 {
		t.Errorf("Expected the in-flight result to reach its caller, got %d", res.RecordCount)
	}
	if _, found, _ := m.backend.Get(ctx, "today"); found {
		t.Error("Expected a result computed across an invalidation not to be stored")
	}
	if m.Stats().DiscardedFills != 1 {
		t.Errorf("Expected 1 discarded fill, got %d", m.Stats().DiscardedFills)
	}
}

func TestCacheManagerReaderAfterInvalidateStartsFresh(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan usage.StatsResult)
	go func() {
		res, _ := m.GetOrCompute(ctx, "today", todayIv, func(ctx context.Context) (usage.StatsResult, error) {
			close(started)
			<-release
			return usage.StatsResult{RecordCount: 1}, nil
		})
		done <- res
	}()

	<-started
	if _, err := m.Invalidate(ctx, day.Add(30*time.Minute)); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	// A reader arriving after the invalidation must not join the old fill.
	var calls atomic.Int32
	res, err := m.GetOrCompute(ctx, "today", todayIv, counting(2, &calls))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.RecordCount != 2 || calls.Load() != 1 {
		t.Errorf("Expected a fresh computation with 2 records, got %d records from %d calls", res.RecordCount, calls.Load())
	}

	close(release)
	<-done

	entry, found, _ := m.backend.Get(ctx, "today")
	if !found || entry.Value.RecordCount != 2 {
		t.Errorf("Expected the fresh result to be cached, got %+v (found=%v)", entry, found)
	}
}

func TestCacheManagerWaiterJoinedBeforeInvalidate(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (usage.StatsResult, error) {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		return usage.StatsResult{RecordCount: 1}, nil
	}

	results := make(chan usage.StatsResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, _ := m.GetOrCompute(ctx, "today", todayIv, compute)
			results <- res
		}()
	}

	<-started
	deadline := time.Now().Add(time.Second)
	for m.deduplicator.Stats().Requests < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := m.Invalidate(ctx, day.Add(30*time.Minute)); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	close(release)

	// Readers already waiting when the record landed get the value computed
	// before it. Nothing stale is stored for later readers.
	for i := 0; i < 2; i++ {
		if res := <-results; res.RecordCount != 1 {
			t.Errorf("Expected waiting readers to get the in-flight result, got %d", res.RecordCount)
		}
	}
	if _, found, _ := m.backend.Get(ctx, "today"); found {
		t.Error("Expected the in-flight result not to be stored")
	}
}

func TestCacheManagerClearDetachesFill(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.GetOrCompute(ctx, "today", todayIv, func(ctx context.Context) (usage.StatsResult, error) {
			close(started)
			<-release
			return usage.StatsResult{RecordCount: 1}, nil
		})
		close(done)
	}()

	<-started
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	var calls atomic.Int32
	if res, _ := m.GetOrCompute(ctx, "today", todayIv, counting(3, &calls)); res.RecordCount != 3 {
		t.Errorf("Expected a fresh computation after clear, got %d", res.RecordCount)
	}
	close(release)
	<-done
}

func TestCacheManagerTTL(t *testing.T) {
	lru := newTestLRU(t, 10)
	now := day.Add(time.Hour)
	clock := func() time.Time { return now }
	lru.now = clock

	config := DefaultCacheConfig()
	config.OpenTTL = 5 * time.Second
	m := NewManager(lru, config, WithProtection(fastProtection()), WithClock(clock))
	ctx := context.Background()

	yesterday := calendar.Interval{Start: day.AddDate(0, 0, -1), End: day}
	var calls atomic.Int32
	m.GetOrCompute(ctx, "today", todayIv, counting(1, &calls))
	m.GetOrCompute(ctx, "yesterday", yesterday, counting(1, &calls))

	now = now.Add(6 * time.Second)
	m.GetOrCompute(ctx, "today", todayIv, counting(1, &calls))
	m.GetOrCompute(ctx, "yesterday", yesterday, counting(1, &calls))

	if calls.Load() != 3 {
		t.Errorf("Expected only the open interval to expire, got %d computations", calls.Load())
	}
}

// flakyBackend fails selected operations on demand
type flakyBackend struct {
	*LRUCache
	failGet        atomic.Bool
	failInvalidate atomic.Bool
}

func (f *flakyBackend) Get(ctx context.Context, key CacheKey) (*CacheEntry, bool, error) {
	if f.failGet.Load() {
		return nil, false, fmt.Errorf("%w: connection refused", usage.ErrBackendUnavailable)
	}
	return f.LRUCache.Get(ctx, key)
}

func (f *flakyBackend) InvalidateAt(ctx context.Context, ts time.Time) (int, error) {
	if f.failInvalidate.Load() {
		return 0, fmt.Errorf("%w: connection refused", usage.ErrBackendUnavailable)
	}
	return f.LRUCache.InvalidateAt(ctx, ts)
}

func TestCacheManagerFailOpen(t *testing.T) {
	backend := &flakyBackend{LRUCache: newTestLRU(t, 10)}
	backend.failGet.Store(true)

	var fallbacks atomic.Int32
	m := NewManager(backend, DefaultCacheConfig(),
		WithProtection(fastProtection()),
		WithHooks(Hooks{OnFallback: func() { fallbacks.Add(1) }}),
	)

	var calls atomic.Int32
	res, err := m.GetOrCompute(context.Background(), "k", todayIv, counting(4, &calls))
	if err != nil {
		t.Fatalf("Expected direct computation to succeed, got %v", err)
	}
	if res.RecordCount != 4 || calls.Load() != 1 {
		t.Errorf("Expected a direct computation, got %d records after %d calls", res.RecordCount, calls.Load())
	}
	if fallbacks.Load() != 1 || m.Stats().Fallbacks != 1 {
		t.Errorf("Expected 1 fallback, got %d", fallbacks.Load())
	}
}

func TestCacheManagerReplaysFailedInvalidation(t *testing.T) {
	backend := &flakyBackend{LRUCache: newTestLRU(t, 10)}
	m := NewManager(backend, DefaultCacheConfig(), WithProtection(fastProtection()))
	ctx := context.Background()

	var calls atomic.Int32
	m.GetOrCompute(ctx, "today", todayIv, counting(1, &calls))

	backend.failInvalidate.Store(true)
	if _, err := m.Invalidate(ctx, day.Add(time.Hour)); err == nil {
		t.Fatal("Expected invalidation error")
	}
	if m.Stats().PendingInvalidations != 1 {
		t.Errorf("Expected 1 pending invalidation, got %d", m.Stats().PendingInvalidations)
	}

	// While the backend cannot be cleaned, reads bypass it.
	res, _ := m.GetOrCompute(ctx, "today", todayIv, counting(2, &calls))
	if res.RecordCount != 2 {
		t.Errorf("Expected fresh value while invalidation is pending, got %d", res.RecordCount)
	}

	backend.failInvalidate.Store(false)
	res, _ = m.GetOrCompute(ctx, "today", todayIv, counting(3, &calls))
	if res.RecordCount != 3 {
		t.Errorf("Expected stale entry to be evicted before the read, got %d", res.RecordCount)
	}
	if m.Stats().PendingInvalidations != 0 {
		t.Errorf("Expected pending invalidations to be flushed")
	}
}

func TestCacheManagerClear(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	m.GetOrCompute(ctx, "a", todayIv, counting(1, &calls))
	m.GetOrCompute(ctx, "b", todayIv, counting(1, &calls))

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	m.GetOrCompute(ctx, "a", todayIv, counting(1, &calls))
	if calls.Load() != 3 {
		t.Errorf("Expected recomputation after clear, got %d", calls.Load())
	}
}

func TestGenerateKey(t *testing.T) {
	now := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)

	week, err := calendar.Resolve(calendar.FilterSpec{Range: calendar.RangeThisWeek}, now, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	custom, err := calendar.Resolve(calendar.Custom(week.Start, week.End), now, time.UTC)
	if err != nil {
		t.Fatal(err)
	}

	k1, _ := GenerateKey(week)
	k2, _ := GenerateKey(custom)
	if k1 != k2 {
		t.Errorf("Expected equal intervals to share a key: %s vs %s", k1, k2)
	}

	scoped, _ := calendar.Resolve(calendar.FilterSpec{Range: calendar.RangeThisWeek, Model: "gpt-4o"}, now, time.UTC)
	k3, _ := GenerateKey(scoped)
	if k3 == k1 {
		t.Error("Expected model filter to change the key")
	}

	if len(k1) != len("stats:")+64 {
		t.Errorf("Unexpected key format %q", k1)
	}
}

func TestTTLFor(t *testing.T) {
	config := &CacheConfig{OpenTTL: 5 * time.Second, ClosedTTL: time.Hour}
	now := day.Add(time.Hour)

	if got := config.TTLFor(todayIv, now); got != 5*time.Second {
		t.Errorf("Expected open TTL, got %v", got)
	}
	if got := config.TTLFor(calendar.Interval{Start: day.AddDate(0, 0, -1), End: day}, now); got != time.Hour {
		t.Errorf("Expected closed TTL, got %v", got)
	}
}
