package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snow-ghost/usagemeter/pkg/alert"
	"github.com/snow-ghost/usagemeter/pkg/audit"
	"github.com/snow-ghost/usagemeter/pkg/cache"
	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/cost"
	"github.com/snow-ghost/usagemeter/pkg/observability"
	"github.com/snow-ghost/usagemeter/pkg/stats"
	"github.com/snow-ghost/usagemeter/pkg/store"
	"github.com/snow-ghost/usagemeter/pkg/tracing"
	"github.com/snow-ghost/usagemeter/pkg/tracker"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// Engine is the entry point for ingestion, queries and alerts. Ingestion is
// serialized; queries run concurrently and only block on cache misses.
type Engine struct {
	mu sync.Mutex

	store      store.EventStore
	aggregator *stats.Aggregator
	cache      *cache.Manager
	tracker    *tracker.Tracker
	evaluator  *alert.Evaluator
	alerts     alert.Store
	prices     *cost.Table
	notifier   audit.Notifier
	obs        *observability.Manager

	loc  *time.Location
	skew time.Duration
	now  func() time.Time

	rules        []alert.Rule
	historyLimit int
}

// Option configures an Engine
type Option func(*Engine)

// WithLocation sets the time zone calendar ranges resolve in
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithClockSkew sets how far in the future a record timestamp may be
func WithClockSkew(d time.Duration) Option {
	return func(e *Engine) { e.skew = d }
}

// WithClock sets the clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPriceTable sets the table used to price records without a cost
func WithPriceTable(t *cost.Table) Option {
	return func(e *Engine) { e.prices = t }
}

// WithNotifier sets the audit sink
func WithNotifier(n audit.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithObservability sets the logger, metrics and tracer
func WithObservability(o *observability.Manager) Option {
	return func(e *Engine) { e.obs = o }
}

// WithAlertStore sets where alert events are kept
func WithAlertStore(s alert.Store) Option {
	return func(e *Engine) { e.alerts = s }
}

// WithAlertRules sets the initial alert rules
func WithAlertRules(rules []alert.Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithHistoryLimit sets how many alert events the default store remembers
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// New wires an engine over an event store and a cache manager. A nil cache
// manager gets an in-process LRU with default policy.
func New(es store.EventStore, cm *cache.Manager, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    es,
		cache:    cm,
		notifier: audit.Nop,
		loc:      time.UTC,
		skew:     usage.DefaultClockSkew,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.obs == nil {
		e.obs = observability.NewNop()
	}
	if e.alerts == nil {
		e.alerts = alert.NewMemoryStore(e.historyLimit)
	}

	if e.cache == nil {
		lru, err := cache.NewLRUCache(cache.DefaultCacheConfig())
		if err != nil {
			return nil, err
		}
		lru.SetClock(e.now)
		e.cache = cache.NewManager(lru, cache.DefaultCacheConfig(),
			cache.WithLogger(e.obs.Logger().Named("cache")),
			cache.WithHooks(e.obs.CacheHooks()),
			cache.WithClock(e.now),
		)
	}

	e.aggregator = stats.NewAggregator(es,
		stats.WithClock(e.now),
		stats.WithObserver(e.obs.Metrics().RecordAggregation),
	)
	e.tracker = tracker.New(e.now())

	evaluator, err := alert.NewEvaluator(e, e.alerts, e.rules,
		alert.WithLocation(e.loc),
		alert.WithNotifier(e.notifier),
		alert.WithLogger(e.obs.Logger().Named("alert")),
		alert.WithHooks(e.obs.AlertHooks()),
		alert.WithClock(e.now),
	)
	if err != nil {
		return nil, err
	}
	e.evaluator = evaluator
	e.rules = nil

	return e, nil
}

// Location returns the configured time zone
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Ingest validates rec and applies it: event store append, running totals,
// cache invalidation and an audit notification, in that order and under
// one lock. On error nothing is applied.
func (e *Engine) Ingest(ctx context.Context, actor string, rec usage.Record) (usage.Record, error) {
	ctx, span := e.obs.Tracer().StartIngestSpan(ctx, actor, rec.Provider, rec.Model)
	defer span.End()

	rec = rec.Normalize()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	if err := rec.Validate(e.now(), e.skew); err != nil {
		e.obs.Metrics().RecordRejected("invalid")
		tracing.RecordSpanError(span, err)
		return usage.Record{}, err
	}
	if priced, ok := e.prices.Fill(rec); ok {
		rec = priced
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Append(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateRecord) {
			e.obs.Metrics().RecordRejected("duplicate")
			err = fmt.Errorf("%w: %w", usage.ErrInvalidRecord, err)
		} else {
			e.obs.Metrics().RecordRejected("store")
			err = fmt.Errorf("%w: %w", usage.ErrBackendUnavailable, err)
		}
		tracing.RecordSpanError(span, err)
		return usage.Record{}, err
	}

	// The record is committed; finish applying it even if the caller leaves.
	applyCtx := context.WithoutCancel(ctx)

	e.tracker.Record(rec)

	invalidated, err := e.cache.Invalidate(applyCtx, rec.Timestamp)
	if err != nil {
		e.obs.Logger().Warn("Cache invalidation deferred", "record_id", rec.ID, "error", err)
	}

	e.obs.Metrics().RecordIngest(rec.Provider, rec.Model, rec.Succeeded, rec.TokensIn, rec.TokensOut, rec.Cost.Float64())
	e.obs.Logger().LogIngest(applyCtx, rec.ID, rec.Provider, rec.Model, rec.TotalTokens(), rec.Cost.String(), invalidated)
	e.notify(applyCtx, audit.ActionRecordIngested, actor, map[string]interface{}{
		"id":         rec.ID,
		"provider":   rec.Provider,
		"model":      rec.Model,
		"tokens_in":  rec.TokensIn,
		"tokens_out": rec.TokensOut,
		"cost":       rec.Cost.String(),
		"succeeded":  rec.Succeeded,
	})

	tracing.RecordSpanTokens(span, rec.TokensIn, rec.TokensOut)
	tracing.RecordSpanSuccess(span)
	return rec, nil
}

// Query returns aggregated statistics for spec, served from the cache when
// possible. The result is a private copy.
func (e *Engine) Query(ctx context.Context, spec calendar.FilterSpec) (usage.StatsResult, error) {
	start := time.Now()
	ctx, span := e.obs.Tracer().StartQuerySpan(ctx, string(spec.Range), spec.Model, spec.Provider)
	defer span.End()

	res, err := e.query(ctx, spec)

	elapsed := time.Since(start)
	e.obs.Metrics().RecordQuery(string(spec.Range), outcome(err), elapsed)
	e.obs.Logger().LogQuery(ctx, string(spec.Range), spec.Model, spec.Provider, res.RecordCount, elapsed, err)
	tracing.RecordSpanDuration(span, elapsed)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return usage.StatsResult{}, err
	}
	tracing.RecordSpanSuccess(span)
	return res, nil
}

func (e *Engine) query(ctx context.Context, spec calendar.FilterSpec) (usage.StatsResult, error) {
	resolved, err := calendar.Resolve(spec, e.now(), e.loc)
	if err != nil {
		return usage.StatsResult{}, err
	}
	key, err := cache.GenerateKey(resolved)
	if err != nil {
		return usage.StatsResult{}, err
	}

	ctx, span := e.obs.Tracer().StartCacheSpan(ctx, "get_or_compute")
	defer span.End()

	res, err := e.cache.GetOrCompute(ctx, key, resolved.Interval, func(ctx context.Context) (usage.StatsResult, error) {
		return e.aggregate(ctx, resolved)
	})
	if err != nil {
		tracing.RecordSpanError(span, err)
		return usage.StatsResult{}, err
	}
	return res.Clone(), nil
}

// QueryUncached aggregates spec straight from the event store
func (e *Engine) QueryUncached(ctx context.Context, spec calendar.FilterSpec) (usage.StatsResult, error) {
	resolved, err := calendar.Resolve(spec, e.now(), e.loc)
	if err != nil {
		return usage.StatsResult{}, err
	}
	return e.aggregate(ctx, resolved)
}

func (e *Engine) aggregate(ctx context.Context, r calendar.Resolved) (usage.StatsResult, error) {
	res, err := e.aggregator.Aggregate(ctx, r.Interval, r.Model, r.Provider)
	if err != nil && ctx.Err() == nil && !errors.Is(err, usage.ErrBackendUnavailable) {
		err = fmt.Errorf("%w: %w", usage.ErrBackendUnavailable, err)
	}
	return res, err
}

// TodayStats aggregates the calendar day containing now, bypassing the cache.
// It is the alert evaluator's data source.
func (e *Engine) TodayStats(ctx context.Context, now time.Time, model, provider string) (usage.StatsResult, error) {
	spec := calendar.FilterSpec{Range: calendar.RangeToday}.Scoped(model, provider)
	resolved, err := calendar.Resolve(spec, now, e.loc)
	if err != nil {
		return usage.StatsResult{}, err
	}
	return e.aggregate(ctx, resolved)
}

// HistoricalSnapshot returns the running totals since the last reset
func (e *Engine) HistoricalSnapshot() usage.CumulativeTotal {
	return e.tracker.Snapshot()
}

// Dimensions lists the distinct models and providers seen since the last
// reset of the running totals
type Dimensions struct {
	Models    []string `json:"models"`
	Providers []string `json:"providers"`
}

// Dimensions returns the models and providers ingested so far
func (e *Engine) Dimensions() Dimensions {
	d := Dimensions{Models: e.tracker.Models(), Providers: e.tracker.Providers()}
	if d.Models == nil {
		d.Models = []string{}
	}
	if d.Providers == nil {
		d.Providers = []string{}
	}
	return d
}

// ResetHistorical zeroes the running totals and returns the totals it
// replaced. Records in the event store are untouched.
func (e *Engine) ResetHistorical(ctx context.Context, actor string) usage.CumulativeTotal {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.tracker.Snapshot()
	now := e.now()
	e.tracker.Reset(now)

	e.obs.Logger().Info("Historical totals reset", "actor", actor, "records", previous.TotalRecords)
	e.notify(ctx, audit.ActionHistoricalReset, actor, map[string]interface{}{
		"records": previous.TotalRecords,
		"tokens":  previous.TotalTokens,
		"cost":    previous.TotalCost.String(),
		"since":   previous.Since,
	})
	return previous
}

// Warm replays the event store into the running totals. It is meant for
// start-up with a durable store and must run before ingestion starts.
func (e *Engine) Warm(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tracker.Reset(e.tracker.Snapshot().Since)

	var n int64
	err := store.ScanAll(ctx, e.store, func(rec usage.Record) error {
		e.tracker.Record(rec)
		n++
		return nil
	})
	if err != nil {
		e.tracker.Reset(e.tracker.Snapshot().Since)
		return 0, fmt.Errorf("%w: replay event store: %w", usage.ErrBackendUnavailable, err)
	}

	e.obs.Logger().Info("Historical totals warmed", "records", n)
	return n, nil
}

// ListOpenAlerts returns alerts that have not been resolved
func (e *Engine) ListOpenAlerts(ctx context.Context) ([]alert.Event, error) {
	return e.alerts.ListOpen(ctx)
}

// AlertHistory returns up to limit alerts, newest first
func (e *Engine) AlertHistory(ctx context.Context, limit int) ([]alert.Event, error) {
	return e.alerts.History(ctx, limit)
}

// EvaluateAlerts runs one evaluation pass at now
func (e *Engine) EvaluateAlerts(ctx context.Context, now time.Time) ([]alert.Event, error) {
	ctx, span := e.obs.Tracer().StartAlertSpan(ctx, len(e.evaluator.Rules()))
	defer span.End()

	fired, err := e.evaluator.Evaluate(ctx, now)
	if err != nil {
		tracing.RecordSpanError(span, err)
		e.obs.Logger().Warn("Alert evaluation incomplete", "error", err)
		return fired, err
	}
	tracing.RecordSpanSuccess(span)
	return fired, nil
}

// AlertRules returns the active rules
func (e *Engine) AlertRules() []alert.Rule {
	return e.evaluator.Rules()
}

// SetAlertRules swaps the rule set, keeping the state of unchanged rules
func (e *Engine) SetAlertRules(ctx context.Context, actor string, rules []alert.Rule) error {
	if err := e.evaluator.SetRules(ctx, rules); err != nil {
		return err
	}
	e.notify(ctx, audit.ActionRulesUpdated, actor, map[string]interface{}{"rules": len(rules)})
	return nil
}

// ClearCache drops every cached result
func (e *Engine) ClearCache(ctx context.Context, actor string) error {
	if err := e.cache.Clear(ctx); err != nil {
		return err
	}
	e.obs.Logger().Info("Cache cleared", "actor", actor)
	e.notify(ctx, audit.ActionCacheCleared, actor, nil)
	return nil
}

// CacheStats returns cache statistics
func (e *Engine) CacheStats() cache.ManagerStats {
	return e.cache.Stats()
}

// Scans returns how many event store aggregations ran
func (e *Engine) Scans() int64 {
	return e.aggregator.Scans()
}

// Close releases the cache and the event store
func (e *Engine) Close() error {
	return errors.Join(e.cache.Close(), e.store.Close())
}

func (e *Engine) notify(ctx context.Context, action, actor string, details map[string]interface{}) {
	err := e.notifier.Notify(ctx, audit.Notification{
		Action:    action,
		Actor:     actor,
		Timestamp: e.now(),
		Details:   details,
	})
	if err != nil {
		e.obs.Logger().Warn("Audit notification failed", "action", action, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, usage.ErrInvalidRange):
		return "invalid"
	case errors.Is(err, usage.ErrComputeTimeout):
		return "timeout"
	default:
		return "error"
	}
}
