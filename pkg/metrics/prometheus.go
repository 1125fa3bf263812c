package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all Prometheus metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	RecordsTotal      *prometheus.CounterVec
	RejectedTotal     *prometheus.CounterVec
	TokensInputTotal  *prometheus.CounterVec
	TokensOutputTotal *prometheus.CounterVec
	CostTotal         *prometheus.CounterVec

	// Query metrics
	QueryLatency       *prometheus.HistogramVec
	AggregationLatency prometheus.Histogram

	// Cache metrics
	CacheHitsTotal         prometheus.Counter
	CacheMissesTotal       prometheus.Counter
	CacheFallbacksTotal    prometheus.Counter
	CacheTimeoutsTotal     prometheus.Counter
	CacheInvalidationTotal prometheus.Counter

	// Retry metrics
	RetriesTotal *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitTransitionsTotal *prometheus.CounterVec

	// Alert metrics
	AlertsFiredTotal    *prometheus.CounterVec
	AlertsResolvedTotal *prometheus.CounterVec
	AlertsOpen          prometheus.Gauge
}

// NewPrometheusMetrics creates a new metrics set on its own registry
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,

		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_records_total",
				Help: "Total number of usage records ingested",
			},
			[]string{"provider", "model", "status"},
		),

		RejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_records_rejected_total",
				Help: "Total number of usage records rejected",
			},
			[]string{"reason"},
		),

		TokensInputTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_tokens_input_total",
				Help: "Total number of input tokens recorded",
			},
			[]string{"provider", "model"},
		),

		TokensOutputTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_tokens_output_total",
				Help: "Total number of output tokens recorded",
			},
			[]string{"provider", "model"},
		),

		CostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_cost_total",
				Help: "Total recorded cost",
			},
			[]string{"provider", "model"},
		),

		QueryLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usagemeter_query_duration_seconds",
				Help:    "Statistics query latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"range", "outcome"},
		),

		AggregationLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "usagemeter_aggregation_duration_seconds",
				Help:    "Event store scan latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		CacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "usagemeter_cache_hits_total",
				Help: "Total number of cache hits",
			},
		),

		CacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "usagemeter_cache_misses_total",
				Help: "Total number of cache misses",
			},
		),

		CacheFallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "usagemeter_cache_fallbacks_total",
				Help: "Queries computed directly because the cache backend failed",
			},
		),

		CacheTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "usagemeter_cache_wait_timeouts_total",
				Help: "Queries that gave up waiting for an in-flight computation",
			},
		),

		CacheInvalidationTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "usagemeter_cache_invalidations_total",
				Help: "Cache entries evicted by ingestion",
			},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_backend_retries_total",
				Help: "Total number of backend retries",
			},
			[]string{"backend"},
		),

		CircuitTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "state"},
		),

		AlertsFiredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_alerts_fired_total",
				Help: "Total number of alerts fired",
			},
			[]string{"kind"},
		),

		AlertsResolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagemeter_alerts_resolved_total",
				Help: "Total number of alerts resolved",
			},
			[]string{"kind"},
		),

		AlertsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "usagemeter_alerts_open",
				Help: "Currently open alerts",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordIngest records an accepted usage record
func (m *PrometheusMetrics) RecordIngest(provider, model string, succeeded bool, inputTokens, outputTokens int64, cost float64) {
	status := "success"
	if !succeeded {
		status = "error"
	}
	m.RecordsTotal.WithLabelValues(provider, model, status).Inc()
	if inputTokens > 0 {
		m.TokensInputTotal.WithLabelValues(provider, model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensOutputTotal.WithLabelValues(provider, model).Add(float64(outputTokens))
	}
	if cost > 0 {
		m.CostTotal.WithLabelValues(provider, model).Add(cost)
	}
}

// RecordRejected records a rejected usage record
func (m *PrometheusMetrics) RecordRejected(reason string) {
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

// RecordQuery records a statistics query
func (m *PrometheusMetrics) RecordQuery(rangeKind, outcome string, duration time.Duration) {
	m.QueryLatency.WithLabelValues(rangeKind, outcome).Observe(duration.Seconds())
}

// RecordAggregation records an event store scan
func (m *PrometheusMetrics) RecordAggregation(duration time.Duration, err error) {
	m.AggregationLatency.Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit
func (m *PrometheusMetrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func (m *PrometheusMetrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordCacheFallback records a query computed without the cache
func (m *PrometheusMetrics) RecordCacheFallback() {
	m.CacheFallbacksTotal.Inc()
}

// RecordCacheTimeout records a waiter giving up
func (m *PrometheusMetrics) RecordCacheTimeout() {
	m.CacheTimeoutsTotal.Inc()
}

// RecordInvalidation records evicted cache entries
func (m *PrometheusMetrics) RecordInvalidation(n int) {
	if n > 0 {
		m.CacheInvalidationTotal.Add(float64(n))
	}
}

// RecordRetry records a retry
func (m *PrometheusMetrics) RecordRetry(backend string) {
	m.RetriesTotal.WithLabelValues(backend).Inc()
}

// RecordCircuitTransition records a breaker changing state
func (m *PrometheusMetrics) RecordCircuitTransition(breaker, state string) {
	m.CircuitTransitionsTotal.WithLabelValues(breaker, state).Inc()
}

// RecordAlertFired records a new alert
func (m *PrometheusMetrics) RecordAlertFired(kind string) {
	m.AlertsFiredTotal.WithLabelValues(kind).Inc()
	m.AlertsOpen.Inc()
}

// RecordAlertResolved records an alert clearing
func (m *PrometheusMetrics) RecordAlertResolved(kind string) {
	m.AlertsResolvedTotal.WithLabelValues(kind).Inc()
	m.AlertsOpen.Dec()
}
