package observability

import (
	"context"
	"errors"

	"github.com/snow-ghost/usagemeter/pkg/alert"
	"github.com/snow-ghost/usagemeter/pkg/cache"
	"github.com/snow-ghost/usagemeter/pkg/limiter"
	"github.com/snow-ghost/usagemeter/pkg/logging"
	"github.com/snow-ghost/usagemeter/pkg/metrics"
	"github.com/snow-ghost/usagemeter/pkg/tracing"
	"github.com/sony/gobreaker"
)

// Manager bundles the logger, metrics and tracer and adapts them to the
// hook points of the cache, limiter and alert packages.
type Manager struct {
	metrics *metrics.PrometheusMetrics
	tracer  *tracing.Tracer
	logger  *logging.Logger
}

// Config holds observability configuration
type Config struct {
	Logging logging.Config
	Tracing tracing.Config
}

// NewManager creates a new observability manager
func NewManager(config Config) (*Manager, error) {
	logger, err := logging.NewLogger(config.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.NewTracer(config.Tracing)
	if err != nil {
		return nil, err
	}

	return &Manager{
		metrics: metrics.NewPrometheusMetrics(),
		tracer:  tracer,
		logger:  logger,
	}, nil
}

// NewNop returns a manager that logs nothing and traces nothing. Metrics
// still count on a private registry so tests can read them.
func NewNop() *Manager {
	return &Manager{
		metrics: metrics.NewPrometheusMetrics(),
		tracer:  tracing.NewNoop(),
		logger:  logging.NewNop(),
	}
}

// Metrics returns the metrics instance
func (m *Manager) Metrics() *metrics.PrometheusMetrics {
	return m.metrics
}

// Tracer returns the tracer instance
func (m *Manager) Tracer() *tracing.Tracer {
	return m.tracer
}

// Logger returns the logger instance
func (m *Manager) Logger() *logging.Logger {
	return m.logger
}

// CacheHooks feeds cache outcomes into the metrics
func (m *Manager) CacheHooks() cache.Hooks {
	return cache.Hooks{
		OnHit:        m.metrics.RecordCacheHit,
		OnMiss:       m.metrics.RecordCacheMiss,
		OnFallback:   m.metrics.RecordCacheFallback,
		OnTimeout:    m.metrics.RecordCacheTimeout,
		OnInvalidate: m.metrics.RecordInvalidation,
	}
}

// AlertHooks feeds alert transitions into the metrics
func (m *Manager) AlertHooks() alert.Hooks {
	return alert.Hooks{
		OnFired:    func(ev alert.Event) { m.metrics.RecordAlertFired(string(ev.Rule.Kind)) },
		OnResolved: func(ev alert.Event) { m.metrics.RecordAlertResolved(string(ev.Rule.Kind)) },
	}
}

// OnRetry logs and counts a retried backend call
func (m *Manager) OnRetry(backend string) func(attempt int, err error) {
	return func(attempt int, err error) {
		m.metrics.RecordRetry(backend)
		m.logger.LogRetry(context.Background(), backend, attempt, err)
	}
}

// OnBreakerStateChange logs and counts circuit breaker transitions
func (m *Manager) OnBreakerStateChange() limiter.StateChangeFunc {
	return func(name string, from, to gobreaker.State) {
		m.metrics.RecordCircuitTransition(name, to.String())
		m.logger.LogCircuitBreaker(context.Background(), name, from.String(), to.String())
	}
}

// Protection builds the retry and breaker wrapper for the cache backend,
// wired to this manager's hooks
func (m *Manager) Protection(retry *limiter.RetryConfig, breaker *limiter.CircuitBreakerConfig) *limiter.ProtectionManager {
	if retry == nil {
		retry = limiter.DefaultRetryConfig()
	}
	rc := *retry
	rc.OnRetry = m.OnRetry(cache.BreakerName)

	breakers := limiter.NewCircuitBreakerManager(m.OnBreakerStateChange())
	if breaker != nil {
		breakers.Configure(breaker)
	}
	return limiter.NewProtectionManager(limiter.NewRetryManager(&rc), breakers)
}

// Shutdown flushes the tracer and the logger
func (m *Manager) Shutdown(ctx context.Context) error {
	return errors.Join(m.tracer.Shutdown(ctx), m.logger.Sync())
}
