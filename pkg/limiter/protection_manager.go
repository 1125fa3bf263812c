package limiter

import (
	"context"
)

// ProtectionManager combines retries with a circuit breaker for calls to
// shared backends (cache, event store).
type ProtectionManager struct {
	retryManager   *RetryManager
	circuitBreaker *CircuitBreakerManager
}

// NewProtectionManager creates a new protection manager
func NewProtectionManager(retry *RetryManager, breakers *CircuitBreakerManager) *ProtectionManager {
	if retry == nil {
		retry = NewRetryManager(nil)
	}
	if breakers == nil {
		breakers = NewCircuitBreakerManager(nil)
	}
	return &ProtectionManager{
		retryManager:   retry,
		circuitBreaker: breakers,
	}
}

// Execute runs fn through the named breaker, retrying transient failures.
// An open breaker fails immediately without retrying.
func (pm *ProtectionManager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return pm.retryManager.Execute(ctx, func(ctx context.Context) error {
		return pm.circuitBreaker.Execute(name, func() error {
			return fn(ctx)
		})
	})
}

// Breakers exposes the underlying breaker manager
func (pm *ProtectionManager) Breakers() *CircuitBreakerManager {
	return pm.circuitBreaker
}

// GetStats returns statistics for the named backend
func (pm *ProtectionManager) GetStats(name string) map[string]interface{} {
	cfg := pm.retryManager.Config()
	return map[string]interface{}{
		"circuit_breaker": pm.circuitBreaker.GetStats(name),
		"retry_config": map[string]interface{}{
			"max_retries":    cfg.MaxRetries,
			"base_delay":     cfg.BaseDelay.String(),
			"max_delay":      cfg.MaxDelay.String(),
			"backoff_factor": cfg.BackoffFactor,
			"jitter":         cfg.Jitter,
		},
	}
}

// IsAvailable reports whether calls to the named backend would be attempted
func (pm *ProtectionManager) IsAvailable(name string) bool {
	return !pm.circuitBreaker.IsOpen(name)
}
