package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries    int                          `json:"max_retries" yaml:"max_retries"`
	BaseDelay     time.Duration                `json:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration                `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64                      `json:"backoff_factor" yaml:"backoff_factor"`
	Jitter        bool                         `json:"jitter" yaml:"jitter"`
	Retryable     func(err error) bool         `json:"-" yaml:"-"`
	OnRetry       func(attempt int, err error) `json:"-" yaml:"-"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    2,
		BaseDelay:     20 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
		Jitter:        true,
		Retryable:     IsRetryable,
	}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) error

// RetryManager manages retry logic
type RetryManager struct {
	config *RetryConfig
}

// NewRetryManager creates a new retry manager
func NewRetryManager(config *RetryConfig) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.Retryable == nil {
		config.Retryable = IsRetryable
	}
	return &RetryManager{config: config}
}

// Config returns the retry configuration
func (rm *RetryManager) Config() RetryConfig {
	return *rm.config
}

// Execute runs fn until it succeeds, fails with a non-retryable error or
// the retry budget is spent.
func (rm *RetryManager) Execute(ctx context.Context, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt <= rm.config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if attempt == rm.config.MaxRetries {
			break
		}

		if !rm.config.Retryable(err) {
			return err
		}

		if rm.config.OnRetry != nil {
			rm.config.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(rm.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateDelay calculates the delay for the given attempt
func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: baseDelay * (backoffFactor ^ attempt)
	delay := float64(rm.config.BaseDelay) * math.Pow(rm.config.BackoffFactor, float64(attempt))

	if delay > float64(rm.config.MaxDelay) {
		delay = float64(rm.config.MaxDelay)
	}

	if rm.config.Jitter {
		// ±25%
		jitter := rand.Float64()*0.5 - 0.25
		delay = delay * (1 + jitter)
	}

	return time.Duration(delay)
}

// IsRetryable reports whether err is a transient backend failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, usage.ErrBackendUnavailable)
}
