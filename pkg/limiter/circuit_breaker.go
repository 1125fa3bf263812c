package limiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a breaker rejects a call without running it
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name        string                             `json:"name" yaml:"name"`
	MaxRequests uint32                             `json:"max_requests" yaml:"max_requests"`
	Interval    time.Duration                      `json:"interval" yaml:"interval"`
	Timeout     time.Duration                      `json:"timeout" yaml:"timeout"`
	ReadyToTrip func(counts gobreaker.Counts) bool `json:"-" yaml:"-"`
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Open circuit if failure rate is > 50% and we have at least 5 requests
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}
}

// StateChangeFunc is notified when a breaker changes state
type StateChangeFunc func(name string, from, to gobreaker.State)

// CircuitBreakerManager manages named circuit breakers, one per backend
type CircuitBreakerManager struct {
	breakers      map[string]*gobreaker.CircuitBreaker
	configs       map[string]*CircuitBreakerConfig
	onStateChange StateChangeFunc
	mu            sync.RWMutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(onStateChange StateChangeFunc) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		configs:       make(map[string]*CircuitBreakerConfig),
		onStateChange: onStateChange,
	}
}

// Configure sets the configuration used the next time the named breaker is created
func (cbm *CircuitBreakerManager) Configure(config *CircuitBreakerConfig) {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	cbm.configs[config.Name] = config
	delete(cbm.breakers, config.Name)
}

// GetBreaker returns or creates the named circuit breaker
func (cbm *CircuitBreakerManager) GetBreaker(name string) *gobreaker.CircuitBreaker {
	cbm.mu.RLock()
	breaker, exists := cbm.breakers[name]
	cbm.mu.RUnlock()
	if exists {
		return breaker
	}

	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if breaker, exists := cbm.breakers[name]; exists {
		return breaker
	}

	cbConfig, ok := cbm.configs[name]
	if !ok {
		cbConfig = DefaultCircuitBreakerConfig(name)
		cbm.configs[name] = cbConfig
	}

	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cbConfig.Name,
		MaxRequests: cbConfig.MaxRequests,
		Interval:    cbConfig.Interval,
		Timeout:     cbConfig.Timeout,
		ReadyToTrip: cbConfig.ReadyToTrip,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if cbm.onStateChange != nil {
				cbm.onStateChange(name, from, to)
			}
		},
	})
	cbm.breakers[name] = breaker

	return breaker
}

// Execute executes a function through the named circuit breaker
func (cbm *CircuitBreakerManager) Execute(name string, fn func() error) error {
	breaker := cbm.GetBreaker(name)

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrCircuitOpen, name, err)
	}

	return err
}

// GetState returns the current state of a circuit breaker
func (cbm *CircuitBreakerManager) GetState(name string) gobreaker.State {
	return cbm.GetBreaker(name).State()
}

// GetStats returns circuit breaker statistics
func (cbm *CircuitBreakerManager) GetStats(name string) map[string]interface{} {
	breaker := cbm.GetBreaker(name)
	counts := breaker.Counts()

	return map[string]interface{}{
		"name":                 name,
		"state":                breaker.State().String(),
		"requests":             counts.Requests,
		"total_success":        counts.TotalSuccesses,
		"total_failures":       counts.TotalFailures,
		"consecutive_success":  counts.ConsecutiveSuccesses,
		"consecutive_failures": counts.ConsecutiveFailures,
	}
}

// Reset discards the named breaker; the next call starts closed
func (cbm *CircuitBreakerManager) Reset(name string) {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	delete(cbm.breakers, name)
}

// IsOpen checks if the named circuit breaker is open
func (cbm *CircuitBreakerManager) IsOpen(name string) bool {
	return cbm.GetState(name) == gobreaker.StateOpen
}

// IsClosed checks if the named circuit breaker is closed
func (cbm *CircuitBreakerManager) IsClosed(name string) bool {
	return cbm.GetState(name) == gobreaker.StateClosed
}
