package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestCircuitBreakerManager(t *testing.T) {
	cbm := NewCircuitBreakerManager(nil)

	err := cbm.Execute("cache", func() error { return nil })
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}

	if !cbm.IsClosed("cache") {
		t.Error("Expected circuit breaker to be closed after success")
	}
}

func TestCircuitBreakerManagerWithFailures(t *testing.T) {
	var transitions []gobreaker.State
	cbm := NewCircuitBreakerManager(func(name string, from, to gobreaker.State) {
		transitions = append(transitions, to)
	})

	for i := 0; i < 5; i++ {
		err := cbm.Execute("store", func() error {
			return errors.New("simulated failure")
		})
		if err == nil {
			t.Error("Expected error for failing function")
		}
	}

	if !cbm.IsOpen("store") {
		t.Error("Expected circuit breaker to be open after failures")
	}
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Errorf("Expected a single transition to open, got %v", transitions)
	}

	called := false
	err := cbm.Execute("store", func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected open breaker to skip the call")
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cbm := NewCircuitBreakerManager(nil)
	cfg := DefaultCircuitBreakerConfig("redis")
	cfg.Timeout = 20 * time.Millisecond
	cfg.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 }
	cbm.Configure(cfg)

	for i := 0; i < 2; i++ {
		_ = cbm.Execute("redis", func() error { return errors.New("down") })
	}
	if !cbm.IsOpen("redis") {
		t.Fatal("Expected breaker to open")
	}

	time.Sleep(30 * time.Millisecond)

	if err := cbm.Execute("redis", func() error { return nil }); err != nil {
		t.Errorf("Expected probe to succeed, got %v", err)
	}
	if !cbm.IsClosed("redis") {
		t.Error("Expected breaker to close after successful probe")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cbm := NewCircuitBreakerManager(nil)

	for i := 0; i < 5; i++ {
		_ = cbm.Execute("store", func() error { return errors.New("down") })
	}
	cbm.Reset("store")

	if !cbm.IsClosed("store") {
		t.Error("Expected breaker to be closed after reset")
	}

	stats := cbm.GetStats("store")
	if stats["name"] != "store" {
		t.Errorf("Expected name to be store, got %v", stats["name"])
	}
	if stats["requests"] != uint32(0) {
		t.Errorf("Expected 0 requests after reset, got %v", stats["requests"])
	}
}

func TestProtectionManagerSkipsRetriesWhenOpen(t *testing.T) {
	cbm := NewCircuitBreakerManager(nil)
	cfg := DefaultCircuitBreakerConfig("cache")
	cfg.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 1 }
	cbm.Configure(cfg)

	retry := NewRetryManager(&RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1})
	pm := NewProtectionManager(retry, cbm)

	attempts := 0
	err := pm.Execute(context.Background(), "cache", func(ctx context.Context) error {
		attempts++
		return transient()
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before the breaker opened, got %d", attempts)
	}
	if pm.IsAvailable("cache") {
		t.Error("Expected cache to be unavailable")
	}
}
