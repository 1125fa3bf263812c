package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Actions emitted by the engine
const (
	ActionRecordIngested  = "usage.recorded"
	ActionAlertFired      = "alert.fired"
	ActionAlertResolved   = "alert.resolved"
	ActionCacheCleared    = "cache.cleared"
	ActionHistoricalReset = "history.reset"
	ActionRulesUpdated    = "alert.rules_updated"
)

// Actions lists every action the engine emits
var Actions = []string{
	ActionRecordIngested,
	ActionAlertFired,
	ActionAlertResolved,
	ActionCacheCleared,
	ActionHistoricalReset,
	ActionRulesUpdated,
}

// DefaultRecorderLimit is how many notifications a Recorder keeps by default
const DefaultRecorderLimit = 100

// Notification describes one auditable action
type Notification struct {
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Notifier receives audit notifications. Notify must not block ingestion
// for long and its failure never undoes the audited action.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Nop discards notifications
var Nop Notifier = NotifierFunc(func(context.Context, Notification) error { return nil })

// LogNotifier writes notifications to a zap logger
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier writing to logger
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("audit")}
}

// Notify logs n
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := make([]zap.Field, 0, len(n.Details)+2)
	fields = append(fields,
		zap.String("actor", n.Actor),
		zap.Time("at", n.Timestamp),
	)
	for k, v := range n.Details {
		fields = append(fields, zap.Any(k, v))
	}
	l.logger.Info(n.Action, fields...)
	return nil
}

// Recorder keeps the most recent notifications in memory
type Recorder struct {
	mu      sync.RWMutex
	entries []Notification
	limit   int
	counts  map[string]int64
}

// NewRecorder creates a recorder keeping up to limit entries
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = DefaultRecorderLimit
	}
	return &Recorder{
		limit:  limit,
		counts: make(map[string]int64),
	}
}

// Notify stores n, dropping the oldest entry when full
func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, n)
	if len(r.entries) > r.limit {
		r.entries = append(r.entries[:0:0], r.entries[len(r.entries)-r.limit:]...)
	}
	r.counts[n.Action]++
	return nil
}

// Recent returns up to n newest notifications, newest first
func (r *Recorder) Recent(n int) []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]Notification, 0, n)
	for i := len(r.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

// Count returns how many notifications with action were seen
func (r *Recorder) Count(action string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.counts[action]
}

// Multi fans a notification out to several notifiers
type Multi []Notifier

// Notify delivers n to every notifier and returns the first error
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
