package engine

import (
	"context"
	"time"
)

// Health status values
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// ComponentHealth is the result of one dependency check
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthReport summarizes dependency health. A cache outage only degrades
// the service since reads fall back to direct aggregation.
type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Records    int64                      `json:"records"`
	OpenAlerts int                        `json:"open_alerts"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Health pings the event store and the cache backend
func (e *Engine) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:     StatusOK,
		Components: make(map[string]ComponentHealth, 2),
		CheckedAt:  e.now(),
	}

	if err := e.store.Ping(ctx); err != nil {
		report.Status = StatusUnavailable
		report.Components["store"] = ComponentHealth{Status: StatusUnavailable, Error: err.Error()}
	} else {
		report.Components["store"] = ComponentHealth{Status: StatusOK}
		if n, err := e.store.Count(ctx); err == nil {
			report.Records = n
		}
	}

	if err := e.cache.Ping(ctx); err != nil {
		if report.Status == StatusOK {
			report.Status = StatusDegraded
		}
		report.Components["cache"] = ComponentHealth{Status: StatusUnavailable, Error: err.Error()}
	} else {
		report.Components["cache"] = ComponentHealth{Status: StatusOK}
	}

	if open, err := e.alerts.ListOpen(ctx); err == nil {
		report.OpenAlerts = len(open)
	}
	return report
}
