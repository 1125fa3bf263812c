package alert

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// ErrInvalidRule is returned for malformed alert rules
var ErrInvalidRule = errors.New("invalid alert rule")

// Kind selects what a rule observes
type Kind string

const (
	// KindDailyLimit compares today's tokens or cost with the threshold
	KindDailyLimit Kind = "daily_limit"
	// KindErrorRate compares today's error rate with the threshold
	KindErrorRate Kind = "error_rate"
	// KindCumulativeLimit compares the all-time running total with the threshold
	KindCumulativeLimit Kind = "cumulative_limit"
)

// Metric selects the quantity limit rules measure
type Metric string

const (
	MetricTokens Metric = "tokens"
	MetricCost   Metric = "cost"
)

// Rule is an alert rule
type Rule struct {
	Name       string  `json:"name" yaml:"name"`
	Kind       Kind    `json:"kind" yaml:"kind"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	Metric     Metric  `json:"metric,omitempty" yaml:"metric"`
	Model      string  `json:"model,omitempty" yaml:"model"`
	Provider   string  `json:"provider,omitempty" yaml:"provider"`
	MinSamples int64   `json:"min_samples,omitempty" yaml:"min_samples"`
	Severity   string  `json:"severity,omitempty" yaml:"severity"`
}

// ID identifies the rule across reloads
func (r Rule) ID() string {
	if r.Name != "" {
		return r.Name
	}
	parts := []string{string(r.Kind), string(r.Metric), r.Model, r.Provider,
		strconv.FormatFloat(r.Threshold, 'g', -1, 64)}
	return strings.Join(parts, ":")
}

// Normalized fills defaults
func (r Rule) Normalized() Rule {
	r.Name = strings.TrimSpace(r.Name)
	r.Model = strings.TrimSpace(r.Model)
	r.Provider = strings.TrimSpace(r.Provider)
	if r.Kind != KindErrorRate && r.Metric == "" {
		r.Metric = MetricTokens
	}
	if r.Severity == "" {
		r.Severity = "warning"
	}
	return r
}

// Validate checks the rule
func (r Rule) Validate() error {
	switch r.Kind {
	case KindDailyLimit, KindCumulativeLimit:
		if r.Metric != MetricTokens && r.Metric != MetricCost {
			return fmt.Errorf("%w: %s: unknown metric %q", ErrInvalidRule, r.ID(), r.Metric)
		}
	case KindErrorRate:
		if r.Threshold > 1 {
			return fmt.Errorf("%w: %s: error rate threshold %g above 1", ErrInvalidRule, r.ID(), r.Threshold)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}

	if r.Threshold < 0 {
		return fmt.Errorf("%w: %s: negative threshold", ErrInvalidRule, r.ID())
	}
	if r.MinSamples < 0 {
		return fmt.Errorf("%w: %s: negative min_samples", ErrInvalidRule, r.ID())
	}
	if r.Kind == KindCumulativeLimit && (r.Model != "" || r.Provider != "") {
		return fmt.Errorf("%w: %s: cumulative totals cannot be scoped", ErrInvalidRule, r.ID())
	}
	return nil
}

// measure extracts the rule's observed value from a stats result. eligible
// is false when the sample floor is not met.
func (r Rule) measure(stats usage.StatsResult) (value float64, eligible bool) {
	switch r.Kind {
	case KindErrorRate:
		if stats.RecordCount == 0 || stats.RecordCount < r.MinSamples {
			return stats.ErrorRate(), false
		}
		return stats.ErrorRate(), true
	default:
		if r.Metric == MetricCost {
			return stats.TotalCost.Float64(), true
		}
		return float64(stats.TotalTokens), true
	}
}

// measureTotal extracts the observed value from the running total
func (r Rule) measureTotal(total usage.CumulativeTotal) float64 {
	if r.Metric == MetricCost {
		return total.TotalCost.Float64()
	}
	return float64(total.TotalTokens)
}

// Fingerprint identifies one logical alert condition
func Fingerprint(r Rule, bucket string) string {
	return r.ID() + "|" + string(r.Kind) + "|" + bucket
}

// Event is a fired alert
type Event struct {
	Rule          Rule       `json:"rule"`
	TriggeredAt   time.Time  `json:"triggered_at"`
	ObservedValue float64    `json:"observed_value"`
	Fingerprint   string     `json:"fingerprint"`
	Message       string     `json:"message"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the event has not been resolved
func (e Event) Open() bool {
	return e.ResolvedAt == nil
}
