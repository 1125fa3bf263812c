package usage

import (
	"fmt"
	"strings"
	"time"
)

// DefaultClockSkew is how far in the future a record timestamp may be
const DefaultClockSkew = 5 * time.Second

// MinTimestamp is the earliest accepted record timestamp. Ranges that reach
// back to the beginning of time start here, so nothing older can be counted.
var MinTimestamp = time.Unix(0, 0).UTC()

// Validate checks a record at the ingestion boundary
func (r Record) Validate(now time.Time, skew time.Duration) error {
	if strings.TrimSpace(r.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRecord)
	}
	if r.TokensIn < 0 {
		return fmt.Errorf("%w: tokens_in must be non-negative, got %d", ErrInvalidRecord, r.TokensIn)
	}
	if r.TokensOut < 0 {
		return fmt.Errorf("%w: tokens_out must be non-negative, got %d", ErrInvalidRecord, r.TokensOut)
	}
	if r.Cost < 0 {
		return fmt.Errorf("%w: cost must be non-negative, got %s", ErrInvalidRecord, r.Cost)
	}
	if r.LatencyMS < 0 {
		return fmt.Errorf("%w: latency_ms must be non-negative", ErrInvalidRecord)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	if r.Timestamp.Before(MinTimestamp) {
		return fmt.Errorf("%w: timestamp %s is before %s", ErrInvalidRecord,
			r.Timestamp.Format(time.RFC3339), MinTimestamp.Format(time.RFC3339))
	}
	if r.Timestamp.After(now.Add(skew)) {
		return fmt.Errorf("%w: timestamp %s is in the future", ErrInvalidRecord, r.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Normalize trims dimension names. Called before validation.
func (r Record) Normalize() Record {
	r.Provider = strings.TrimSpace(r.Provider)
	r.Model = strings.TrimSpace(r.Model)
	r.ID = strings.TrimSpace(r.ID)
	return r
}
