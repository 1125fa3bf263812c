package calendar

import (
	"fmt"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// Epoch is the start of the "all" range.
var Epoch = usage.MinTimestamp

// allBucket is the granularity the end of the "all" range is rounded to.
const allBucket = time.Minute

// Interval is a half-open instant range [Start, End)
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in [Start, End)
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// ClosedAt reports whether the interval lies entirely before now
func (i Interval) ClosedAt(now time.Time) bool {
	return !i.End.After(now)
}

// Resolved is a FilterSpec turned into a concrete interval and dimensions
type Resolved struct {
	Interval
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	// Open is true when the interval still contains now.
	Open bool `json:"open"`
}

// Resolve turns spec into a concrete [start, end) interval in loc.
// Calendar ranges are natural periods, not rolling windows.
func Resolve(spec FilterSpec, now time.Time, loc *time.Location) (Resolved, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	var iv Interval
	switch spec.Range {
	case RangeToday:
		iv.Start = StartOfDay(local)
		iv.End = iv.Start.AddDate(0, 0, 1)
	case RangeThisWeek:
		iv.Start = StartOfWeek(local)
		iv.End = iv.Start.AddDate(0, 0, 7)
	case RangeThisMonth:
		iv.Start = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		iv.End = iv.Start.AddDate(0, 1, 0)
	case RangeThisYear:
		iv.Start = time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, loc)
		iv.End = iv.Start.AddDate(1, 0, 0)
	case RangeCustom:
		if spec.Start.IsZero() || spec.End.IsZero() {
			return Resolved{}, fmt.Errorf("%w: custom range needs start and end", usage.ErrInvalidRange)
		}
		if !spec.Start.Before(spec.End) {
			return Resolved{}, fmt.Errorf("%w: start %s is not before end %s", usage.ErrInvalidRange,
				spec.Start.Format(time.RFC3339), spec.End.Format(time.RFC3339))
		}
		iv.Start = spec.Start
		iv.End = spec.End
	case RangeAll:
		iv.Start = Epoch
		iv.End = now.Truncate(allBucket).Add(allBucket)
	default:
		return Resolved{}, fmt.Errorf("%w: unknown range %q", usage.ErrInvalidRange, spec.Range)
	}

	return Resolved{
		Interval: iv,
		Model:    normalizeDimension(spec.Model),
		Provider: normalizeDimension(spec.Provider),
		Open:     !iv.ClosedAt(now),
	}, nil
}

// StartOfDay returns local midnight of t's day in t's location
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// StartOfWeek returns the Monday 00:00 of t's week in t's location
func StartOfWeek(t time.Time) time.Time {
	days := int(t.Weekday())
	if days == 0 { // Sunday
		days = 7
	}
	days-- // Monday = 0
	return time.Date(t.Year(), t.Month(), t.Day()-days, 0, 0, 0, 0, t.Location())
}

// DayBucket formats t's calendar day in loc, used for alert fingerprints
func DayBucket(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
