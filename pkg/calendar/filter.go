package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// RangeKind selects the time window of a stats request
type RangeKind string

const (
	RangeToday     RangeKind = "today"
	RangeThisWeek  RangeKind = "this_week"
	RangeThisMonth RangeKind = "this_month"
	RangeThisYear  RangeKind = "this_year"
	RangeCustom    RangeKind = "custom"
	RangeAll       RangeKind = "all"
)

// FilterSpec describes a stats request. Start and End are only read for RangeCustom.
type FilterSpec struct {
	Range    RangeKind `json:"range"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
	Model    string    `json:"model,omitempty"`
	Provider string    `json:"provider,omitempty"`
}

// Custom returns a FilterSpec for an explicit [start, end) window
func Custom(start, end time.Time) FilterSpec {
	return FilterSpec{Range: RangeCustom, Start: start, End: end}
}

// Scoped returns a copy of f restricted to model and provider
func (f FilterSpec) Scoped(model, provider string) FilterSpec {
	f.Model = model
	f.Provider = provider
	return f
}

// ParseRange parses a range keyword. The short dashboard names
// (day, week, month, year) are accepted as aliases.
func ParseRange(s string) (RangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "today", "day":
		return RangeToday, nil
	case "this_week", "week":
		return RangeThisWeek, nil
	case "this_month", "month":
		return RangeThisMonth, nil
	case "this_year", "year":
		return RangeThisYear, nil
	case "custom":
		return RangeCustom, nil
	case "all", "":
		return RangeAll, nil
	default:
		return "", fmt.Errorf("%w: unknown range %q", usage.ErrInvalidRange, s)
	}
}

// normalizeDimension maps the "any" spellings to the empty string
func normalizeDimension(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "all", "*":
		return ""
	}
	return s
}
