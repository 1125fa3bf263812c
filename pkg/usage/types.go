package usage

import (
	"time"
)

// Record represents a single ingested usage event
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
	Cost      Micros    `json:"cost"`
	Succeeded bool      `json:"succeeded"`
	SessionID string    `json:"session_id,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
}

// TotalTokens returns input plus output tokens
func (r Record) TotalTokens() int64 {
	return r.TokensIn + r.TokensOut
}

// Subtotal represents aggregated usage for one model or provider
type Subtotal struct {
	Tokens      int64  `json:"tokens"`
	TokensIn    int64  `json:"tokens_in"`
	TokensOut   int64  `json:"tokens_out"`
	Cost        Micros `json:"cost"`
	RecordCount int64  `json:"record_count"`
	ErrorCount  int64  `json:"error_count"`
}

func (s *Subtotal) add(r Record) {
	s.Tokens += r.TotalTokens()
	s.TokensIn += r.TokensIn
	s.TokensOut += r.TokensOut
	s.Cost += r.Cost
	s.RecordCount++
	if !r.Succeeded {
		s.ErrorCount++
	}
}

func (s Subtotal) merge(o Subtotal) Subtotal {
	return Subtotal{
		Tokens:      s.Tokens + o.Tokens,
		TokensIn:    s.TokensIn + o.TokensIn,
		TokensOut:   s.TokensOut + o.TokensOut,
		Cost:        s.Cost + o.Cost,
		RecordCount: s.RecordCount + o.RecordCount,
		ErrorCount:  s.ErrorCount + o.ErrorCount,
	}
}

// StatsResult represents aggregated usage over one resolved interval
type StatsResult struct {
	TotalTokens int64               `json:"total_tokens"`
	TokensIn    int64               `json:"tokens_in"`
	TokensOut   int64               `json:"tokens_out"`
	TotalCost   Micros              `json:"total_cost"`
	RecordCount int64               `json:"record_count"`
	ErrorCount  int64               `json:"error_count"`
	ByModel     map[string]Subtotal `json:"by_model"`
	ByProvider  map[string]Subtotal `json:"by_provider"`
	From        time.Time           `json:"from"`
	To          time.Time           `json:"to"`
	ComputedAt  time.Time           `json:"computed_at"`
}

// NewStatsResult returns an empty result covering [from, to)
func NewStatsResult(from, to time.Time) StatsResult {
	return StatsResult{
		ByModel:    make(map[string]Subtotal),
		ByProvider: make(map[string]Subtotal),
		From:       from,
		To:         to,
	}
}

// Add folds a record into the result. Only valid while the result is being built.
func (s *StatsResult) Add(r Record) {
	s.TotalTokens += r.TotalTokens()
	s.TokensIn += r.TokensIn
	s.TokensOut += r.TokensOut
	s.TotalCost += r.Cost
	s.RecordCount++
	if !r.Succeeded {
		s.ErrorCount++
	}

	if s.ByModel == nil {
		s.ByModel = make(map[string]Subtotal)
	}
	if s.ByProvider == nil {
		s.ByProvider = make(map[string]Subtotal)
	}

	m := s.ByModel[r.Model]
	m.add(r)
	s.ByModel[r.Model] = m

	p := s.ByProvider[r.Provider]
	p.add(r)
	s.ByProvider[r.Provider] = p
}

// ErrorRate returns error_count / record_count, 0 for an empty result
func (s StatsResult) ErrorRate() float64 {
	if s.RecordCount == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.RecordCount)
}

// SuccessRate returns the share of succeeded records, 1 for an empty result
func (s StatsResult) SuccessRate() float64 {
	return 1 - s.ErrorRate()
}

// AverageTokens returns the mean tokens per record
func (s StatsResult) AverageTokens() float64 {
	if s.RecordCount == 0 {
		return 0
	}
	return float64(s.TotalTokens) / float64(s.RecordCount)
}

// Merge combines two results over disjoint record sets. The covered
// interval becomes the hull of both.
func (s StatsResult) Merge(o StatsResult) StatsResult {
	out := NewStatsResult(s.From, s.To)
	if !o.From.IsZero() && (out.From.IsZero() || o.From.Before(out.From)) {
		out.From = o.From
	}
	if o.To.After(out.To) {
		out.To = o.To
	}
	out.ComputedAt = s.ComputedAt
	if o.ComputedAt.After(out.ComputedAt) {
		out.ComputedAt = o.ComputedAt
	}

	out.TotalTokens = s.TotalTokens + o.TotalTokens
	out.TokensIn = s.TokensIn + o.TokensIn
	out.TokensOut = s.TokensOut + o.TokensOut
	out.TotalCost = s.TotalCost + o.TotalCost
	out.RecordCount = s.RecordCount + o.RecordCount
	out.ErrorCount = s.ErrorCount + o.ErrorCount

	for _, src := range []map[string]Subtotal{s.ByModel, o.ByModel} {
		for k, v := range src {
			out.ByModel[k] = out.ByModel[k].merge(v)
		}
	}
	for _, src := range []map[string]Subtotal{s.ByProvider, o.ByProvider} {
		for k, v := range src {
			out.ByProvider[k] = out.ByProvider[k].merge(v)
		}
	}

	return out
}

// Clone returns a deep copy so callers can't mutate a cached value
func (s StatsResult) Clone() StatsResult {
	out := s
	out.ByModel = make(map[string]Subtotal, len(s.ByModel))
	for k, v := range s.ByModel {
		out.ByModel[k] = v
	}
	out.ByProvider = make(map[string]Subtotal, len(s.ByProvider))
	for k, v := range s.ByProvider {
		out.ByProvider[k] = v
	}
	return out
}

// CumulativeTotal represents the filter-independent running total
type CumulativeTotal struct {
	TotalTokens     int64     `json:"total_tokens"`
	TotalCost       Micros    `json:"total_cost"`
	TotalRecords    int64     `json:"total_records"`
	UniqueModels    int64     `json:"unique_models"`
	UniqueProviders int64     `json:"unique_providers"`
	FirstSeen       time.Time `json:"first_seen,omitempty"`
	LastSeen        time.Time `json:"last_seen,omitempty"`
	Since           time.Time `json:"since"`
}
