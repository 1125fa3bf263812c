package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/audit"
	"github.com/snow-ghost/usagemeter/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves canned figures per model scope
type fakeSource struct {
	today map[string]usage.StatsResult
	total usage.CumulativeTotal
	err   error
	calls int
}

func (f *fakeSource) TodayStats(ctx context.Context, now time.Time, model, provider string) (usage.StatsResult, error) {
	f.calls++
	if f.err != nil {
		return usage.StatsResult{}, f.err
	}
	return f.today[model], nil
}

func (f *fakeSource) HistoricalSnapshot() usage.CumulativeTotal {
	return f.total
}

func stats(records, errs int64) usage.StatsResult {
	return usage.StatsResult{RecordCount: records, ErrorCount: errs}
}

var noon = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

func errorRateRule() Rule {
	return Rule{Name: "errors", Kind: KindErrorRate, Threshold: 0.5, MinSamples: 5}
}

func TestErrorRateSampleFloor(t *testing.T) {
	src := &fakeSource{today: map[string]usage.StatsResult{"": stats(1, 1)}}
	store := NewMemoryStore(0)
	e, err := NewEvaluator(src, store, []Rule{errorRateRule()})
	require.NoError(t, err)
	ctx := context.Background()

	fired, err := e.Evaluate(ctx, noon)
	require.NoError(t, err)
	assert.Empty(t, fired, "1 error out of 1 record is below the sample floor")

	src.today[""] = stats(5, 3)
	fired, err = e.Evaluate(ctx, noon.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.InDelta(t, 0.6, fired[0].ObservedValue, 1e-9)
	assert.Equal(t, "errors|error_rate|2025-03-12", fired[0].Fingerprint)

	// Still breached the same day: de-duplicated.
	src.today[""] = stats(6, 4)
	fired, err = e.Evaluate(ctx, noon.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, fired)

	open, _ := store.ListOpen(ctx)
	assert.Len(t, open, 1)
}

func TestErrorRateNewDayRefires(t *testing.T) {
	src := &fakeSource{today: map[string]usage.StatsResult{"": stats(5, 3)}}
	store := NewMemoryStore(0)
	rec := audit.NewRecorder(10)
	e, err := NewEvaluator(src, store, []Rule{errorRateRule()}, WithNotifier(rec))
	require.NoError(t, err)
	ctx := context.Background()

	first, _ := e.Evaluate(ctx, noon)
	require.Len(t, first, 1)

	next, err := e.Evaluate(ctx, noon.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.NotEqual(t, first[0].Fingerprint, next[0].Fingerprint)

	open, _ := store.ListOpen(ctx)
	require.Len(t, open, 1)
	assert.Equal(t, next[0].Fingerprint, open[0].Fingerprint)

	assert.Equal(t, int64(2), rec.Count(audit.ActionAlertFired))
	assert.Equal(t, int64(1), rec.Count(audit.ActionAlertResolved))
}

func TestAlertResolvesAndRefires(t *testing.T) {
	src := &fakeSource{today: map[string]usage.StatsResult{"": {TotalTokens: 2000}}}
	store := NewMemoryStore(0)

	var resolved []Event
	rule := Rule{Name: "daily-tokens", Kind: KindDailyLimit, Threshold: 1000}
	e, err := NewEvaluator(src, store, []Rule{rule}, WithHooks(Hooks{OnResolved: func(ev Event) { resolved = append(resolved, ev) }}))
	require.NoError(t, err)
	ctx := context.Background()

	fired, _ := e.Evaluate(ctx, noon)
	require.Len(t, fired, 1)

	src.today[""] = usage.StatsResult{TotalTokens: 1000}
	fired, _ = e.Evaluate(ctx, noon.Add(time.Minute))
	assert.Empty(t, fired)
	require.Len(t, resolved, 1)
	require.NotNil(t, resolved[0].ResolvedAt)

	open, _ := store.ListOpen(ctx)
	assert.Empty(t, open)

	src.today[""] = usage.StatsResult{TotalTokens: 1500}
	fired, _ = e.Evaluate(ctx, noon.Add(2*time.Minute))
	require.Len(t, fired, 1, "a resolved condition may fire again")

	history, _ := store.History(ctx, 0)
	require.Len(t, history, 2)
	assert.True(t, history[0].Open())
	assert.False(t, history[1].Open())
}

func TestDailyCostAndScope(t *testing.T) {
	src := &fakeSource{today: map[string]usage.StatsResult{
		"gpt-4o":   {TotalCost: usage.Micros(12_500_000)},
		"claude-3": {TotalCost: usage.Micros(1_000_000)},
	}}
	rules := []Rule{
		{Name: "gpt-cost", Kind: KindDailyLimit, Metric: MetricCost, Threshold: 10, Model: "gpt-4o"},
		{Name: "claude-cost", Kind: KindDailyLimit, Metric: MetricCost, Threshold: 10, Model: "claude-3"},
		{Name: "gpt-cost-2", Kind: KindDailyLimit, Metric: MetricCost, Threshold: 20, Model: "gpt-4o"},
	}
	e, err := NewEvaluator(src, NewMemoryStore(0), rules)
	require.NoError(t, err)

	fired, err := e.Evaluate(context.Background(), noon)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "gpt-cost", fired[0].Rule.Name)
	assert.InDelta(t, 12.5, fired[0].ObservedValue, 1e-9)
	assert.Contains(t, fired[0].Message, "model gpt-4o")
	assert.Equal(t, 2, src.calls, "one aggregation per distinct scope")
}

func TestCumulativeLimit(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{total: usage.CumulativeTotal{TotalTokens: 5_000_001, Since: since}}
	rule := Rule{Name: "lifetime", Kind: KindCumulativeLimit, Threshold: 5_000_000}
	e, err := NewEvaluator(src, NewMemoryStore(0), []Rule{rule})
	require.NoError(t, err)
	ctx := context.Background()

	fired, _ := e.Evaluate(ctx, noon)
	require.Len(t, fired, 1)

	// Days pass, the total stays over: the bucket is the tracking period.
	fired, _ = e.Evaluate(ctx, noon.AddDate(0, 0, 3))
	assert.Empty(t, fired)

	// An administrative reset starts a new period.
	src.total = usage.CumulativeTotal{TotalTokens: 6_000_000, Since: noon.AddDate(0, 0, 4)}
	fired, _ = e.Evaluate(ctx, noon.AddDate(0, 0, 5))
	assert.Len(t, fired, 1)
}

func TestEvaluateSourceErrorKeepsState(t *testing.T) {
	src := &fakeSource{today: map[string]usage.StatsResult{"": stats(10, 9)}}
	store := NewMemoryStore(0)
	e, err := NewEvaluator(src, store, []Rule{errorRateRule()})
	require.NoError(t, err)
	ctx := context.Background()

	fired, _ := e.Evaluate(ctx, noon)
	require.Len(t, fired, 1)

	src.err = usage.ErrBackendUnavailable
	_, err = e.Evaluate(ctx, noon.Add(time.Minute))
	assert.True(t, errors.Is(err, usage.ErrBackendUnavailable))

	open, _ := store.ListOpen(ctx)
	assert.Len(t, open, 1, "a failed read must not resolve the alert")
}

func TestSetRules(t *testing.T) {
	src := &fakeSource{today: map[string]usage.StatsResult{"": {TotalTokens: 5000}}}
	store := NewMemoryStore(0)
	keep := Rule{Name: "keep", Kind: KindDailyLimit, Threshold: 100}
	drop := Rule{Name: "drop", Kind: KindDailyLimit, Threshold: 200}
	e, err := NewEvaluator(src, store, []Rule{keep, drop}, WithClock(func() time.Time { return noon }))
	require.NoError(t, err)
	ctx := context.Background()

	fired, _ := e.Evaluate(ctx, noon)
	require.Len(t, fired, 2)

	require.NoError(t, e.SetRules(ctx, []Rule{keep}))
	open, _ := store.ListOpen(ctx)
	require.Len(t, open, 1)
	assert.Equal(t, "keep", open[0].Rule.Name)

	fired, _ = e.Evaluate(ctx, noon.Add(time.Minute))
	assert.Empty(t, fired, "state of unchanged rules survives a reload")

	err = e.SetRules(ctx, []Rule{keep, keep})
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Len(t, e.Rules(), 1)
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		valid bool
	}{
		{"daily default metric", Rule{Kind: KindDailyLimit, Threshold: 1}, true},
		{"error rate", Rule{Kind: KindErrorRate, Threshold: 0.2, MinSamples: 10}, true},
		{"error rate above one", Rule{Kind: KindErrorRate, Threshold: 1.5}, false},
		{"unknown kind", Rule{Kind: "weekly", Threshold: 1}, false},
		{"unknown metric", Rule{Kind: KindDailyLimit, Metric: "requests", Threshold: 1}, false},
		{"negative threshold", Rule{Kind: KindDailyLimit, Threshold: -1}, false},
		{"scoped cumulative", Rule{Kind: KindCumulativeLimit, Threshold: 1, Model: "gpt-4o"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Normalized().Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRule)
			}
		})
	}
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Add(ctx, Event{Fingerprint: string(rune('a' + i)), TriggeredAt: noon.Add(time.Duration(i) * time.Minute)})
	}

	history, _ := s.History(ctx, 0)
	require.Len(t, history, 3)
	assert.Equal(t, "e", history[0].Fingerprint)

	open, _ := s.ListOpen(ctx)
	assert.Len(t, open, 5, "open events outlive the history window")

	_, ok, _ := s.Resolve(ctx, "a", noon)
	assert.True(t, ok)
	_, ok, _ = s.Resolve(ctx, "a", noon)
	assert.False(t, ok)
}
