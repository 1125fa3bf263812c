package stats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/calendar"
	"github.com/snow-ghost/usagemeter/pkg/store"
	"github.com/snow-ghost/usagemeter/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	day0    = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	fixedAt = time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()

	models := []string{"gpt-4o", "claude-3", "gemini"}
	providers := []string{"openai", "anthropic", "google"}
	for i := 0; i < 60; i++ {
		r := usage.Record{
			ID:        fmt.Sprintf("r%d", i),
			Timestamp: day0.Add(time.Duration(i) * 3 * time.Hour),
			Provider:  providers[i%3],
			Model:     models[i%3],
			TokensIn:  int64(i),
			TokensOut: 2,
			Cost:      usage.Micros(1000 + i),
			Succeeded: i%4 != 0,
		}
		require.NoError(t, s.Append(ctx, r))
	}
	return s
}

func TestAggregateTotals(t *testing.T) {
	agg := NewAggregator(seed(t), WithClock(func() time.Time { return fixedAt }))
	iv := calendar.Interval{Start: day0, End: day0.AddDate(0, 1, 0)}

	res, err := agg.Aggregate(context.Background(), iv, "", "")
	require.NoError(t, err)

	assert.Equal(t, int64(60), res.RecordCount)
	assert.Equal(t, int64(15), res.ErrorCount)
	// sum(0..59) + 60*2
	assert.Equal(t, int64(1770+120), res.TotalTokens)
	assert.Equal(t, usage.Micros(60*1000+1770), res.TotalCost)
	assert.Len(t, res.ByModel, 3)
	assert.Len(t, res.ByProvider, 3)
	assert.Equal(t, int64(20), res.ByModel["gemini"].RecordCount)
	assert.Equal(t, fixedAt, res.ComputedAt)
	assert.InDelta(t, 0.25, res.ErrorRate(), 1e-9)
	assert.Equal(t, int64(1), agg.Scans())
}

func TestAggregateFilters(t *testing.T) {
	agg := NewAggregator(seed(t))
	iv := calendar.Interval{Start: day0, End: day0.AddDate(0, 1, 0)}

	res, err := agg.Aggregate(context.Background(), iv, "gpt-4o", "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.RecordCount)
	assert.Len(t, res.ByModel, 1)

	res, err = agg.Aggregate(context.Background(), iv, "gpt-4o", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RecordCount)
	assert.Equal(t, 0.0, res.ErrorRate())
}

func TestAggregateIsAdditiveOverPartitions(t *testing.T) {
	agg := NewAggregator(seed(t), WithClock(func() time.Time { return fixedAt }))
	ctx := context.Background()
	full := calendar.Interval{Start: day0, End: day0.AddDate(0, 0, 8)}

	whole, err := agg.Aggregate(ctx, full, "", "")
	require.NoError(t, err)

	var merged usage.StatsResult
	for start := full.Start; start.Before(full.End); start = start.Add(17 * time.Hour) {
		end := start.Add(17 * time.Hour)
		if end.After(full.End) {
			end = full.End
		}
		part, err := agg.Aggregate(ctx, calendar.Interval{Start: start, End: end}, "", "")
		require.NoError(t, err)
		if merged.ByModel == nil {
			merged = part
			continue
		}
		merged = merged.Merge(part)
	}

	assert.Equal(t, whole.TotalTokens, merged.TotalTokens)
	assert.Equal(t, whole.TotalCost, merged.TotalCost)
	assert.Equal(t, whole.RecordCount, merged.RecordCount)
	assert.Equal(t, whole.ErrorCount, merged.ErrorCount)
	assert.Equal(t, whole.ByModel, merged.ByModel)
	assert.Equal(t, whole.ByProvider, merged.ByProvider)
}

func TestAggregateDeterministic(t *testing.T) {
	agg := NewAggregator(seed(t), WithClock(func() time.Time { return fixedAt }))
	iv := calendar.Interval{Start: day0, End: day0.AddDate(0, 0, 3)}

	a, err := agg.Aggregate(context.Background(), iv, "", "openai")
	require.NoError(t, err)
	b, err := agg.Aggregate(context.Background(), iv, "", "openai")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

type failingStore struct{ store.EventStore }

func (failingStore) Scan(context.Context, time.Time, time.Time, func(usage.Record) error) error {
	return errors.New("disk on fire")
}

func TestAggregateBackendError(t *testing.T) {
	var observed error
	agg := NewAggregator(failingStore{}, WithObserver(func(_ time.Duration, err error) { observed = err }))

	_, err := agg.Aggregate(context.Background(), calendar.Interval{Start: day0, End: fixedAt}, "", "")
	assert.True(t, errors.Is(err, usage.ErrBackendUnavailable))
	assert.Error(t, observed)
}
