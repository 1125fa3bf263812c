package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// Tracker keeps the running totals over every record ever ingested,
// independent of any query filter. It never touches the cache or the
// aggregator; all state is updated with atomics.
type Tracker struct {
	tokens  atomic.Int64
	cost    atomic.Int64
	records atomic.Int64

	// unix nanoseconds, 0 when unset
	firstSeen atomic.Int64
	lastSeen  atomic.Int64
	since     atomic.Int64

	models          atomic.Pointer[sync.Map]
	providers       atomic.Pointer[sync.Map]
	uniqueModels    atomic.Int64
	uniqueProviders atomic.Int64
}

// New creates a tracker whose totals start at since
func New(since time.Time) *Tracker {
	t := &Tracker{}
	t.models.Store(&sync.Map{})
	t.providers.Store(&sync.Map{})
	t.since.Store(since.UnixNano())
	return t
}

// Record adds rec to the running totals
func (t *Tracker) Record(rec usage.Record) {
	t.tokens.Add(rec.TotalTokens())
	t.cost.Add(int64(rec.Cost))
	t.records.Add(1)

	ts := rec.Timestamp.UnixNano()
	for {
		cur := t.firstSeen.Load()
		if cur != 0 && cur <= ts {
			break
		}
		if t.firstSeen.CompareAndSwap(cur, ts) {
			break
		}
	}
	for {
		cur := t.lastSeen.Load()
		if cur != 0 && cur >= ts {
			break
		}
		if t.lastSeen.CompareAndSwap(cur, ts) {
			break
		}
	}

	if _, loaded := t.models.Load().LoadOrStore(rec.Model, struct{}{}); !loaded {
		t.uniqueModels.Add(1)
	}
	if _, loaded := t.providers.Load().LoadOrStore(rec.Provider, struct{}{}); !loaded {
		t.uniqueProviders.Add(1)
	}
}

// Snapshot returns the current totals
func (t *Tracker) Snapshot() usage.CumulativeTotal {
	total := usage.CumulativeTotal{
		TotalTokens:     t.tokens.Load(),
		TotalCost:       usage.Micros(t.cost.Load()),
		TotalRecords:    t.records.Load(),
		UniqueModels:    t.uniqueModels.Load(),
		UniqueProviders: t.uniqueProviders.Load(),
		Since:           time.Unix(0, t.since.Load()).UTC(),
	}
	if ns := t.firstSeen.Load(); ns != 0 {
		total.FirstSeen = time.Unix(0, ns).UTC()
	}
	if ns := t.lastSeen.Load(); ns != 0 {
		total.LastSeen = time.Unix(0, ns).UTC()
	}
	return total
}

// Models returns the distinct models seen since the last reset, sorted
func (t *Tracker) Models() []string {
	return keys(t.models.Load())
}

// Providers returns the distinct providers seen since the last reset, sorted
func (t *Tracker) Providers() []string {
	return keys(t.providers.Load())
}

func keys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Reset zeroes the totals and restarts the tracking period at now. It must
// not race with Record; callers serialize it with ingestion.
func (t *Tracker) Reset(now time.Time) {
	t.tokens.Store(0)
	t.cost.Store(0)
	t.records.Store(0)
	t.firstSeen.Store(0)
	t.lastSeen.Store(0)
	t.models.Store(&sync.Map{})
	t.providers.Store(&sync.Map{})
	t.uniqueModels.Store(0)
	t.uniqueProviders.Store(0)
	t.since.Store(now.UnixNano())
}
