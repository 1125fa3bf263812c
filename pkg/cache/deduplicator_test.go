package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
)

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator()

	res := <-d.DoChan("k", func() (usage.StatsResult, error) {
		return usage.StatsResult{RecordCount: 3}, nil
	})

	if res.Err != nil {
		t.Errorf("Expected no error, got %v", res.Err)
	}
	if res.Value.RecordCount != 3 {
		t.Errorf("Expected 3 records, got %d", res.Value.RecordCount)
	}
	if res.Shared {
		t.Error("Expected a lone call not to be shared")
	}
}

func TestDeduplicatorConcurrent(t *testing.T) {
	d := NewDeduplicator()

	var executions atomic.Int32
	release := make(chan struct{})
	fn := func() (usage.StatsResult, error) {
		executions.Add(1)
		<-release
		return usage.StatsResult{RecordCount: 42}, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan DedupResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- <-d.DoChan("same", fn)
		}()
	}

	// Let every caller join the flight before it completes.
	for d.Stats().Requests < callers {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()
	close(results)

	for res := range results {
		if res.Value.RecordCount != 42 {
			t.Errorf("Expected shared value 42, got %d", res.Value.RecordCount)
		}
	}
	if executions.Load() != 1 {
		t.Errorf("Expected 1 execution, got %d", executions.Load())
	}

	stats := d.Stats()
	if stats.Executions != 1 || stats.Deduplicated != callers {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if rate := d.DedupRate(); rate != float64(callers-1)/callers {
		t.Errorf("Unexpected dedup rate %f", rate)
	}
}

func TestDeduplicatorAbandonedWaiter(t *testing.T) {
	d := NewDeduplicator()

	done := make(chan struct{})
	release := make(chan struct{})
	_ = d.DoChan("k", func() (usage.StatsResult, error) {
		<-release
		close(done)
		return usage.StatsResult{}, nil
	})

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected computation to finish without a listener")
	}
}
