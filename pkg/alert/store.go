package alert

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultHistoryLimit is how many events MemoryStore remembers
const DefaultHistoryLimit = 100

// Store persists alert events
type Store interface {
	Add(ctx context.Context, ev Event) error
	// Resolve closes the open event with fingerprint; ok is false if none is open.
	Resolve(ctx context.Context, fingerprint string, at time.Time) (ev Event, ok bool, err error)
	ListOpen(ctx context.Context) ([]Event, error)
	// History returns up to limit events, newest first.
	History(ctx context.Context, limit int) ([]Event, error)
}

// MemoryStore keeps open events and a bounded history in memory
type MemoryStore struct {
	mu      sync.RWMutex
	open    map[string]*Event
	history []*Event
	limit   int
}

// NewMemoryStore creates a store remembering up to limit events
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryStore{
		open:  make(map[string]*Event),
		limit: limit,
	}
}

// Add records a newly fired event
func (s *MemoryStore) Add(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := ev
	s.open[ev.Fingerprint] = &stored
	s.history = append(s.history, &stored)
	if len(s.history) > s.limit {
		s.history = append(s.history[:0:0], s.history[len(s.history)-s.limit:]...)
	}
	return nil
}

// Resolve closes the open event with fingerprint
func (s *MemoryStore) Resolve(ctx context.Context, fingerprint string, at time.Time) (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.open[fingerprint]
	if !ok {
		return Event{}, false, nil
	}
	resolved := at
	ev.ResolvedAt = &resolved
	delete(s.open, fingerprint)
	return *ev, true, nil
}

// ListOpen returns open events, oldest first
func (s *MemoryStore) ListOpen(ctx context.Context) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0, len(s.open))
	for _, ev := range s.open {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].TriggeredAt.Before(out[j].TriggeredAt)
	})
	return out, nil
}

// History returns up to limit events, newest first
func (s *MemoryStore) History(ctx context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Event, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		ev := *s.history[i]
		if ev.ResolvedAt != nil {
			resolved := *ev.ResolvedAt
			ev.ResolvedAt = &resolved
		}
		out = append(out, ev)
	}
	return out, nil
}
