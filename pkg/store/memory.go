package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// MemoryStore implements an in-memory append-only event store
type MemoryStore struct {
	records []usage.Record
	ids     map[string]struct{}
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make([]usage.Record, 0),
		ids:     make(map[string]struct{}),
	}
}

// Append stores a record
func (m *MemoryStore) Append(ctx context.Context, rec usage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID != "" {
		if _, exists := m.ids[rec.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
		}
		m.ids[rec.ID] = struct{}{}
	}

	m.records = append(m.records, rec)
	return nil
}

// Scan iterates records in [from, to)
func (m *MemoryStore) Scan(ctx context.Context, from, to time.Time, fn func(usage.Record) error) error {
	// Elements below len are never written again, so the prefix is a
	// stable snapshot even if a later append reallocates.
	m.mu.RLock()
	snapshot := m.records[:len(m.records):len(m.records)]
	m.mu.RUnlock()

	for i, rec := range snapshot {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

// Count returns the number of stored records
func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.records)), nil
}

// Ping always succeeds for the in-memory store
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close closes the store
func (m *MemoryStore) Close() error {
	// Nothing to close for in-memory store
	return nil
}
