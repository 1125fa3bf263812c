package store

import (
	"context"
	"errors"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/usage"
)

// ErrDuplicateRecord is returned when a record ID was already appended
var ErrDuplicateRecord = errors.New("duplicate record id")

// Bounds for full replays; both stay inside the range UnixNano can represent.
var (
	minTime = time.Unix(0, 0).Add(-1 << 62)
	maxTime = time.Unix(0, 0).Add(1 << 62)
)

// EventStore is an append-only store of usage records.
//
// Implementations must allow Append concurrently with Scan. A scan sees a
// consistent snapshot as of its start; records appended mid-scan may be missed.
type EventStore interface {
	// Append stores a record. Records are never updated or deleted.
	Append(ctx context.Context, rec usage.Record) error

	// Scan calls fn for every record with from <= timestamp < to.
	// A non-nil error from fn stops the scan and is returned.
	Scan(ctx context.Context, from, to time.Time, fn func(usage.Record) error) error

	// Count returns the number of stored records
	Count(ctx context.Context) (int64, error)

	// Ping checks the store is reachable
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}

// ScanAll is a convenience for replaying every record
func ScanAll(ctx context.Context, s EventStore, fn func(usage.Record) error) error {
	return s.Scan(ctx, minTime, maxTime, fn)
}
