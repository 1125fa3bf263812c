package usage

import "errors"

var (
	// ErrInvalidRecord is returned for malformed ingestion input. Nothing is applied.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidRange is returned for a malformed or inverted filter interval.
	ErrInvalidRange = errors.New("invalid range")

	// ErrComputeTimeout is returned when a reader gives up waiting on a cache miss.
	// The underlying computation keeps running.
	ErrComputeTimeout = errors.New("compute timeout")

	// ErrBackendUnavailable is returned when the event store or cache backend can't be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
