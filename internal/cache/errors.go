package cache

import "errors"

var (
	// ErrContention means the store stayed locked by other writers after all retries
	ErrContention = errors.New("cache store contention")

	// ErrCorrupt means the store file exists but is not a valid cache
	ErrCorrupt = errors.New("cache store corrupt")

	// ErrInvalidEntry means a value was rejected before it reached the store
	ErrInvalidEntry = errors.New("invalid cache entry")

	errLocked = errors.New("cache store locked")
)
