package lookup

import "errors"

var (
	// ErrLookup marks a failed knowledge-base request; the term is recorded as a definitive miss
	ErrLookup = errors.New("lookup failed")

	// ErrCache marks a cache failure the pipeline cannot recover from
	ErrCache = errors.New("resolution cache failure")
)
