package model

import "fmt"

// TermStatus is the resolution state of a single term within a sentence
type TermStatus string

const (
	TermNotProcessed      TermStatus = "not_processed"       // Extracted, not yet checked against the cache
	TermCacheHit          TermStatus = "cache_hit"           // Cache held a resolved entity
	TermNullNoAPIValue    TermStatus = "null_no_api_value"   // Cache held a null marker (earlier lookup found nothing)
	TermNeedsAPILookup    TermStatus = "needs_api_lookup"    // Not in cache, waiting for the lookup pass
	TermAPILookupComplete TermStatus = "api_lookup_complete" // Lookup returned an entity
	TermAPILookupFailed   TermStatus = "api_lookup_failed"   // Lookup returned nothing or errored
)

// termTransitions lists the allowed forward moves for each non-terminal status
var termTransitions = map[TermStatus][]TermStatus{
	TermNotProcessed:   {TermCacheHit, TermNullNoAPIValue, TermNeedsAPILookup},
	TermNeedsAPILookup: {TermAPILookupComplete, TermAPILookupFailed},
}

// Valid reports whether s is one of the known term statuses
func (s TermStatus) Valid() bool {
	switch s {
	case TermNotProcessed, TermCacheHit, TermNullNoAPIValue,
		TermNeedsAPILookup, TermAPILookupComplete, TermAPILookupFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s
func (s TermStatus) Terminal() bool {
	switch s {
	case TermCacheHit, TermNullNoAPIValue, TermAPILookupComplete, TermAPILookupFailed:
		return true
	}
	return false
}

// Resolved reports whether s carries a resolved entity
func (s TermStatus) Resolved() bool {
	return s == TermCacheHit || s == TermAPILookupComplete
}

// CanTransition reports whether moving from s to next is allowed
func (s TermStatus) CanTransition(next TermStatus) bool {
	for _, allowed := range termTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// UnmarshalText rejects unknown statuses so snapshots can't smuggle in ad hoc values
func (s *TermStatus) UnmarshalText(text []byte) error {
	v := TermStatus(text)
	if !v.Valid() {
		return fmt.Errorf("unknown term status %q", string(text))
	}
	*s = v
	return nil
}

// SentenceStatus is the processing state of a sentence
type SentenceStatus string

const (
	SentenceNotProcessed      SentenceStatus = "not_processed"
	SentenceEntitiesExtracted SentenceStatus = "entities_extracted"
	SentenceProcessed         SentenceStatus = "processed"
)

// Valid reports whether s is one of the known sentence statuses
func (s SentenceStatus) Valid() bool {
	switch s {
	case SentenceNotProcessed, SentenceEntitiesExtracted, SentenceProcessed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed
func (s SentenceStatus) CanTransition(next SentenceStatus) bool {
	switch s {
	case SentenceNotProcessed:
		return next == SentenceEntitiesExtracted
	case SentenceEntitiesExtracted:
		return next == SentenceProcessed
	}
	return false
}

// UnmarshalText rejects unknown statuses
func (s *SentenceStatus) UnmarshalText(text []byte) error {
	v := SentenceStatus(text)
	if !v.Valid() {
		return fmt.Errorf("unknown sentence status %q", string(text))
	}
	*s = v
	return nil
}

// TransitionError reports a rejected status change
type TransitionError struct {
	SentenceID string
	Term       string // Empty for sentence-level transitions
	From       string
	To         string
}

func (e *TransitionError) Error() string {
	if e.Term == "" {
		return fmt.Sprintf("sentence %s: invalid transition %s -> %s", e.SentenceID, e.From, e.To)
	}
	return fmt.Sprintf("sentence %s term %q: invalid transition %s -> %s", e.SentenceID, e.Term, e.From, e.To)
}
