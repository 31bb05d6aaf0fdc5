package model

import "time"

// Stats holds the counters reported at the end of a run
type Stats struct {
	SentencesProcessed int `json:"sentences_processed"` // Sentences that reached "processed"
	TermsExtracted     int `json:"terms_extracted"`     // Distinct terms across extracted sentences
	CacheHits          int `json:"cache_hits"`          // Terms answered from the cache (including null markers)
	NullHits           int `json:"null_hits"`           // Cache hits that were null markers
	APICalls           int `json:"api_calls"`           // Network lookups actually issued
	LookupFailures     int `json:"lookup_failures"`     // Lookups that ended in api_lookup_failed
	ConceptsCreated    int `json:"concepts_created"`    // Successful graph upserts
	GraphFailures      int `json:"graph_failures"`      // Graph upserts that returned false
	TermsSkipped       int `json:"terms_skipped"`       // Terms not tried because the sentence was already linked
	TaskTimeouts       int `json:"task_timeouts"`       // Tasks that hit the per-task timeout
	TaskErrors         int `json:"task_errors"`         // Tasks that failed for any other reason
}

// Add merges other into s
func (s *Stats) Add(other Stats) {
	s.SentencesProcessed += other.SentencesProcessed
	s.TermsExtracted += other.TermsExtracted
	s.CacheHits += other.CacheHits
	s.NullHits += other.NullHits
	s.APICalls += other.APICalls
	s.LookupFailures += other.LookupFailures
	s.ConceptsCreated += other.ConceptsCreated
	s.GraphFailures += other.GraphFailures
	s.TermsSkipped += other.TermsSkipped
	s.TaskTimeouts += other.TaskTimeouts
	s.TaskErrors += other.TaskErrors
}

// CacheHitRate returns cache hits as a percentage of all resolutions
func (s Stats) CacheHitRate() float64 {
	total := s.CacheHits + s.APICalls
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total) * 100
}

// Phase names the persisted checkpoints of a run
type Phase string

const (
	PhaseExtract  Phase = "extract"  // Terms derived from sentence text
	PhaseCache    Phase = "cache"    // Cache-only resolution pass
	PhaseLookup   Phase = "lookup"   // API-backed resolution pass
	PhaseFinalize Phase = "finalize" // Sentence statuses settled
)

// Report summarizes a pipeline run
type Report struct {
	Unit       string        `json:"unit"`
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Stats      Stats         `json:"stats"`
	Phases     []Phase       `json:"phases"`            // Phases that completed and were persisted
	Partial    bool          `json:"partial"`           // Run stopped before all work was dispatched
	StopReason string        `json:"stop_reason,omitempty"`
}

// StatusSummary counts sentences and terms of a snapshot by status
type StatusSummary struct {
	Unit      string                 `json:"unit"`
	Sentences map[SentenceStatus]int `json:"sentences"`
	Terms     map[TermStatus]int     `json:"terms"`
	Linked    int                    `json:"linked"` // Sentences with a concept
}

// Summarize counts the statuses in a snapshot
func Summarize(snap *Snapshot) StatusSummary {
	sum := StatusSummary{
		Unit:      snap.Unit,
		Sentences: make(map[SentenceStatus]int),
		Terms:     make(map[TermStatus]int),
	}
	for _, rec := range snap.Sentences {
		sum.Sentences[rec.Status]++
		if rec.ConceptID != "" {
			sum.Linked++
		}
		for _, tr := range rec.Terms {
			sum.Terms[tr.Status]++
		}
	}
	return sum
}
