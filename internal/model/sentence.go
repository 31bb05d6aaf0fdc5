package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity is a resolved knowledge-base record
type Entity struct {
	ID          string    `json:"id"`                    // Canonical identifier (e.g., "Q39517")
	Label       string    `json:"label"`                 // Preferred label
	Description string    `json:"description,omitempty"` // Short description
	Aliases     []string  `json:"aliases,omitempty"`     // Alternative labels
	URL         string    `json:"url,omitempty"`         // Canonical page URL
	CachedAt    time.Time `json:"cached_at,omitzero"`    // When the entity entered the cache
}

// Validate checks the fields a cached or linked entity must carry
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entity has no id")
	}
	return nil
}

// UnmarshalJSON also accepts cache files written by the legacy
// pipeline, which used "qid", "wikidata_url" and naive ISO timestamps
func (e *Entity) UnmarshalJSON(data []byte) error {
	type plain Entity
	var aux struct {
		plain
		QID         string `json:"qid"`
		WikidataURL string `json:"wikidata_url"`
		CachedAt    string `json:"cached_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*e = Entity(aux.plain)
	if e.ID == "" {
		e.ID = aux.QID
	}
	if e.URL == "" {
		e.URL = aux.WikidataURL
	}
	if aux.CachedAt != "" {
		ts, err := parseTimestamp(aux.CachedAt)
		if err != nil {
			return fmt.Errorf("cached_at: %w", err)
		}
		e.CachedAt = ts
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}

// SentenceInput is one (id, text) pair supplied by the upstream document parser
type SentenceInput struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// TermResolution is the outcome of resolving one term of a sentence
type TermResolution struct {
	Status              TermStatus `json:"status"`
	ResolvedID          string     `json:"resolved_id,omitempty"`
	ResolvedLabel       string     `json:"resolved_label,omitempty"`
	ResolvedDescription string     `json:"resolved_description,omitempty"`
	ResolvedAliases     []string   `json:"resolved_aliases,omitempty"`
	ResolvedURL         string     `json:"resolved_url,omitempty"`
}

// Apply copies a resolved entity into the resolution
func (r *TermResolution) Apply(e Entity) {
	r.ResolvedID = e.ID
	r.ResolvedLabel = e.Label
	r.ResolvedDescription = e.Description
	r.ResolvedAliases = append([]string(nil), e.Aliases...)
	r.ResolvedURL = e.URL
}

// Entity rebuilds the resolved entity, if any
func (r *TermResolution) Entity() (Entity, bool) {
	if r.ResolvedID == "" {
		return Entity{}, false
	}
	return Entity{
		ID:          r.ResolvedID,
		Label:       r.ResolvedLabel,
		Description: r.ResolvedDescription,
		Aliases:     append([]string(nil), r.ResolvedAliases...),
		URL:         r.ResolvedURL,
	}, true
}

// SentenceRecord tracks one sentence and the resolution of every term in it
type SentenceRecord struct {
	ID        string                     `json:"id"`
	Text      string                     `json:"text"`
	Terms     map[string]*TermResolution `json:"terms"`
	Status    SentenceStatus             `json:"status"`
	ConceptID string                     `json:"concept_id,omitempty"` // Concept the sentence was linked to
}

// NewSentenceRecord creates a record for a sentence entering the pipeline
func NewSentenceRecord(in SentenceInput) *SentenceRecord {
	return &SentenceRecord{
		ID:     in.ID,
		Text:   in.Text,
		Terms:  make(map[string]*TermResolution),
		Status: SentenceNotProcessed,
	}
}

// AllTermsTerminal reports whether every term has reached a terminal status
func (s *SentenceRecord) AllTermsTerminal() bool {
	for _, t := range s.Terms {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (s *SentenceRecord) Clone() *SentenceRecord {
	c := *s
	c.Terms = make(map[string]*TermResolution, len(s.Terms))
	for k, v := range s.Terms {
		tr := *v
		tr.ResolvedAliases = append([]string(nil), v.ResolvedAliases...)
		c.Terms[k] = &tr
	}
	return &c
}

// Snapshot is the full sentence record set of one unit of work
type Snapshot struct {
	Unit      string                     `json:"unit"`
	RunID     string                     `json:"run_id,omitempty"`
	UpdatedAt time.Time                  `json:"updated_at"`
	Sentences map[string]*SentenceRecord `json:"sentences"`
}

// NewSnapshot creates an empty snapshot for a unit
func NewSnapshot(unit string) *Snapshot {
	return &Snapshot{
		Unit:      unit,
		Sentences: make(map[string]*SentenceRecord),
	}
}

// Clone returns a deep copy
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Unit:      s.Unit,
		RunID:     s.RunID,
		UpdatedAt: s.UpdatedAt,
		Sentences: make(map[string]*SentenceRecord, len(s.Sentences)),
	}
	for id, rec := range s.Sentences {
		c.Sentences[id] = rec.Clone()
	}
	return c
}

// Validate checks structural invariants of a loaded snapshot
func (s *Snapshot) Validate() error {
	for id, rec := range s.Sentences {
		if rec == nil {
			return fmt.Errorf("sentence %s: nil record", id)
		}
		if rec.ID != id {
			return fmt.Errorf("sentence %s: record id mismatch %q", id, rec.ID)
		}
		if !rec.Status.Valid() {
			return fmt.Errorf("sentence %s: invalid status %q", id, rec.Status)
		}
		for term, tr := range rec.Terms {
			if tr == nil {
				return fmt.Errorf("sentence %s term %q: nil resolution", id, term)
			}
			if tr.Status.Resolved() && tr.ResolvedID == "" {
				return fmt.Errorf("sentence %s term %q: %s without resolved id", id, term, tr.Status)
			}
		}
	}
	return nil
}
