package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ppiankov/conceptlink/internal/model"
)

// TermRef names one term of one sentence
type TermRef struct {
	SentenceID string
	Term       string
}

// Tracker owns the in-flight snapshot of a run. Every status change goes
// through it and is checked against the allowed transitions.
type Tracker struct {
	mu      sync.Mutex
	snap    *model.Snapshot
	claimed map[string]bool // Sentences with a link in progress or done
}

// NewTracker wraps a loaded snapshot
func NewTracker(snap *model.Snapshot) *Tracker {
	t := &Tracker{
		snap:    snap.Clone(),
		claimed: make(map[string]bool),
	}
	for id, rec := range t.snap.Sentences {
		if rec.ConceptID != "" {
			t.claimed[id] = true
		}
	}
	return t
}

// Merge adds records for sentences not seen before. Existing records,
// whatever their state, are left untouched.
func (t *Tracker) Merge(inputs []model.SentenceInput) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, in := range inputs {
		if _, exists := t.snap.Sentences[in.ID]; exists {
			continue
		}
		t.snap.Sentences[in.ID] = model.NewSentenceRecord(in)
		added++
	}
	return added
}

// SetRunID stamps the snapshot with the current run
func (t *Tracker) SetRunID(id string) {
	t.mu.Lock()
	t.snap.RunID = id
	t.mu.Unlock()
}

// SetTerms records the extracted terms of a sentence and moves it to
// entities_extracted
func (t *Tracker) SetTerms(sentenceID string, terms []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.record(sentenceID)
	if err != nil {
		return err
	}
	if !rec.Status.CanTransition(model.SentenceEntitiesExtracted) {
		return &model.TransitionError{
			SentenceID: sentenceID,
			From:       string(rec.Status),
			To:         string(model.SentenceEntitiesExtracted),
		}
	}

	rec.Terms = make(map[string]*model.TermResolution, len(terms))
	for _, term := range terms {
		rec.Terms[term] = &model.TermResolution{Status: model.TermNotProcessed}
	}
	rec.Status = model.SentenceEntitiesExtracted
	return nil
}

// Transition moves a term to a new status. Resolved statuses require the entity.
func (t *Tracker) Transition(ref TermRef, to model.TermStatus, entity *model.Entity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.record(ref.SentenceID)
	if err != nil {
		return err
	}
	tr, ok := rec.Terms[ref.Term]
	if !ok {
		return fmt.Errorf("sentence %s: unknown term %q", ref.SentenceID, ref.Term)
	}
	if !tr.Status.CanTransition(to) {
		return &model.TransitionError{
			SentenceID: ref.SentenceID,
			Term:       ref.Term,
			From:       string(tr.Status),
			To:         string(to),
		}
	}
	if to.Resolved() {
		if entity == nil || entity.ID == "" {
			return fmt.Errorf("sentence %s term %q: %s requires an entity", ref.SentenceID, ref.Term, to)
		}
		tr.Apply(*entity)
	}
	tr.Status = to
	return nil
}

// ClaimLink reserves the sentence for linking. Only one claim per sentence
// succeeds; a sentence already linked cannot be claimed.
func (t *Tracker) ClaimLink(sentenceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.claimed[sentenceID] {
		return false
	}
	t.claimed[sentenceID] = true
	return true
}

// ReleaseLink gives a claim back after a failed link so another term may try
func (t *Tracker) ReleaseLink(sentenceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.snap.Sentences[sentenceID]; ok && rec.ConceptID != "" {
		return
	}
	delete(t.claimed, sentenceID)
}

// SetConcept records the concept a sentence was linked to
func (t *Tracker) SetConcept(sentenceID, conceptID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.record(sentenceID)
	if err != nil {
		return err
	}
	rec.ConceptID = conceptID
	t.claimed[sentenceID] = true
	return nil
}

// Linked reports whether the sentence has a concept
func (t *Tracker) Linked(sentenceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.snap.Sentences[sentenceID]
	return ok && rec.ConceptID != ""
}

// Finalize marks processed every extracted sentence whose terms are all
// terminal or that already has its concept. It returns how many changed.
func (t *Tracker) Finalize() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := 0
	for _, rec := range t.snap.Sentences {
		if rec.Status != model.SentenceEntitiesExtracted {
			continue
		}
		if rec.ConceptID != "" || rec.AllTermsTerminal() {
			rec.Status = model.SentenceProcessed
			changed++
		}
	}
	return changed
}

// Sentences returns the id and text of every sentence in status, ordered by id
func (t *Tracker) Sentences(status model.SentenceStatus) []model.SentenceInput {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.SentenceInput
	for _, rec := range t.snap.Sentences {
		if rec.Status == status {
			out = append(out, model.SentenceInput{ID: rec.ID, Text: rec.Text})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns the terms in status among sentences still being resolved,
// ordered by sentence id then term
func (t *Tracker) Pending(status model.TermStatus) []TermRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TermRef
	for _, rec := range t.snap.Sentences {
		if rec.Status != model.SentenceEntitiesExtracted {
			continue
		}
		for term, tr := range rec.Terms {
			if tr.Status == status {
				out = append(out, TermRef{SentenceID: rec.ID, Term: term})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentenceID != out[j].SentenceID {
			return out[i].SentenceID < out[j].SentenceID
		}
		return out[i].Term < out[j].Term
	})
	return out
}

// Record returns a copy of one sentence record
func (t *Tracker) Record(sentenceID string) (*model.SentenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.snap.Sentences[sentenceID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Snapshot returns a consistent deep copy of the current state
func (t *Tracker) Snapshot() *model.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.Clone()
}

// Summary counts sentences and terms by status
func (t *Tracker) Summary() model.StatusSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.Summarize(t.snap)
}

func (t *Tracker) record(sentenceID string) (*model.SentenceRecord, error) {
	rec, ok := t.snap.Sentences[sentenceID]
	if !ok {
		return nil, fmt.Errorf("unknown sentence %s", sentenceID)
	}
	return rec, nil
}
