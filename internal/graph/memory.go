package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/ppiankov/conceptlink/internal/model"
)

// Memory is an in-process Writer for dry runs and tests
type Memory struct {
	mu       sync.Mutex
	known    map[string]bool // nil means every sentence exists
	concepts map[string]model.Entity
	links    map[string]map[string]bool
	upserts  int
}

// NewMemory creates a writer. With sentence ids given, upserts for any other
// sentence fail the way a missing Sentence node does in the real store.
func NewMemory(sentenceIDs ...string) *Memory {
	m := &Memory{
		concepts: make(map[string]model.Entity),
		links:    make(map[string]map[string]bool),
	}
	if len(sentenceIDs) > 0 {
		m.known = make(map[string]bool, len(sentenceIDs))
		for _, id := range sentenceIDs {
			m.known[id] = true
		}
	}
	return m
}

// Upsert records the concept and the link
func (m *Memory) Upsert(ctx context.Context, sentenceID string, entity model.Entity) bool {
	if ctx.Err() != nil || entity.ID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.upserts++
	if m.known != nil && !m.known[sentenceID] {
		return false
	}
	m.concepts[entity.ID] = entity
	if m.links[sentenceID] == nil {
		m.links[sentenceID] = make(map[string]bool)
	}
	m.links[sentenceID][entity.ID] = true
	return true
}

// Close does nothing
func (m *Memory) Close(context.Context) error { return nil }

// Concepts returns the number of distinct concepts
func (m *Memory) Concepts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.concepts)
}

// Links returns the concept ids linked to a sentence, sorted
func (m *Memory) Links(sentenceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id := range m.links[sentenceID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Upserts returns how many upserts were attempted
func (m *Memory) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
