// Package graph links sentences to resolved concepts in the graph store.
package graph

import (
	"context"
	"fmt"

	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/rs/zerolog"
)

// Writer upserts a concept and links it to a sentence. Upsert is idempotent
// and reports failure as false; callers count it and move on.
type Writer interface {
	Upsert(ctx context.Context, sentenceID string, entity model.Entity) bool
	Close(ctx context.Context) error
}

const (
	BackendNeo4j  = "neo4j"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// Open creates the configured writer
func Open(ctx context.Context, cfg model.GraphConfig, logger zerolog.Logger) (Writer, error) {
	switch cfg.Backend {
	case BackendNeo4j:
		w, err := NewNeo4j(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return w, nil
	case BackendMemory:
		return NewMemory(), nil
	case "", BackendNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown graph backend: %s", cfg.Backend)
	}
}

// Nop is the writer of runs without a graph store. Every upsert succeeds
// without writing anything, so the ledger still links each sentence to at
// most one concept.
type Nop struct{}

// Upsert reports success unless ctx is done or the link is incomplete
func (Nop) Upsert(ctx context.Context, sentenceID string, entity model.Entity) bool {
	return ctx.Err() == nil && sentenceID != "" && entity.ID != ""
}

// Close does nothing
func (Nop) Close(context.Context) error { return nil }
