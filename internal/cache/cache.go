// Package cache stores term resolutions across runs and processes.
//
// The store is a single JSON object mapping a normalized term to either a
// resolved entity or null. Null means the term was looked up before and
// nothing matched, so it is never looked up again.
package cache

import (
	"context"
	"strings"

	"github.com/ppiankov/conceptlink/internal/model"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Store defines the interface for the resolution cache
type Store interface {
	Get(term string) (Result, error)
	Set(ctx context.Context, term string, entity *model.Entity) error
}

type resultKind uint8

const (
	kindMiss resultKind = iota
	kindHit
	kindNull
)

// Result is the outcome of a cache read: a hit with an entity, a hit with a
// null marker, or a miss
type Result struct {
	kind   resultKind
	entity model.Entity
}

// Miss is the result for a term that was never looked up
func Miss() Result { return Result{kind: kindMiss} }

// NullHit is the result for a term whose earlier lookup found nothing
func NullHit() Result { return Result{kind: kindNull} }

// Hit is the result for a term with a cached entity
func Hit(e model.Entity) Result {
	e.Aliases = append([]string(nil), e.Aliases...)
	return Result{kind: kindHit, entity: e}
}

// IsMiss reports whether the term has never been looked up
func (r Result) IsMiss() bool { return r.kind == kindMiss }

// IsNull reports whether the term is cached as a definitive miss
func (r Result) IsNull() bool { return r.kind == kindNull }

// Entity returns the cached entity for a non-null hit
func (r Result) Entity() (model.Entity, bool) {
	if r.kind != kindHit {
		return model.Entity{}, false
	}
	return r.entity, true
}

func (r Result) String() string {
	switch r.kind {
	case kindHit:
		return "hit(" + r.entity.ID + ")"
	case kindNull:
		return "hit(null)"
	default:
		return "miss"
	}
}

// NormalizeKey maps a term to its cache key: NFKC, lowercased, single-spaced
func NormalizeKey(term string) string {
	// A Caser carries state, so each call gets its own
	lower := cases.Lower(language.Und)
	return strings.Join(strings.Fields(lower.String(norm.NFKC.String(term))), " ")
}
