package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/conceptlink/internal/ledger"
	"github.com/ppiankov/conceptlink/internal/lookup"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/ppiankov/conceptlink/internal/worker"
)

// taskResult is what every task reports back to the pool
type taskResult struct {
	key string
	err error
}

func (r *taskResult) GetError() error {
	return r.err
}

// extractJob derives the terms of one sentence
type extractJob struct {
	rs       *runState
	sentence model.SentenceInput
}

func (j *extractJob) Execute(_ context.Context, w *workerRes) worker.Result {
	terms := w.extractor.Extract(j.sentence.Text)
	if err := j.rs.tracker.SetTerms(j.sentence.ID, terms); err != nil {
		return &taskResult{key: j.sentence.ID, err: err}
	}
	j.rs.collector.Add(model.Stats{TermsExtracted: len(terms)})
	return &taskResult{key: j.sentence.ID}
}

// cacheJob settles a term from the cache alone. A miss is handed on to the
// lookup phase.
type cacheJob struct {
	rs  *runState
	ref ledger.TermRef
}

func (j *cacheJob) Execute(ctx context.Context, _ *workerRes) worker.Result {
	var local model.Stats
	defer func() { j.rs.collector.Add(local) }()

	res, err := j.rs.cache.Get(j.ref.Term)
	if err != nil {
		return j.fail(fatalCache(j.rs, err))
	}

	switch {
	case res.IsMiss():
		err = j.rs.tracker.Transition(j.ref, model.TermNeedsAPILookup, nil)
	case res.IsNull():
		local.CacheHits++
		local.NullHits++
		err = j.rs.tracker.Transition(j.ref, model.TermNullNoAPIValue, nil)
	default:
		local.CacheHits++
		entity, _ := res.Entity()
		if err = j.rs.tracker.Transition(j.ref, model.TermCacheHit, &entity); err == nil {
			link(ctx, j.rs, j.ref.SentenceID, entity, &local)
		}
	}
	return j.fail(err)
}

func (j *cacheJob) fail(err error) worker.Result {
	return &taskResult{key: j.ref.SentenceID + "/" + j.ref.Term, err: err}
}

// lookupJob resolves a cache miss against the knowledge base
type lookupJob struct {
	rs  *runState
	ref ledger.TermRef
}

func (j *lookupJob) Execute(ctx context.Context, w *workerRes) worker.Result {
	var local model.Stats
	defer func() { j.rs.collector.Add(local) }()

	// One concept per sentence: once linked, its other terms are not looked up
	if j.rs.tracker.Linked(j.ref.SentenceID) {
		local.TermsSkipped++
		return j.fail(nil)
	}

	res, err := w.client.Resolve(ctx, j.ref.Term)
	if err != nil {
		if errors.Is(err, lookup.ErrCache) {
			return j.fail(fatalCache(j.rs, err))
		}
		// Deadline or cancellation: the term stays needs_api_lookup for the next run
		return j.fail(err)
	}

	switch res.Source {
	case lookup.SourceNetwork:
		local.APICalls++
	case lookup.SourceCache:
		local.CacheHits++
		if !res.Resolved {
			local.NullHits++
		}
	}

	if !res.Resolved {
		local.LookupFailures++
		return j.fail(j.rs.tracker.Transition(j.ref, model.TermAPILookupFailed, nil))
	}
	if err := j.rs.tracker.Transition(j.ref, model.TermAPILookupComplete, &res.Entity); err != nil {
		return j.fail(err)
	}
	link(ctx, j.rs, j.ref.SentenceID, res.Entity, &local)
	return j.fail(nil)
}

func (j *lookupJob) fail(err error) worker.Result {
	return &taskResult{key: j.ref.SentenceID + "/" + j.ref.Term, err: err}
}

// link writes the concept for a sentence that has none yet. A failed write
// gives the claim back so another term of the sentence may link it. A
// successful link is persisted at once rather than at the end of the phase.
func link(ctx context.Context, rs *runState, sentenceID string, entity model.Entity, local *model.Stats) {
	if !rs.tracker.ClaimLink(sentenceID) {
		return
	}
	if !rs.graph.Upsert(ctx, sentenceID, entity) {
		rs.tracker.ReleaseLink(sentenceID)
		local.GraphFailures++
		return
	}
	if err := rs.tracker.SetConcept(sentenceID, entity.ID); err != nil {
		rs.logger.Warn().Err(err).Str("sentence", sentenceID).Msg("record concept")
		return
	}
	local.ConceptsCreated++

	rec, ok := rs.tracker.Record(sentenceID)
	if !ok {
		return
	}
	// The phase save rewrites this record too
	if err := rs.ledger.AtomicUpsert(context.WithoutCancel(ctx), rec); err != nil {
		rs.logger.Warn().Err(err).Str("sentence", sentenceID).Msg("persist link")
	}
}

// fatalCache stops dispatch of the current phase
func fatalCache(rs *runState, err error) error {
	fatal := fmt.Errorf("%w: %w", ErrFatalCache, err)
	if rs.fatal != nil {
		rs.fatal(fatal)
	}
	return fatal
}
