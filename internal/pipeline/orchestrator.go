// Package pipeline runs the resolution phases of a unit of work over a
// bounded worker pool and persists the ledger after each phase.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ppiankov/conceptlink/internal/cache"
	"github.com/ppiankov/conceptlink/internal/extract"
	"github.com/ppiankov/conceptlink/internal/graph"
	"github.com/ppiankov/conceptlink/internal/ledger"
	"github.com/ppiankov/conceptlink/internal/lookup"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/ppiankov/conceptlink/internal/worker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Deps are the collaborators shared by every task of a run
type Deps struct {
	Cache         cache.Store
	Ledger        ledger.Ledger
	Graph         graph.Writer     // Nil disables linking
	Gate          *worker.RateGate // Nil disables the lookup floor
	Lookup        lookup.Config
	LookupOptions []lookup.Option
	Recorder      Recorder
	Logger        zerolog.Logger
}

// Options tune a run
type Options struct {
	Workers       int
	TaskTimeout   time.Duration
	BatchTimeout  time.Duration
	MaxSentences  int  // Zero means no limit
	RespectRobots bool // Widen the gate to the endpoint's Crawl-delay before the first run
}

// OptionsFromConfig builds options from the concurrency and lookup config
func OptionsFromConfig(cfg *model.Config) Options {
	return Options{
		Workers:       cfg.Concurrency.Workers,
		TaskTimeout:   cfg.Concurrency.TaskTimeout,
		BatchTimeout:  cfg.Concurrency.BatchTimeout,
		RespectRobots: cfg.Lookup.RespectRobots,
	}
}

// Orchestrator drives units of work through extraction, cache resolution,
// lookup and finalization
type Orchestrator struct {
	deps   Deps
	opts   Options
	flight *singleflight.Group
	logger zerolog.Logger

	robotsOnce sync.Once
	current    atomic.Pointer[Collector]
}

// New creates an orchestrator
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Cache == nil {
		return nil, errors.New("pipeline: cache is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("pipeline: ledger is required")
	}
	if deps.Graph == nil {
		deps.Graph = graph.Nop{}
	}
	if deps.Gate == nil {
		deps.Gate = worker.NewRateGate(0)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		flight: &singleflight.Group{},
		logger: deps.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Stats returns the counters of the current or last run
func (o *Orchestrator) Stats() model.Stats {
	if c := o.current.Load(); c != nil {
		return c.Stats()
	}
	return model.Stats{}
}

// workerRes is owned by one pool worker and never shared
type workerRes struct {
	extractor *extract.Extractor
	client    *lookup.Client
}

func (o *Orchestrator) newWorker(int) *workerRes {
	opts := []lookup.Option{
		lookup.WithFlightGroup(o.flight),
		lookup.WithLogger(o.deps.Logger),
	}
	opts = append(opts, o.deps.LookupOptions...)

	return &workerRes{
		extractor: extract.NewExtractor(),
		client:    lookup.NewClient(o.deps.Lookup, o.deps.Cache, o.deps.Gate, opts...),
	}
}

// runState is shared by the tasks of one run
type runState struct {
	tracker   *ledger.Tracker
	collector *Collector
	graph     graph.Writer
	cache     cache.Store
	ledger    ledger.Ledger
	logger    zerolog.Logger

	// fatal stops dispatch of the current phase
	fatal context.CancelCauseFunc
}

// Run resolves the sentences of unit. New inputs are merged into the
// persisted snapshot; sentences and terms already settled by an earlier run
// are not touched again. The report is returned even when err is not nil.
func (o *Orchestrator) Run(ctx context.Context, unit string, inputs []model.SentenceInput) (model.Report, error) {
	started := time.Now()
	report := model.Report{
		Unit:      unit,
		RunID:     uuid.NewString(),
		StartedAt: started.UTC(),
	}
	collector := NewCollector(o.deps.Recorder)
	o.current.Store(collector)

	logger := o.logger.With().Str("unit", unit).Str("run_id", report.RunID).Logger()
	finish := func(err error) (model.Report, error) {
		report.Stats = collector.Stats()
		report.Duration = time.Since(started)
		return report, err
	}

	snap, err := o.deps.Ledger.Load(ctx)
	if err != nil {
		return finish(fmt.Errorf("load snapshot: %w", err))
	}
	tracker := ledger.NewTracker(snap)

	if o.opts.MaxSentences > 0 && len(inputs) > o.opts.MaxSentences {
		inputs = inputs[:o.opts.MaxSentences]
	}
	added := tracker.Merge(inputs)
	tracker.SetRunID(report.RunID)
	logger.Info().Int("inputs", len(inputs)).Int("new", added).Msg("run started")

	if o.opts.RespectRobots {
		o.robotsOnce.Do(func() {
			_, _ = o.newWorker(0).client.HonorRobots(ctx)
		})
	}

	batchCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.opts.BatchTimeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, o.opts.BatchTimeout)
	}
	defer cancel()

	// Snapshots are written even after the run was cancelled
	saveCtx := context.WithoutCancel(ctx)

	rs := &runState{
		tracker:   tracker,
		collector: collector,
		graph:     o.deps.Graph,
		cache:     o.deps.Cache,
		ledger:    o.deps.Ledger,
		logger:    logger,
	}

	for _, phase := range []model.Phase{model.PhaseExtract, model.PhaseCache, model.PhaseLookup} {
		if batchCtx.Err() != nil {
			report.Partial = true
			report.StopReason = stopReason(ctx, batchCtx)
			break
		}

		stopped, runErr := o.runPhase(batchCtx, rs, phase)
		if err := o.save(saveCtx, tracker); err != nil {
			report.Partial = true
			return finish(errors.Join(runErr, err))
		}
		if runErr != nil {
			report.Partial = true
			report.StopReason = "fatal cache error"
			logger.Error().Err(runErr).Str("phase", string(phase)).Msg("run aborted")
			return finish(runErr)
		}
		if stopped {
			report.Partial = true
			report.StopReason = stopReason(ctx, batchCtx)
			logger.Warn().Str("phase", string(phase)).Str("reason", report.StopReason).Msg("dispatch stopped")
			break
		}
		report.Phases = append(report.Phases, phase)
	}

	processed := tracker.Finalize()
	collector.Add(model.Stats{SentencesProcessed: processed})
	if err := o.save(saveCtx, tracker); err != nil {
		return finish(err)
	}
	report.Phases = append(report.Phases, model.PhaseFinalize)

	report, err = finish(nil)
	logger.Info().
		Int("processed", report.Stats.SentencesProcessed).
		Int("terms", report.Stats.TermsExtracted).
		Int("cache_hits", report.Stats.CacheHits).
		Int("api_calls", report.Stats.APICalls).
		Int("concepts", report.Stats.ConceptsCreated).
		Bool("partial", report.Partial).
		Dur("duration", report.Duration).
		Msg("run complete")
	return report, err
}

// runPhase dispatches one task per pending item and waits for all of them.
// stopped reports that ctx ended before every task was dispatched.
func (o *Orchestrator) runPhase(ctx context.Context, rs *runState, phase model.Phase) (stopped bool, err error) {
	jobs := o.jobsFor(rs, phase)
	if len(jobs) == 0 {
		return false, nil
	}

	dispatchCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	rs.fatal = abort

	pool, err := worker.NewPool(o.opts.Workers, o.newWorker,
		worker.WithTaskTimeout(o.opts.TaskTimeout),
		worker.WithLogger(rs.logger),
	)
	if err != nil {
		return false, fmt.Errorf("create worker pool: %w", err)
	}
	if err := pool.Start(); err != nil {
		return false, fmt.Errorf("start worker pool: %w", err)
	}

	start := time.Now()
	dispatched := 0
	for _, job := range jobs {
		if err := pool.Submit(dispatchCtx, job); err != nil {
			break
		}
		dispatched++
	}
	fatal := o.account(rs, phase, pool.Wait())

	rs.logger.Info().
		Str("phase", string(phase)).
		Int("tasks", dispatched).
		Int("pending", len(jobs)-dispatched).
		Dur("took", time.Since(start)).
		Msg("phase complete")

	if fatal != nil {
		return true, fatal
	}
	return dispatched < len(jobs), nil
}

func (o *Orchestrator) jobsFor(rs *runState, phase model.Phase) []worker.Job[*workerRes] {
	var jobs []worker.Job[*workerRes]
	switch phase {
	case model.PhaseExtract:
		for _, s := range rs.tracker.Sentences(model.SentenceNotProcessed) {
			jobs = append(jobs, &extractJob{rs: rs, sentence: s})
		}
	case model.PhaseCache:
		for _, ref := range rs.tracker.Pending(model.TermNotProcessed) {
			jobs = append(jobs, &cacheJob{rs: rs, ref: ref})
		}
	case model.PhaseLookup:
		for _, ref := range rs.tracker.Pending(model.TermNeedsAPILookup) {
			jobs = append(jobs, &lookupJob{rs: rs, ref: ref})
		}
	}
	return jobs
}

// account counts failed tasks and returns the first fatal error, if any.
// Fatal errors have already stopped dispatch.
func (o *Orchestrator) account(rs *runState, phase model.Phase, results []worker.Result) error {
	var delta model.Stats
	var fatal error
	for _, res := range results {
		err := res.GetError()
		if err == nil {
			continue
		}

		event := rs.logger.Warn().Err(err).Str("phase", string(phase))
		if tr, ok := res.(*taskResult); ok {
			event = event.Str("task", tr.key)
		}
		switch {
		case errors.Is(err, ErrFatalCache):
			if fatal == nil {
				fatal = err
			}
			event.Msg("task hit fatal cache error")
		case errors.Is(err, context.DeadlineExceeded):
			delta.TaskTimeouts++
			event.Msg("task timed out")
		default:
			delta.TaskErrors++
			event.Msg("task failed")
		}
	}
	if delta != (model.Stats{}) {
		rs.collector.Add(delta)
	}
	return fatal
}

func (o *Orchestrator) save(ctx context.Context, tracker *ledger.Tracker) error {
	if err := o.deps.Ledger.Save(ctx, tracker.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func stopReason(parent, batch context.Context) string {
	switch {
	case parent.Err() != nil:
		return "interrupted"
	case errors.Is(batch.Err(), context.DeadlineExceeded):
		return "batch timeout"
	default:
		return "dispatch stopped"
	}
}
