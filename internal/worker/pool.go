package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned by Submit once the pool is shutting down
var ErrPoolClosed = errors.New("worker pool closed")

// Job represents a unit of work executed with the resources of one worker
type Job[W any] interface {
	Execute(ctx context.Context, w W) Result
}

// Result represents the result of a job execution
type Result interface {
	GetError() error
}

// PanicResult is reported for a job that panicked
type PanicResult struct {
	Value any
}

// GetError returns the recovered panic as an error
func (r *PanicResult) GetError() error {
	return fmt.Errorf("job panicked: %v", r.Value)
}

// PoolOption configures a Pool
type PoolOption func(*poolOptions)

type poolOptions struct {
	taskTimeout time.Duration
	logger      zerolog.Logger
}

// WithTaskTimeout bounds each job; a job past its deadline sees its context expire
func WithTaskTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.taskTimeout = d }
}

// WithLogger sets the pool logger
func WithLogger(l zerolog.Logger) PoolOption {
	return func(o *poolOptions) { o.logger = l }
}

// Pool runs jobs on a fixed set of workers. Each worker owns a resource
// value built by the factory (an extractor, an HTTP client) that is never
// shared with other workers.
type Pool[W any] struct {
	workers   int
	factory   func(id int) W
	opts      poolOptions
	goroutine *ants.Pool

	jobQueue  chan Job[W]
	results   chan Result
	collector *ResultCollector
	drained   chan struct{}

	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
	queueOnce  sync.Once
}

// NewPool creates a new worker pool with the specified number of workers
func NewPool[W any](workers int, factory func(id int) W, opts ...PoolOption) (*Pool[W], error) {
	if workers <= 0 {
		workers = 1
	}

	o := poolOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	goroutines, err := ants.NewPool(workers,
		ants.WithPanicHandler(func(v any) {
			logger.Error().Interface("panic", v).Msg("worker goroutine panicked")
		}),
		ants.WithLogger(antsLogger{logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("create goroutine pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool[W]{
		workers:    workers,
		factory:    factory,
		opts:       o,
		goroutine:  goroutines,
		jobQueue:   make(chan Job[W], workers*2),
		results:    make(chan Result, workers*2),
		collector:  NewResultCollector(),
		drained:    make(chan struct{}),
		ctx:        ctx,
		cancelFunc: cancel,
	}, nil
}

// Start builds each worker's resources and starts the workers
func (p *Pool[W]) Start() error {
	go func() {
		defer close(p.drained)
		for result := range p.results {
			p.collector.Add(result)
		}
	}()

	for i := 0; i < p.workers; i++ {
		id := i
		resource := p.factory(id)
		p.wg.Add(1)
		if err := p.goroutine.Submit(func() { p.worker(id, resource) }); err != nil {
			p.wg.Done()
			p.Shutdown()
			return fmt.Errorf("start worker %d: %w", id, err)
		}
	}
	return nil
}

// worker is the worker goroutine that processes jobs
func (p *Pool[W]) worker(id int, resource W) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			result := p.run(id, resource, job)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// run executes one job under its own deadline. The deadline is derived from
// the pool, not from the submitter, so dispatch cancellation never reaches
// a job already running.
func (p *Pool[W]) run(id int, resource W, job Job[W]) (result Result) {
	ctx := p.ctx
	if p.opts.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.opts.taskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.opts.logger.Error().Int("worker", id).Interface("panic", r).Msg("job panicked")
			result = &PanicResult{Value: r}
		}
	}()

	return job.Execute(ctx, resource)
}

// Submit queues a job, blocking while the queue is full. It gives up when
// ctx is done or the pool is shut down.
func (p *Pool[W]) Submit(ctx context.Context, job Job[W]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	case p.jobQueue <- job:
		return nil
	}
}

// Wait waits for all queued jobs to complete and returns the results
func (p *Pool[W]) Wait() []Result {
	p.closeQueue()
	p.wg.Wait()
	p.closeResults()
	<-p.drained
	p.goroutine.Release()
	return p.collector.Results()
}

// Shutdown stops the workers without waiting for queued jobs.
// Jobs already running see their context cancelled.
func (p *Pool[W]) Shutdown() {
	p.cancelFunc()
	p.wg.Wait()
	p.closeResults()
	p.goroutine.Release()
}

func (p *Pool[W]) closeQueue() {
	p.queueOnce.Do(func() {
		close(p.jobQueue)
	})
}

func (p *Pool[W]) closeResults() {
	p.closeOnce.Do(func() {
		close(p.results)
	})
}

// ResultCollector provides a safer way to collect results as they arrive
type ResultCollector struct {
	results []Result
	mu      sync.Mutex
}

// NewResultCollector creates a new result collector
func NewResultCollector() *ResultCollector {
	return &ResultCollector{
		results: make([]Result, 0),
	}
}

// Add adds a result to the collector (thread-safe)
func (c *ResultCollector) Add(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

// Results returns all collected results
func (c *ResultCollector) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

// antsLogger routes ants diagnostics to zerolog
type antsLogger struct {
	l zerolog.Logger
}

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Warn().Msgf(format, args...)
}
