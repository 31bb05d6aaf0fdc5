// Package lookup resolves terms against the Wikidata entity search API.
//
// Every client consults the shared resolution cache first and only goes to
// the network on a miss. Network calls from all clients pass through one
// RateGate, and concurrent misses for the same key collapse into one call.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ppiankov/conceptlink/internal/cache"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/ppiankov/conceptlink/internal/worker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Source tells where a resolution came from
type Source uint8

const (
	SourceCache   Source = iota // Answered by the cache
	SourceNetwork               // This call issued the network request
	SourceShared                // Joined another caller's in-flight request
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceNetwork:
		return "network"
	case SourceShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Resolution is either a resolved entity or a definitive not-found
type Resolution struct {
	Entity   model.Entity
	Resolved bool
	Source   Source
	Failure  error // Why the network lookup failed, if it did
}

// Config configures a Client
type Config struct {
	Endpoint   string
	Language   string
	Limit      int
	Timeout    time.Duration
	UserAgent  string
	HTTPProxy  string
	HTTPSProxy string
}

// ConfigFromModel builds client config from the lookup section of the config
func ConfigFromModel(cfg model.LookupConfig) Config {
	return Config{
		Endpoint:   cfg.Endpoint,
		Language:   cfg.Language,
		Limit:      cfg.Limit,
		Timeout:    cfg.Timeout,
		UserAgent:  cfg.UserAgent,
		HTTPProxy:  cfg.HTTPProxy,
		HTTPSProxy: cfg.HTTPSProxy,
	}
}

// ClientStats counts what one client did
type ClientStats struct {
	CacheHits int `json:"cache_hits"`
	NullHits  int `json:"null_hits"`
	APICalls  int `json:"api_calls"`
	Failures  int `json:"failures"`
	Resolved  int `json:"resolved"`
}

// HitRate returns cache hits as a percentage of all resolutions
func (s ClientStats) HitRate() float64 {
	total := s.CacheHits + s.APICalls
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total) * 100
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithFlightGroup shares in-flight requests with other clients
func WithFlightGroup(g *singleflight.Group) Option {
	return func(c *Client) { c.flight = g }
}

// WithLogger sets the client logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client resolves terms through the cache and the knowledge base
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      cache.Store
	gate       *worker.RateGate
	flight     *singleflight.Group
	logger     zerolog.Logger

	mu    sync.Mutex
	stats ClientStats
}

// NewClient creates a lookup client. The gate is shared by every client of a run.
func NewClient(cfg Config, store cache.Store, gate *worker.RateGate, opts ...Option) *Client {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if gate == nil {
		gate = worker.NewRateGate(0)
	}

	c := &Client{
		cfg:    cfg,
		cache:  store,
		gate:   gate,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient(cfg.Timeout, cfg.HTTPProxy, cfg.HTTPSProxy)
	}
	if c.flight == nil {
		c.flight = &singleflight.Group{}
	}
	return c
}

// Resolve returns the resolution for term. A cache miss triggers one rate-gated
// network request whose outcome is written back to the cache: the entity on
// success, a null marker on any failure. If ctx ends first, nothing is cached
// and ctx's error is returned so the term can be retried later.
// Errors wrapping ErrCache are fatal to the caller.
func (c *Client) Resolve(ctx context.Context, term string) (Resolution, error) {
	res, err := c.cache.Get(term)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrCache, err)
	}
	if !res.IsMiss() {
		return c.fromCache(res), nil
	}

	key := cache.NormalizeKey(term)
	executed := false
	v, err, _ := c.flight.Do(key, func() (any, error) {
		executed = true
		return c.fetch(ctx, key)
	})
	if err != nil {
		return Resolution{}, err
	}

	out := v.(Resolution)
	if !executed && out.Source == SourceNetwork {
		out.Source = SourceShared
	}
	c.count(out)
	return out, nil
}

// Stats returns a copy of the client counters
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) fromCache(res cache.Result) Resolution {
	out := Resolution{Source: SourceCache}
	if e, ok := res.Entity(); ok {
		out.Entity = e
		out.Resolved = true
	}

	c.mu.Lock()
	c.stats.CacheHits++
	if res.IsNull() {
		c.stats.NullHits++
	}
	c.mu.Unlock()
	return out
}

// fetch runs once per key among concurrent callers
func (c *Client) fetch(ctx context.Context, key string) (Resolution, error) {
	// A caller that missed just before another one finished finds it here
	if res, err := c.cache.Get(key); err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrCache, err)
	} else if !res.IsMiss() {
		out := Resolution{Source: SourceCache}
		if e, ok := res.Entity(); ok {
			out.Entity = e
			out.Resolved = true
		}
		return out, nil
	}

	if err := c.gate.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Resolution{}, ctxErr
		}
		return Resolution{}, err
	}

	entity, lookupErr := c.search(ctx, key)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Resolution{}, ctxErr
	}

	out := Resolution{Source: SourceNetwork}
	switch {
	case lookupErr != nil:
		c.logger.Warn().Err(lookupErr).Str("term", key).Msg("lookup failed, caching null")
		out.Failure = lookupErr
	case entity == nil:
		c.logger.Debug().Str("term", key).Msg("no match, caching null")
	default:
		out.Entity = *entity
		out.Resolved = true
	}

	var value *model.Entity
	if out.Resolved {
		value = &out.Entity
	}
	if err := c.cache.Set(ctx, key, value); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Resolution{}, ctxErr
		}
		return Resolution{}, fmt.Errorf("%w: %w", ErrCache, err)
	}
	return out, nil
}

func (c *Client) count(out Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch out.Source {
	case SourceCache:
		c.stats.CacheHits++
		if !out.Resolved {
			c.stats.NullHits++
		}
		return
	case SourceNetwork:
		c.stats.APICalls++
	}
	if out.Resolved {
		c.stats.Resolved++
	} else {
		c.stats.Failures++
	}
}
