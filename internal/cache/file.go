package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/rs/zerolog"
)

// Options configures a FileCache
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	LockStaleAfter time.Duration
	Logger         zerolog.Logger
}

// OptionsFromConfig builds options from the cache section of the config
func OptionsFromConfig(cfg model.CacheConfig, logger zerolog.Logger) Options {
	return Options{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		LockStaleAfter: cfg.LockStaleAfter,
		Logger:         logger,
	}
}

// FileCache is a Store persisted as one JSON file shared by every worker and
// process. Writes go through a lock file and replace the store atomically.
type FileCache struct {
	path   string
	opts   Options
	mem    *memoryView
	now    func() time.Time
	logger zerolog.Logger

	loadMu sync.Mutex
	loaded bool
}

// NewFileCache creates a cache backed by the file at path
func NewFileCache(path string, opts Options) *FileCache {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 20 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &FileCache{
		path:   path,
		opts:   opts,
		mem:    newMemoryView(),
		now:    time.Now,
		logger: opts.Logger.With().Str("cache", path).Logger(),
	}
}

// Path returns the store file path
func (c *FileCache) Path() string {
	return c.path
}

// Get returns the cached resolution for term
func (c *FileCache) Get(term string) (Result, error) {
	if err := c.ensureLoaded(); err != nil {
		return Miss(), err
	}
	return c.mem.Get(NormalizeKey(term)), nil
}

// Set stores an entity for term, or a null marker when entity is nil.
// The full store is re-read under the writer lock so entries written by
// other processes since the last read are preserved.
func (c *FileCache) Set(ctx context.Context, term string, entity *model.Entity) error {
	key := NormalizeKey(term)
	if key == "" {
		return fmt.Errorf("%w: empty term", ErrInvalidEntry)
	}

	var value *model.Entity
	if entity != nil {
		if err := entity.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidEntry, key, err)
		}
		e := *entity
		e.Aliases = append([]string(nil), entity.Aliases...)
		if e.CachedAt.IsZero() {
			e.CachedAt = c.now().UTC()
		}
		value = &e
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	var merged map[string]*model.Entity
	operation := func() error {
		unlock, err := c.lock()
		if err != nil {
			return err
		}
		defer unlock()

		store, err := readStore(c.path)
		if err != nil {
			return backoff.Permanent(err)
		}
		store[key] = value

		if err := writeStore(c.path, store); err != nil {
			return backoff.Permanent(err)
		}
		merged = store
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Str("term", key).Dur("wait", wait).Msg("cache store busy, retrying")
	}

	if err := backoff.RetryNotify(operation, c.retryPolicy(ctx), notify); err != nil {
		if errors.Is(err, errLocked) {
			return fmt.Errorf("%w: %s still locked after %d retries", ErrContention, c.path, c.opts.MaxRetries)
		}
		return err
	}

	c.mem.Merge(merged)
	c.markLoaded()
	return nil
}

// Stats counts the entries of the persisted store
func (c *FileCache) Stats() (Stats, error) {
	store, err := readStore(c.path)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, e := range store {
		s.Total++
		if e == nil {
			s.Nulls++
		} else {
			s.Concepts++
		}
	}
	return s, nil
}

// Stats summarizes the store contents
type Stats struct {
	Total    int `json:"total_entries"`
	Concepts int `json:"concept_entries"`
	Nulls    int `json:"null_entries"`
}

func (c *FileCache) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	retries := c.opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (c *FileCache) ensureLoaded() error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.loaded {
		return nil
	}
	store, err := readStore(c.path)
	if err != nil {
		return err
	}
	c.mem.Merge(store)
	c.loaded = true
	return nil
}

func (c *FileCache) markLoaded() {
	c.loadMu.Lock()
	c.loaded = true
	c.loadMu.Unlock()
}

// lock takes the writer lock file. errLocked is retryable, anything else is not.
func (c *FileCache) lock() (func(), error) {
	lockPath := c.path + ".lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
		_ = f.Close()
		return func() { _ = os.Remove(lockPath) }, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, backoff.Permanent(fmt.Errorf("create lock file: %w", err))
	}

	if c.opts.LockStaleAfter > 0 {
		c.breakStaleLock(lockPath)
	}
	return nil, errLocked
}

// breakStaleLock removes an abandoned lock file. The lock is first moved
// aside under a unique name, so the file judged stale is the file removed.
// If another writer replaced the lock in between, the fresh lock is put back.
func (c *FileCache) breakStaleLock(lockPath string) {
	info, err := os.Stat(lockPath)
	if err != nil || !c.isStale(info) {
		return
	}

	aside := lockPath + ".stale-" + uuid.NewString()
	if err := os.Rename(lockPath, aside); err != nil {
		return
	}
	defer func() { _ = os.Remove(aside) }()

	info, err = os.Stat(aside)
	if err == nil && c.isStale(info) {
		c.logger.Warn().Time("lock_mtime", info.ModTime()).Msg("removing abandoned cache lock")
		return
	}
	if err := os.Link(aside, lockPath); err != nil {
		c.logger.Warn().Err(err).Msg("could not restore cache lock taken by another writer")
	}
}

func (c *FileCache) isStale(info fs.FileInfo) bool {
	return c.now().Sub(info.ModTime()) > c.opts.LockStaleAfter
}

// readStore reads the full store. A missing or empty file is an empty store.
func readStore(path string) (map[string]*model.Entity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]*model.Entity), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return make(map[string]*model.Entity), nil
	}

	store := make(map[string]*model.Entity)
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if err := validateStore(store); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return store, nil
}

// writeStore validates and atomically replaces the store file
func writeStore(path string, store map[string]*model.Entity) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache store: %w", err)
	}

	// The bytes about to land must decode back to the same store
	check := make(map[string]*model.Entity)
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("%w: encoded store does not decode: %v", ErrCorrupt, err)
	}
	if len(check) != len(store) {
		return fmt.Errorf("%w: encoded store has %d entries, want %d", ErrCorrupt, len(check), len(store))
	}
	if err := validateStore(check); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace cache store: %w", err)
	}
	return nil
}

func validateStore(store map[string]*model.Entity) error {
	for key, e := range store {
		if key == "" {
			return fmt.Errorf("empty key")
		}
		if e != nil && e.ID == "" {
			return fmt.Errorf("entry %q has no id", key)
		}
	}
	return nil
}
