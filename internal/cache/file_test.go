package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testOptions() Options {
	return Options{
		MaxRetries:     1000,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		LockStaleAfter: time.Minute,
		Logger:         zerolog.Nop(),
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Mitochondria", "mitochondria"},
		{"  Charles   Darwin ", "charles darwin"},
		{"\uff24\uff2e\uff21", "dna"}, // fullwidth letters fold under NFKC
		{"Natural\tSelection\n", "natural selection"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeKey(tt.in), "%q", tt.in)
	}
}

func TestFileCache_MissThenHit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := NewFileCache(path, testOptions())

	res, err := c.Get("Cell")
	require.NoError(t, err)
	assert.True(t, res.IsMiss())

	err = c.Set(context.Background(), "Cell", &model.Entity{ID: "Q7868", Label: "cell", Aliases: []string{"cells"}})
	require.NoError(t, err)

	res, err = c.Get("cell")
	require.NoError(t, err)
	e, ok := res.Entity()
	require.True(t, ok)
	assert.Equal(t, "Q7868", e.ID)
	assert.Equal(t, []string{"cells"}, e.Aliases)
	assert.False(t, e.CachedAt.IsZero())
}

func TestFileCache_NullMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := NewFileCache(path, testOptions())

	require.NoError(t, c.Set(context.Background(), "xyzzy", nil))

	res, err := c.Get("XYZZY")
	require.NoError(t, err)
	assert.True(t, res.IsNull())
	assert.False(t, res.IsMiss())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "null", string(onDisk["xyzzy"]))
}

func TestFileCache_MergesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	a := NewFileCache(path, testOptions())
	b := NewFileCache(path, testOptions())

	require.NoError(t, a.Set(context.Background(), "cell", &model.Entity{ID: "Q7868"}))
	require.NoError(t, b.Set(context.Background(), "atom", &model.Entity{ID: "Q9121"}))

	// a sees b's write once its own next write re-reads the store
	require.NoError(t, a.Set(context.Background(), "gene", &model.Entity{ID: "Q7187"}))
	res, err := a.Get("atom")
	require.NoError(t, err)
	e, ok := res.Entity()
	require.True(t, ok)
	assert.Equal(t, "Q9121", e.ID)

	stats, err := b.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Concepts: 3}, stats)
}

func TestFileCache_ConcurrentWritersLoseNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	const writers = 8
	const perWriter = 10

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < writers; w++ {
		c := NewFileCache(path, testOptions())
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				term := fmt.Sprintf("term-%d-%d", w, i)
				var e *model.Entity
				if i%3 != 0 {
					e = &model.Entity{ID: fmt.Sprintf("Q%d%d", w, i)}
				}
				if err := c.Set(ctx, term, e); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats, err := NewFileCache(path, testOptions()).Stats()
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, stats.Total)

	_, err = os.Stat(path + ".lock")
	assert.True(t, errors.Is(err, os.ErrNotExist), "lock file must be released")
}

func TestFileCache_ContentionExhaustsRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path+".lock", []byte("1\n"), 0644))

	opts := testOptions()
	opts.MaxRetries = 2
	c := NewFileCache(path, opts)

	err := c.Set(context.Background(), "cell", &model.Entity{ID: "Q7868"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContention)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "store must not be written without the lock")
}

func TestFileCache_StaleLockIsRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	lockPath := path + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte("1\n"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	c := NewFileCache(path, testOptions())
	require.NoError(t, c.Set(context.Background(), "cell", &model.Entity{ID: "Q7868"}))

	res, err := c.Get("cell")
	require.NoError(t, err)
	assert.False(t, res.IsMiss())
	assertNoStaleLeftovers(t, filepath.Dir(path))
}

func TestFileCache_FreshLockTakenMeanwhileIsKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	lockPath := path + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte("4242\n"), 0644))

	c := NewFileCache(path, testOptions())
	// The first look sees an abandoned lock; by the time it is moved aside
	// another writer holds a fresh one
	checks := 0
	c.now = func() time.Time {
		checks++
		if checks == 1 {
			return time.Now().Add(time.Hour)
		}
		return time.Now()
	}

	c.breakStaleLock(lockPath)

	data, err := os.ReadFile(lockPath)
	require.NoError(t, err, "fresh lock must survive")
	assert.Equal(t, "4242\n", string(data))
	assertNoStaleLeftovers(t, filepath.Dir(path))
}

func assertNoStaleLeftovers(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".stale-")
	}
}

func TestFileCache_CorruptStoreIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cell": {"id": "Q7868"`), 0644))

	c := NewFileCache(path, testOptions())
	_, err := c.Get("cell")
	assert.ErrorIs(t, err, ErrCorrupt)

	err = c.Set(context.Background(), "atom", &model.Entity{ID: "Q9121"})
	assert.ErrorIs(t, err, ErrCorrupt)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"cell": {"id": "Q7868"`, string(raw), "corrupt store must be left untouched")
}

func TestFileCache_RejectsEntityWithoutID(t *testing.T) {
	c := NewFileCache(filepath.Join(t.TempDir(), "cache.json"), testOptions())

	err := c.Set(context.Background(), "cell", &model.Entity{Label: "cell"})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	err = c.Set(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestFileCache_ReadsLegacyLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	legacy := `{
  "mitochondria": {"qid": "Q39572", "label": "mitochondrion", "description": "organelle", "aliases": ["mitochondria"], "wikidata_url": "https://www.wikidata.org/wiki/Q39572", "cached_at": "2024-03-01T10:00:00.123456"},
  "xyzzy": null
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	c := NewFileCache(path, testOptions())
	res, err := c.Get("Mitochondria")
	require.NoError(t, err)
	e, ok := res.Entity()
	require.True(t, ok)
	assert.Equal(t, "Q39572", e.ID)
	assert.Equal(t, "mitochondrion", e.Label)
	assert.Equal(t, "https://www.wikidata.org/wiki/Q39572", e.URL)
	assert.Equal(t, 2024, e.CachedAt.Year())

	res, err = c.Get("xyzzy")
	require.NoError(t, err)
	assert.True(t, res.IsNull())
}
