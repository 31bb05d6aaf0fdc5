package lookup

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/conceptlink/internal/cache"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/ppiankov/conceptlink/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// fakeWikidata serves wbsearchentities from a fixed table
type fakeWikidata struct {
	*httptest.Server
	calls atomic.Int32

	mu    sync.Mutex
	times []time.Time
	last  map[string]string
}

func newFakeWikidata(t *testing.T, handler http.HandlerFunc) *fakeWikidata {
	t.Helper()
	f := &fakeWikidata{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			handler(w, r)
			return
		}
		f.calls.Add(1)
		f.mu.Lock()
		f.times = append(f.times, time.Now())
		f.last = map[string]string{}
		for k := range r.URL.Query() {
			f.last[k] = r.URL.Query().Get(k)
		}
		f.last["user-agent"] = r.Header.Get("User-Agent")
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func searchHandler(hits map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		term := r.URL.Query().Get("search")
		w.Header().Set("Content-Type", "application/json")
		id, ok := hits[term]
		if !ok {
			_, _ = fmt.Fprint(w, `{"searchinfo":{"search":"`+term+`"},"search":[],"success":1}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"search":[{"id":%q,"label":%q,"description":"test entity","url":"//www.wikidata.org/wiki/%s","aliases":["alt %s"]}],"success":1}`,
			id, term, id, term)
	}
}

func newTestClient(t *testing.T, endpoint string, gate *worker.RateGate, opts ...Option) (*Client, *cache.FileCache) {
	t.Helper()
	store := cache.NewFileCache(filepath.Join(t.TempDir(), "cache.json"), cache.Options{
		MaxRetries:     100,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	cfg := Config{
		Endpoint:  endpoint + "/w/api.php",
		Language:  "en",
		Limit:     1,
		Timeout:   2 * time.Second,
		UserAgent: "conceptlink-test/1.0",
	}
	return NewClient(cfg, store, gate, opts...), store
}

func TestResolve_NetworkHitIsCached(t *testing.T) {
	srv := newFakeWikidata(t, searchHandler(map[string]string{"mitochondria": "Q39572"}))
	client, store := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	res, err := client.Resolve(ctx, "Mitochondria")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "Q39572", res.Entity.ID)
	assert.Equal(t, "https://www.wikidata.org/wiki/Q39572", res.Entity.URL)
	assert.Equal(t, []string{"alt mitochondria"}, res.Entity.Aliases)

	srv.mu.Lock()
	assert.Equal(t, "wbsearchentities", srv.last["action"])
	assert.Equal(t, "mitochondria", srv.last["search"])
	assert.Equal(t, "en", srv.last["language"])
	assert.Equal(t, "1", srv.last["limit"])
	assert.Equal(t, "item", srv.last["type"])
	assert.Equal(t, "json", srv.last["format"])
	assert.Equal(t, "conceptlink-test/1.0", srv.last["user-agent"])
	srv.mu.Unlock()

	cached, err := store.Get("mitochondria")
	require.NoError(t, err)
	e, ok := cached.Entity()
	require.True(t, ok)
	assert.Equal(t, "Q39572", e.ID)

	// Second resolution is served by the cache
	res, err = client.Resolve(ctx, "mitochondria")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.True(t, res.Resolved)
	assert.Equal(t, int32(1), srv.calls.Load())

	stats := client.Stats()
	assert.Equal(t, 1, stats.APICalls)
	assert.Equal(t, 1, stats.CacheHits)
	assert.InDelta(t, 50.0, stats.HitRate(), 0.001)
}

func TestResolve_CacheFirstNeverCallsNetwork(t *testing.T) {
	srv := newFakeWikidata(t, searchHandler(nil))
	client, store := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cell", &model.Entity{ID: "Q7868", Label: "cell"}))
	require.NoError(t, store.Set(ctx, "xyzzy", nil))

	for i := 0; i < 3; i++ {
		res, err := client.Resolve(ctx, "Cell")
		require.NoError(t, err)
		assert.True(t, res.Resolved)

		res, err = client.Resolve(ctx, "xyzzy")
		require.NoError(t, err)
		assert.False(t, res.Resolved)
		assert.Equal(t, SourceCache, res.Source)
	}

	assert.Equal(t, int32(0), srv.calls.Load())
	assert.Equal(t, 3, client.Stats().NullHits)
}

func TestResolve_FailureCachesNull(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"search": [`)
		},
		"api error": func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"error":{"code":"badvalue","info":"Unrecognized value"}}`)
		},
		"no hits": searchHandler(nil),
	}

	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			srv := newFakeWikidata(t, handler)
			client, store := newTestClient(t, srv.URL, nil)
			ctx := context.Background()

			res, err := client.Resolve(ctx, "xyzzy")
			require.NoError(t, err, "lookup failures are never fatal")
			assert.False(t, res.Resolved)
			if name != "no hits" {
				assert.ErrorIs(t, res.Failure, ErrLookup)
			}

			cached, err := store.Get("xyzzy")
			require.NoError(t, err)
			assert.True(t, cached.IsNull())

			// No retry on a definitive miss
			_, err = client.Resolve(ctx, "xyzzy")
			require.NoError(t, err)
			assert.Equal(t, int32(1), srv.calls.Load())
		})
	}
}

func TestResolve_HTTPTimeoutCachesNull(t *testing.T) {
	srv := newFakeWikidata(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	client, store := newTestClient(t, srv.URL, nil, WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))

	res, err := client.Resolve(context.Background(), "slowterm")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.ErrorIs(t, res.Failure, ErrLookup)

	cached, err := store.Get("slowterm")
	require.NoError(t, err)
	assert.True(t, cached.IsNull())
}

func TestResolve_CallerDeadlineLeavesTermRetryable(t *testing.T) {
	srv := newFakeWikidata(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	client, store := newTestClient(t, srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Resolve(ctx, "slowterm")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrCache)

	cached, err := store.Get("slowterm")
	require.NoError(t, err)
	assert.True(t, cached.IsMiss(), "nothing may be cached when the caller gave up")
}

func TestResolve_ConcurrentMissesShareOneCall(t *testing.T) {
	srv := newFakeWikidata(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		searchHandler(map[string]string{"ribosome": "Q42138"})(w, r)
	})

	gate := worker.NewRateGate(0)
	group := &singleflight.Group{}
	base, store := newTestClient(t, srv.URL, gate, WithFlightGroup(group))

	clients := []*Client{base}
	for i := 0; i < 4; i++ {
		clients = append(clients, NewClient(base.cfg, store, gate, WithFlightGroup(group)))
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, c := range clients {
		for j := 0; j < 3; j++ {
			g.Go(func() error {
				res, err := c.Resolve(ctx, "Ribosome")
				if err != nil {
					return err
				}
				if !res.Resolved {
					return fmt.Errorf("expected resolution")
				}
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), srv.calls.Load())

	var apiCalls int
	for _, c := range clients {
		apiCalls += c.Stats().APICalls
	}
	assert.Equal(t, 1, apiCalls)
}

func TestResolve_SharedGateSpacesCalls(t *testing.T) {
	srv := newFakeWikidata(t, searchHandler(nil))
	interval := 25 * time.Millisecond
	gate := worker.NewRateGate(interval)

	a, store := newTestClient(t, srv.URL, gate)
	b := NewClient(a.cfg, store, gate)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			_, err := a.Resolve(ctx, fmt.Sprintf("alpha%d", i))
			return err
		})
		g.Go(func() error {
			_, err := b.Resolve(ctx, fmt.Sprintf("beta%d", i))
			return err
		})
	}
	require.NoError(t, g.Wait())

	srv.mu.Lock()
	times := append([]time.Time(nil), srv.times...)
	srv.mu.Unlock()
	require.Len(t, times, 6)

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	// Arrival times carry loopback transport jitter on top of the gate's spacing
	const jitter = 2 * time.Millisecond
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), interval-jitter, "calls %d and %d too close", i-1, i)
	}
	assert.Equal(t, int64(6), gate.Calls())
}

func TestResolve_CorruptCacheIsFatal(t *testing.T) {
	srv := newFakeWikidata(t, searchHandler(nil))
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	store := cache.NewFileCache(path, cache.Options{Logger: zerolog.Nop()})
	client := NewClient(Config{Endpoint: srv.URL + "/w/api.php"}, store, nil)

	_, err := client.Resolve(context.Background(), "cell")
	assert.ErrorIs(t, err, ErrCache)
	assert.ErrorIs(t, err, cache.ErrCorrupt)
	assert.Equal(t, int32(0), srv.calls.Load())
}

func TestHonorRobots_RaisesGate(t *testing.T) {
	srv := newFakeWikidata(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = fmt.Fprint(w, "User-agent: *\nCrawl-delay: 2\nDisallow: /private/\n")
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	gate := worker.NewRateGate(500 * time.Millisecond)
	client, _ := newTestClient(t, srv.URL, gate)

	policy, err := client.HonorRobots(context.Background())
	require.NoError(t, err)
	assert.True(t, policy.Allowed)
	assert.Equal(t, 2*time.Second, policy.CrawlDelay)
	assert.Equal(t, 2*time.Second, gate.Interval())
}

func TestHonorRobots_MissingFileAllows(t *testing.T) {
	srv := newFakeWikidata(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	gate := worker.NewRateGate(500 * time.Millisecond)
	client, _ := newTestClient(t, srv.URL, gate)

	policy, err := client.HonorRobots(context.Background())
	require.NoError(t, err)
	assert.True(t, policy.Allowed)
	assert.Equal(t, 500*time.Millisecond, gate.Interval())
}

func TestNormalizeUserAgent(t *testing.T) {
	assert.Equal(t, "conceptlink", normalizeUserAgent("conceptlink/0.1 (+https://example.org)"))
	assert.Equal(t, "", normalizeUserAgent(""))
}
