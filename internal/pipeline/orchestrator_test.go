package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/conceptlink/internal/cache"
	"github.com/ppiankov/conceptlink/internal/graph"
	"github.com/ppiankov/conceptlink/internal/ledger"
	"github.com/ppiankov/conceptlink/internal/lookup"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/ppiankov/conceptlink/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mitochondriaSentence = "The mitochondria is the powerhouse of the cell."

// fakeWikidata answers wbsearchentities from a fixed table
type fakeWikidata struct {
	srv   *httptest.Server
	hits  map[string]model.Entity
	delay atomic.Int64

	mu    sync.Mutex
	calls map[string]int
}

func newFakeWikidata(t *testing.T, hits map[string]model.Entity) *fakeWikidata {
	t.Helper()
	f := &fakeWikidata{hits: hits, calls: make(map[string]int)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWikidata) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/w/api.php" {
		http.NotFound(w, r)
		return
	}
	term := r.URL.Query().Get("search")
	f.mu.Lock()
	f.calls[term]++
	f.mu.Unlock()

	if d := time.Duration(f.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	type hit struct {
		ID          string `json:"id"`
		Label       string `json:"label"`
		Description string `json:"description"`
		URL         string `json:"url"`
	}
	resp := struct {
		Search []hit `json:"search"`
	}{Search: []hit{}}
	if e, ok := f.hits[term]; ok {
		resp.Search = append(resp.Search, hit{
			ID:          e.ID,
			Label:       e.Label,
			Description: e.Description,
			URL:         "//www.wikidata.org/wiki/" + e.ID,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeWikidata) Calls(term string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[term]
}

func (f *fakeWikidata) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// countingStore counts cache writes
type countingStore struct {
	cache.Store
	sets atomic.Int32
}

func (s *countingStore) Set(ctx context.Context, term string, e *model.Entity) error {
	s.sets.Add(1)
	return s.Store.Set(ctx, term, e)
}

// linkLedger remembers the records persisted one at a time
type linkLedger struct {
	ledger.Ledger

	mu     sync.Mutex
	linked []*model.SentenceRecord
}

func (l *linkLedger) AtomicUpsert(ctx context.Context, rec *model.SentenceRecord) error {
	l.mu.Lock()
	l.linked = append(l.linked, rec.Clone())
	l.mu.Unlock()
	return l.Ledger.AtomicUpsert(ctx, rec)
}

type harness struct {
	dir     string
	wiki    *fakeWikidata
	graph   *graph.Memory
	noGraph bool
	store   *countingStore
	wrap    func(ledger.Ledger) ledger.Ledger
}

func newHarness(t *testing.T, hits map[string]model.Entity) *harness {
	t.Helper()
	return &harness{
		dir:   t.TempDir(),
		wiki:  newFakeWikidata(t, hits),
		graph: graph.NewMemory(),
	}
}

func (h *harness) cachePath() string {
	return filepath.Join(h.dir, "cache.json")
}

// orchestrator builds a fresh orchestrator over the same files, the way a
// restarted process would
func (h *harness) orchestrator(t *testing.T, unit string, opts Options) (*Orchestrator, ledger.Ledger) {
	t.Helper()
	h.store = &countingStore{Store: cache.NewFileCache(h.cachePath(), cache.Options{
		MaxRetries:     100,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		LockStaleAfter: time.Minute,
		Logger:         zerolog.Nop(),
	})}
	var led ledger.Ledger = ledger.NewJSONFile(h.dir, unit)
	if h.wrap != nil {
		led = h.wrap(led)
	}
	var writer graph.Writer
	if !h.noGraph {
		writer = h.graph
	}

	o, err := New(Deps{
		Cache:  h.store,
		Ledger: led,
		Graph:  writer,
		Gate:   worker.NewRateGate(0),
		Lookup: lookup.Config{
			Endpoint:  h.wiki.srv.URL + "/w/api.php",
			UserAgent: "conceptlink-test",
		},
		Logger: zerolog.Nop(),
	}, opts)
	require.NoError(t, err)
	return o, led
}

func loadRecord(t *testing.T, led ledger.Ledger, id string) *model.SentenceRecord {
	t.Helper()
	snap, err := led.Load(context.Background())
	require.NoError(t, err)
	rec, ok := snap.Sentences[id]
	require.True(t, ok, "sentence %s not persisted", id)
	return rec
}

func TestRun_ResolvesAndLinksOnce(t *testing.T) {
	h := newHarness(t, map[string]model.Entity{
		"mitochondria": {ID: "Q39517", Label: "mitochondrion"},
	})
	o, led := h.orchestrator(t, "biology", Options{Workers: 1})

	report, err := o.Run(context.Background(), "biology", []model.SentenceInput{
		{ID: "s1", Text: mitochondriaSentence},
	})
	require.NoError(t, err)

	rec := loadRecord(t, led, "s1")
	assert.Equal(t, model.SentenceProcessed, rec.Status)
	assert.Equal(t, "Q39517", rec.ConceptID)
	require.Contains(t, rec.Terms, "mitochondria")
	assert.Equal(t, model.TermAPILookupComplete, rec.Terms["mitochondria"].Status)
	assert.Equal(t, "Q39517", rec.Terms["mitochondria"].ResolvedID)
	assert.Equal(t, model.TermAPILookupFailed, rec.Terms["cell"].Status)
	// Terms ordered after the linking one are not looked up
	assert.Equal(t, model.TermNeedsAPILookup, rec.Terms["powerhouse"].Status)

	assert.Equal(t, 1, h.graph.Upserts())
	assert.Equal(t, []string{"Q39517"}, h.graph.Links("s1"))

	assert.Equal(t, model.Stats{
		SentencesProcessed: 1,
		TermsExtracted:     3,
		APICalls:           2,
		LookupFailures:     1,
		ConceptsCreated:    1,
		TermsSkipped:       1,
	}, report.Stats)
	assert.False(t, report.Partial)
	assert.Equal(t, []model.Phase{model.PhaseExtract, model.PhaseCache, model.PhaseLookup, model.PhaseFinalize}, report.Phases)
	assert.NotEmpty(t, report.RunID)
}

func TestRun_WithoutGraphStoreLinksOnce(t *testing.T) {
	h := newHarness(t, map[string]model.Entity{
		"cell":         {ID: "Q7868", Label: "cell"},
		"mitochondria": {ID: "Q39517", Label: "mitochondrion"},
		"powerhouse":   {ID: "Q1411945", Label: "powerhouse"},
	})
	h.noGraph = true

	o, led := h.orchestrator(t, "plain", Options{Workers: 1})
	report, err := o.Run(context.Background(), "plain", []model.SentenceInput{
		{ID: "s1", Text: mitochondriaSentence},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats.APICalls, "the first resolved term links the sentence")
	assert.Equal(t, 1, report.Stats.ConceptsCreated)
	assert.Equal(t, 2, report.Stats.TermsSkipped)
	assert.Zero(t, report.Stats.GraphFailures)
	assert.Zero(t, h.graph.Upserts())

	rec := loadRecord(t, led, "s1")
	assert.NotEmpty(t, rec.ConceptID)
	assert.Equal(t, model.SentenceProcessed, rec.Status)
}

func TestRun_PersistsLinkAsSoonAsMade(t *testing.T) {
	h := newHarness(t, map[string]model.Entity{
		"mitochondria": {ID: "Q39517", Label: "mitochondrion"},
	})
	links := &linkLedger{}
	h.wrap = func(l ledger.Ledger) ledger.Ledger {
		links.Ledger = l
		return links
	}

	o, led := h.orchestrator(t, "durable", Options{Workers: 1})
	_, err := o.Run(context.Background(), "durable", []model.SentenceInput{
		{ID: "s1", Text: mitochondriaSentence},
	})
	require.NoError(t, err)

	require.Len(t, links.linked, 1)
	rec := links.linked[0]
	assert.Equal(t, "s1", rec.ID)
	assert.Equal(t, "Q39517", rec.ConceptID)
	// Persisted during the lookup phase, before finalization
	assert.Equal(t, model.SentenceEntitiesExtracted, rec.Status)
	assert.Equal(t, model.TermAPILookupComplete, rec.Terms["mitochondria"].Status)

	assert.Equal(t, model.SentenceProcessed, loadRecord(t, led, "s1").Status)
}

func TestRun_RerunOfPersistedUnitDoesNothing(t *testing.T) {
	h := newHarness(t, map[string]model.Entity{
		"mitochondria": {ID: "Q39517", Label: "mitochondrion"},
	})
	inputs := []model.SentenceInput{{ID: "s1", Text: mitochondriaSentence}}

	o, _ := h.orchestrator(t, "biology", Options{Workers: 2})
	_, err := o.Run(context.Background(), "biology", inputs)
	require.NoError(t, err)
	callsBefore := h.wiki.TotalCalls()
	upsertsBefore := h.graph.Upserts()

	o, led := h.orchestrator(t, "biology", Options{Workers: 2})
	report, err := o.Run(context.Background(), "biology", inputs)
	require.NoError(t, err)

	assert.Equal(t, callsBefore, h.wiki.TotalCalls(), "no lookups on rerun")
	assert.Equal(t, upsertsBefore, h.graph.Upserts(), "no upserts on rerun")
	assert.Zero(t, h.store.sets.Load(), "no cache writes on rerun")
	assert.Equal(t, model.Stats{}, report.Stats)
	assert.Equal(t, model.TermAPILookupComplete, loadRecord(t, led, "s1").Terms["mitochondria"].Status)
}

func TestRun_NoMatchIsCachedAsNull(t *testing.T) {
	h := newHarness(t, nil)

	o, led := h.orchestrator(t, "first", Options{Workers: 4})
	_, err := o.Run(context.Background(), "first", []model.SentenceInput{
		{ID: "s1", Text: "The flurbo glimmered quietly."},
	})
	require.NoError(t, err)

	rec := loadRecord(t, led, "s1")
	require.Contains(t, rec.Terms, "flurbo")
	assert.Equal(t, model.TermAPILookupFailed, rec.Terms["flurbo"].Status)
	assert.Equal(t, model.SentenceProcessed, rec.Status)
	assert.Empty(t, rec.ConceptID)
	assert.Equal(t, 1, h.wiki.Calls("flurbo"))

	res, err := cache.NewFileCache(h.cachePath(), cache.Options{Logger: zerolog.Nop()}).Get("flurbo")
	require.NoError(t, err)
	assert.True(t, res.IsNull())

	// Another unit meets the same term
	o, led = h.orchestrator(t, "second", Options{Workers: 4})
	report, err := o.Run(context.Background(), "second", []model.SentenceInput{
		{ID: "t1", Text: "A flurbo appeared in the garden."},
	})
	require.NoError(t, err)

	rec = loadRecord(t, led, "t1")
	assert.Equal(t, model.TermNullNoAPIValue, rec.Terms["flurbo"].Status)
	assert.Equal(t, 1, h.wiki.Calls("flurbo"), "null marker must prevent a second lookup")
	assert.GreaterOrEqual(t, report.Stats.NullHits, 1)
}

func TestRun_ResumesTimedOutLookups(t *testing.T) {
	h := newHarness(t, nil)
	h.wiki.delay.Store(int64(time.Second))
	inputs := []model.SentenceInput{{ID: "s1", Text: mitochondriaSentence}}

	o, led := h.orchestrator(t, "resume", Options{Workers: 3, TaskTimeout: 30 * time.Millisecond})
	report, err := o.Run(context.Background(), "resume", inputs)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Stats.TaskTimeouts)
	assert.Zero(t, report.Stats.APICalls)

	rec := loadRecord(t, led, "s1")
	assert.Equal(t, model.SentenceEntitiesExtracted, rec.Status)
	for term, tr := range rec.Terms {
		assert.Equal(t, model.TermNeedsAPILookup, tr.Status, term)
		res, err := h.store.Get(term)
		require.NoError(t, err)
		assert.True(t, res.IsMiss(), "timed-out term %q must not be cached", term)
	}

	h.wiki.delay.Store(0)
	o, led = h.orchestrator(t, "resume", Options{Workers: 3, TaskTimeout: time.Second})
	report, err = o.Run(context.Background(), "resume", inputs)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Stats.APICalls)
	assert.Zero(t, report.Stats.TermsExtracted, "extraction is not repeated")

	rec = loadRecord(t, led, "s1")
	assert.Equal(t, model.SentenceProcessed, rec.Status)
	for term, tr := range rec.Terms {
		assert.Equal(t, model.TermAPILookupFailed, tr.Status, term)
	}

	calls := h.wiki.TotalCalls()
	o, _ = h.orchestrator(t, "resume", Options{Workers: 3})
	_, err = o.Run(context.Background(), "resume", inputs)
	require.NoError(t, err)
	assert.Equal(t, calls, h.wiki.TotalCalls())
}

func TestRun_ConcurrentSentencesShareLookups(t *testing.T) {
	h := newHarness(t, map[string]model.Entity{
		"mitochondria": {ID: "Q39517", Label: "mitochondrion"},
	})

	var inputs []model.SentenceInput
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		inputs = append(inputs, model.SentenceInput{ID: id, Text: "Every mitochondria needs oxygen."})
	}

	o, led := h.orchestrator(t, "shared", Options{Workers: 6})
	report, err := o.Run(context.Background(), "shared", inputs)
	require.NoError(t, err)

	assert.Equal(t, 1, h.wiki.Calls("mitochondria"))
	assert.Equal(t, 6, report.Stats.SentencesProcessed)

	snap, err := led.Load(context.Background())
	require.NoError(t, err)
	for id, rec := range snap.Sentences {
		assert.Equal(t, model.SentenceProcessed, rec.Status, id)
		assert.LessOrEqual(t, len(h.graph.Links(id)), 1, "at most one concept per sentence")
	}
}

func TestRun_GraphFailureLeavesSentenceUnlinked(t *testing.T) {
	h := newHarness(t, map[string]model.Entity{
		"mitochondria": {ID: "Q39517", Label: "mitochondrion"},
	})
	h.graph = graph.NewMemory("some-other-sentence")

	o, led := h.orchestrator(t, "nograph", Options{Workers: 1})
	report, err := o.Run(context.Background(), "nograph", []model.SentenceInput{
		{ID: "s1", Text: mitochondriaSentence},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats.GraphFailures)
	assert.Zero(t, report.Stats.ConceptsCreated)
	assert.Zero(t, report.Stats.TermsSkipped)

	rec := loadRecord(t, led, "s1")
	assert.Empty(t, rec.ConceptID)
	assert.Equal(t, model.SentenceProcessed, rec.Status)
	assert.Equal(t, model.TermAPILookupFailed, rec.Terms["powerhouse"].Status)
}

func TestRun_ShortAndEmptySentences(t *testing.T) {
	h := newHarness(t, nil)
	o, led := h.orchestrator(t, "short", Options{Workers: 2})

	report, err := o.Run(context.Background(), "short", []model.SentenceInput{
		{ID: "s1", Text: "Hi there"},
		{ID: "s2", Text: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Stats.SentencesProcessed)
	assert.Zero(t, h.wiki.TotalCalls())

	for _, id := range []string{"s1", "s2"} {
		rec := loadRecord(t, led, id)
		assert.Equal(t, model.SentenceProcessed, rec.Status)
		assert.Empty(t, rec.Terms)
	}
}

func TestRun_CorruptCacheIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(h.cachePath(), []byte(`{"cell": `), 0644))

	o, led := h.orchestrator(t, "corrupt", Options{Workers: 2})
	report, err := o.Run(context.Background(), "corrupt", []model.SentenceInput{
		{ID: "s1", Text: mitochondriaSentence},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalCache)
	assert.ErrorIs(t, err, cache.ErrCorrupt)
	assert.True(t, report.Partial)
	assert.Equal(t, []model.Phase{model.PhaseExtract}, report.Phases)
	assert.Zero(t, h.wiki.TotalCalls())

	// Extraction was persisted before the abort
	rec := loadRecord(t, led, "s1")
	assert.Equal(t, model.SentenceEntitiesExtracted, rec.Status)
	assert.NotEmpty(t, rec.Terms)
}

func TestRun_BatchTimeoutStopsDispatch(t *testing.T) {
	h := newHarness(t, nil)
	o, led := h.orchestrator(t, "late", Options{Workers: 1, BatchTimeout: time.Nanosecond})

	report, err := o.Run(context.Background(), "late", []model.SentenceInput{
		{ID: "s1", Text: mitochondriaSentence},
	})
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, "batch timeout", report.StopReason)
	assert.Equal(t, []model.Phase{model.PhaseFinalize}, report.Phases)

	assert.Equal(t, model.SentenceNotProcessed, loadRecord(t, led, "s1").Status)
}

func TestRun_InterruptedRunStillSaves(t *testing.T) {
	h := newHarness(t, nil)
	o, led := h.orchestrator(t, "stop", Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.Run(ctx, "stop", []model.SentenceInput{{ID: "s1", Text: mitochondriaSentence}})
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, "interrupted", report.StopReason)

	loadRecord(t, led, "s1")
}

func TestRun_MaxSentences(t *testing.T) {
	h := newHarness(t, nil)
	o, led := h.orchestrator(t, "limited", Options{Workers: 2, MaxSentences: 2})

	_, err := o.Run(context.Background(), "limited", []model.SentenceInput{
		{ID: "s1", Text: "Hi there"},
		{ID: "s2", Text: "Hi again"},
		{ID: "s3", Text: "Bye now"},
	})
	require.NoError(t, err)

	snap, err := led.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Sentences, 2)
	assert.NotContains(t, snap.Sentences, "s3")
}

type recordingRecorder struct {
	mu    sync.Mutex
	total model.Stats
}

func (r *recordingRecorder) Add(delta model.Stats) {
	r.mu.Lock()
	r.total.Add(delta)
	r.mu.Unlock()
}

func TestCollector_MirrorsToRecorder(t *testing.T) {
	rec := &recordingRecorder{}
	c := NewCollector(rec)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add(model.Stats{CacheHits: 1, APICalls: 2})
		}()
	}
	wg.Wait()

	assert.Equal(t, model.Stats{CacheHits: 20, APICalls: 40}, c.Stats())
	assert.Equal(t, c.Stats(), rec.total)
}

func TestNew_RequiresCacheAndLedger(t *testing.T) {
	_, err := New(Deps{Ledger: ledger.NewJSONFile(t.TempDir(), "u")}, Options{})
	assert.Error(t, err)

	_, err = New(Deps{Cache: cache.NewFileCache(filepath.Join(t.TempDir(), "c.json"), cache.Options{})}, Options{})
	assert.Error(t, err)
}
