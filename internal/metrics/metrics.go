// Package metrics exposes run statistics as prometheus counters and serves
// them, with a health check and a JSON stats view, over HTTP.
package metrics

import (
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conceptlink"

// Recorder mirrors pipeline statistics into prometheus counters
type Recorder struct {
	registry *prometheus.Registry

	sentences prometheus.Counter
	terms     prometheus.Counter
	cacheHits *prometheus.CounterVec
	apiCalls  prometheus.Counter
	failures  *prometheus.CounterVec
	concepts  prometheus.Counter
	skipped   prometheus.Counter
	tasks     *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry:  prometheus.NewRegistry(),
		sentences: newCounter("pipeline", "sentences_processed_total", "Sentences that reached processed."),
		terms:     newCounter("pipeline", "terms_extracted_total", "Terms extracted from sentences."),
		cacheHits: newCounterVec("cache", "hits_total", "Terms answered from the resolution cache.", "kind"),
		apiCalls:  newCounter("lookup", "calls_total", "Network lookups issued."),
		failures:  newCounterVec("pipeline", "failures_total", "Failed lookups and graph writes.", "stage"),
		concepts:  newCounter("graph", "concepts_linked_total", "Successful concept upserts."),
		skipped:   newCounter("pipeline", "terms_skipped_total", "Terms not looked up because the sentence was linked."),
		tasks:     newCounterVec("pipeline", "task_errors_total", "Tasks that timed out or failed.", "reason"),
	}
	r.registry.MustRegister(
		r.sentences, r.terms, r.cacheHits, r.apiCalls,
		r.failures, r.concepts, r.skipped, r.tasks,
	)
	return r
}

// Registry returns the registry holding the counters
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Add records a statistics delta
func (r *Recorder) Add(d model.Stats) {
	r.sentences.Add(float64(d.SentencesProcessed))
	r.terms.Add(float64(d.TermsExtracted))
	r.cacheHits.WithLabelValues("entity").Add(float64(d.CacheHits - d.NullHits))
	r.cacheHits.WithLabelValues("null").Add(float64(d.NullHits))
	r.apiCalls.Add(float64(d.APICalls))
	r.failures.WithLabelValues("lookup").Add(float64(d.LookupFailures))
	r.failures.WithLabelValues("graph").Add(float64(d.GraphFailures))
	r.concepts.Add(float64(d.ConceptsCreated))
	r.skipped.Add(float64(d.TermsSkipped))
	r.tasks.WithLabelValues("timeout").Add(float64(d.TaskTimeouts))
	r.tasks.WithLabelValues("error").Add(float64(d.TaskErrors))
}

func newCounter(component, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
}

func newCounterVec(component, name, help string, labelNames ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labelNames)
}
