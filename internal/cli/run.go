package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ppiankov/conceptlink/internal/cache"
	"github.com/ppiankov/conceptlink/internal/graph"
	"github.com/ppiankov/conceptlink/internal/ledger"
	"github.com/ppiankov/conceptlink/internal/logging"
	"github.com/ppiankov/conceptlink/internal/lookup"
	"github.com/ppiankov/conceptlink/internal/metrics"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/ppiankov/conceptlink/internal/pipeline"
	"github.com/ppiankov/conceptlink/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runUnit         string
	runFormat       string
	runMaxSentences int
	runReportPath   string
)

// runFlagKeys maps run flags onto config keys
var runFlagKeys = map[string]string{
	"workers":       "concurrency.workers",
	"task-timeout":  "concurrency.task_timeout",
	"batch-timeout": "concurrency.batch_timeout",
	"cache":         "cache.path",
	"ledger":        "ledger.backend",
	"ledger-dir":    "ledger.dir",
	"graph":         "graph.backend",
	"metrics-addr":  "metrics.addr",
	"http-proxy":    "lookup.http_proxy",
	"https-proxy":   "lookup.https_proxy",
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <sentences-file>",
	Short: "Resolve the terms of a sentence file and link concepts",
	Long: `Run reads (id, text) sentences and drives them through four phases:
- extract candidate terms from every new sentence
- settle terms from the resolution cache
- look up cache misses on Wikidata (rate limited, shared across workers)
- link each sentence to at most one concept and finalize its status

The sentence file may be JSON Lines ({"id": ..., "text": ...}), a JSON
object keyed by sentence id, or TSV (id<TAB>text). The resolution state is
saved after every phase; interrupting a run (Ctrl-C) saves what is done and
the next run with the same unit picks up where it stopped.

Example:
  conceptlink run sentences.jsonl
  conceptlink run biology.tsv --unit biology --workers 8 --graph neo4j
  conceptlink run sentences.jsonl --max-sentences 100 --json report.json`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runUnit, "unit", "", "unit of work name (default: input file name)")
	f.StringVar(&runFormat, "format", "", "input format: jsonl, json or tsv (default: from file extension)")
	f.IntVar(&runMaxSentences, "max-sentences", 0, "process at most this many sentences (0 = all)")
	f.StringVar(&runReportPath, "json", "", "write the run report as JSON to this path")

	// Config overrides
	f.Int("workers", 0, "number of concurrent workers")
	f.Duration("task-timeout", 0, "timeout for one resolution task")
	f.Duration("batch-timeout", 0, "wall-clock limit for the whole run")
	f.String("cache", "", "resolution cache file")
	f.String("ledger", "", "ledger backend (json, badger)")
	f.String("ledger-dir", "", "directory holding the ledger")
	f.String("graph", "", "graph backend (neo4j, memory, none)")
	f.String("metrics-addr", "", "serve /metrics, /healthz and /stats on this address")
	f.String("http-proxy", "", "HTTP proxy URL (overrides HTTP_PROXY env var)")
	f.String("https-proxy", "", "HTTPS proxy URL (overrides HTTPS_PROXY env var)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, runFlagKeys)
	if err != nil {
		return err
	}

	file := args[0]
	inputs, err := pipeline.ReadSentencesFile(file, runFormat)
	if err != nil {
		return fmt.Errorf("read sentences: %w", err)
	}

	unit := runUnit
	if unit == "" {
		unit = unitFromPath(file)
	}
	if err := ledger.ValidateUnit(unit); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printRunHeader(file, unit, len(inputs), cfg)

	led, err := ledger.Open(cfg.Ledger, unit, logging.Named("ledger"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = led.Close() }()

	writer, err := graph.Open(ctx, cfg.Graph, logging.Named("graph"))
	if err != nil {
		return fmt.Errorf("open graph: %w", err)
	}
	defer func() { _ = writer.Close(context.Background()) }()

	recorder := metrics.NewRecorder()
	opts := pipeline.OptionsFromConfig(cfg)
	opts.MaxSentences = runMaxSentences

	orch, err := pipeline.New(pipeline.Deps{
		Cache:    cache.NewFileCache(cfg.Cache.Path, cache.OptionsFromConfig(cfg.Cache, logging.Named("cache"))),
		Ledger:   led,
		Graph:    writer,
		Gate:     worker.NewRateGate(cfg.Lookup.MinInterval),
		Lookup:   lookup.ConfigFromModel(cfg.Lookup),
		Recorder: recorder,
		Logger:   *logging.Get(),
	}, opts)
	if err != nil {
		return err
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	var g errgroup.Group
	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, recorder, orch.Stats, logging.Named("metrics"))
		g.Go(func() error { return srv.Run(serverCtx) })
	}

	report, runErr := orch.Run(ctx, unit, inputs)
	stopServer()
	serveErr := g.Wait()

	printRunReport(report)

	if runReportPath != "" {
		if err := writeReport(report, runReportPath); err != nil {
			return err
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "✓ Wrote JSON: %s\n", runReportPath)
		}
	}

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	if serveErr != nil {
		return fmt.Errorf("status server: %w", serveErr)
	}
	return nil
}

// unitFromPath derives a unit name from the input file name
func unitFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	unit := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, base)
	unit = strings.TrimLeft(unit, "_.-")

	// Limit length
	if len(unit) > 100 {
		unit = unit[:100]
	}
	if unit == "" {
		return "default"
	}
	return unit
}

func writeReport(report model.Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func printRunHeader(file, unit string, sentences int, cfg *model.Config) {
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  conceptlink run\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Input file:   %s\n", file)
	fmt.Fprintf(os.Stderr, "  Unit:         %s\n", unit)
	fmt.Fprintf(os.Stderr, "  Sentences:    %d\n", sentences)
	fmt.Fprintf(os.Stderr, "  Workers:      %d\n", cfg.Concurrency.Workers)
	fmt.Fprintf(os.Stderr, "  Cache:        %s\n", cfg.Cache.Path)
	fmt.Fprintf(os.Stderr, "  Ledger:       %s (%s)\n", cfg.Ledger.Dir, cfg.Ledger.Backend)
	fmt.Fprintf(os.Stderr, "  Graph:        %s\n", cfg.Graph.Backend)
	fmt.Fprintf(os.Stderr, "  Interval:     %v\n", cfg.Lookup.MinInterval)
	fmt.Fprintf(os.Stderr, "\n")
}

func printRunReport(r model.Report) {
	s := r.Stats
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	if r.Partial {
		fmt.Fprintf(os.Stderr, "  Run Stopped (%s)\n", r.StopReason)
	} else {
		fmt.Fprintf(os.Stderr, "  Run Complete\n")
	}
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Run ID:              %s\n", r.RunID)
	fmt.Fprintf(os.Stderr, "  Sentences processed: %d\n", s.SentencesProcessed)
	fmt.Fprintf(os.Stderr, "  Terms extracted:     %d\n", s.TermsExtracted)
	fmt.Fprintf(os.Stderr, "  Cache hits:          %d (%d null)\n", s.CacheHits, s.NullHits)
	fmt.Fprintf(os.Stderr, "  API calls:           %d\n", s.APICalls)
	fmt.Fprintf(os.Stderr, "  Lookup failures:     %d\n", s.LookupFailures)
	fmt.Fprintf(os.Stderr, "  Concepts linked:     %d\n", s.ConceptsCreated)
	fmt.Fprintf(os.Stderr, "  Graph failures:      %d\n", s.GraphFailures)
	fmt.Fprintf(os.Stderr, "  Terms skipped:       %d\n", s.TermsSkipped)
	fmt.Fprintf(os.Stderr, "  Task timeouts:       %d\n", s.TaskTimeouts)
	fmt.Fprintf(os.Stderr, "  Task errors:         %d\n", s.TaskErrors)
	fmt.Fprintf(os.Stderr, "  Cache hit rate:      %.1f%%\n", s.CacheHitRate())
	fmt.Fprintf(os.Stderr, "  Duration:            %v\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(os.Stderr, "\n")
}
