package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ppiankov/conceptlink/internal/cache"
	"github.com/ppiankov/conceptlink/internal/logging"
	"github.com/ppiankov/conceptlink/internal/lookup"
	"github.com/ppiankov/conceptlink/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var resolveJSON bool

var resolveFlagKeys = map[string]string{
	"cache":   "cache.path",
	"workers": "concurrency.workers",
}

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve <term>...",
	Short: "Resolve terms through the cache and Wikidata",
	Long: `Resolve looks each term up in the resolution cache and, on a miss,
on Wikidata. Results are written back to the cache exactly as a run would,
including null markers for terms with no match.

Example:
  conceptlink resolve mitochondria "natural selection"
  conceptlink resolve DNA --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false, "print results as JSON")
	resolveCmd.Flags().String("cache", "", "resolution cache file")
	resolveCmd.Flags().Int("workers", 0, "number of concurrent lookups")
}

type resolveOutput struct {
	Term        string `json:"term"`
	Source      string `json:"source"`
	ID          string `json:"id,omitempty"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Failure     string `json:"failure,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, resolveFlagKeys)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store := cache.NewFileCache(cfg.Cache.Path, cache.OptionsFromConfig(cfg.Cache, logging.Named("cache")))
	client := lookup.NewClient(lookup.ConfigFromModel(cfg.Lookup), store,
		worker.NewRateGate(cfg.Lookup.MinInterval),
		lookup.WithLogger(logging.Named("lookup")),
	)
	if cfg.Lookup.RespectRobots {
		if _, err := client.HonorRobots(ctx); err != nil {
			return err
		}
	}

	out := make([]resolveOutput, len(args))
	var g errgroup.Group
	g.SetLimit(max(1, cfg.Concurrency.Workers))
	for i, term := range args {
		g.Go(func() error {
			res, err := client.Resolve(ctx, term)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", term, err)
			}
			out[i] = resolveOutput{
				Term:        term,
				Source:      res.Source.String(),
				ID:          res.Entity.ID,
				Label:       res.Entity.Label,
				Description: res.Entity.Description,
				URL:         res.Entity.URL,
			}
			if res.Failure != nil {
				out[i].Failure = res.Failure.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if resolveJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for _, r := range out {
		if r.ID == "" {
			fmt.Printf("✗ %-30s no match (%s)\n", r.Term, r.Source)
			continue
		}
		fmt.Printf("✓ %-30s %-12s %s (%s)\n", r.Term, r.ID, r.Label, r.Source)
		if verbose && r.Description != "" {
			fmt.Printf("  %s\n", r.Description)
		}
	}

	stats := client.Stats()
	fmt.Fprintf(os.Stderr, "\n%d cache hits, %d API calls, hit rate %.1f%%\n",
		stats.CacheHits, stats.APICalls, stats.HitRate())
	return nil
}
