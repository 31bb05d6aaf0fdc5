package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ppiankov/conceptlink/internal/ledger"
	"github.com/ppiankov/conceptlink/internal/logging"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusFlagKeys = map[string]string{
	"ledger":     "ledger.backend",
	"ledger-dir": "ledger.dir",
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [unit]",
	Short: "Summarize the resolution state of persisted units",
	Long: `Status counts sentences and terms by status for one unit, or for
every unit found in the ledger when none is given.

Example:
  conceptlink status
  conceptlink status biology --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print summaries as JSON")
	statusCmd.Flags().String("ledger", "", "ledger backend (json, badger)")
	statusCmd.Flags().String("ledger-dir", "", "directory holding the ledger")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, statusFlagKeys)
	if err != nil {
		return err
	}
	logger := logging.Named("ledger")

	units := args
	if len(units) == 0 {
		units, err = ledger.ListUnits(cfg.Ledger, logger)
		if err != nil {
			return fmt.Errorf("list units: %w", err)
		}
		if len(units) == 0 {
			fmt.Fprintf(os.Stderr, "No units found in %s\n", cfg.Ledger.Dir)
			return nil
		}
	}

	var summaries []model.StatusSummary
	for _, unit := range units {
		sum, err := summarizeUnit(cmd, cfg.Ledger, unit)
		if err != nil {
			return fmt.Errorf("unit %s: %w", unit, err)
		}
		summaries = append(summaries, sum)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	for _, sum := range summaries {
		printSummary(sum)
	}
	return nil
}

func summarizeUnit(cmd *cobra.Command, cfg model.LedgerConfig, unit string) (model.StatusSummary, error) {
	led, err := ledger.Open(cfg, unit, logging.Named("ledger"))
	if err != nil {
		return model.StatusSummary{}, err
	}
	defer func() { _ = led.Close() }()

	snap, err := led.Load(cmd.Context())
	if err != nil {
		return model.StatusSummary{}, err
	}
	return ledger.NewTracker(snap).Summary(), nil
}

func printSummary(sum model.StatusSummary) {
	total := 0
	for _, n := range sum.Sentences {
		total += n
	}

	fmt.Printf("%s: %d sentences, %d linked\n", sum.Unit, total, sum.Linked)
	for _, s := range []model.SentenceStatus{
		model.SentenceNotProcessed,
		model.SentenceEntitiesExtracted,
		model.SentenceProcessed,
	} {
		fmt.Printf("  %-22s %d\n", s, sum.Sentences[s])
	}

	statuses := make([]string, 0, len(sum.Terms))
	for s := range sum.Terms {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Printf("  terms:\n")
	for _, s := range statuses {
		fmt.Printf("    %-20s %d\n", s, sum.Terms[model.TermStatus(s)])
	}
	fmt.Println()
}
