package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ppiankov/conceptlink/internal/cache"
	"github.com/ppiankov/conceptlink/internal/logging"
	"github.com/spf13/cobra"
)

var cacheStatsJSON bool

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the resolution cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count cache entries",
	Long:  `Count the entries of the resolution cache: resolved concepts and null markers.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{"cache": "cache.path"})
		if err != nil {
			return err
		}

		c := cache.NewFileCache(cfg.Cache.Path, cache.OptionsFromConfig(cfg.Cache, logging.Named("cache")))
		stats, err := c.Stats()
		if err != nil {
			return fmt.Errorf("read cache: %w", err)
		}

		if cacheStatsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		fmt.Printf("Cache file:      %s\n", c.Path())
		fmt.Printf("Total entries:   %d\n", stats.Total)
		fmt.Printf("Concepts:        %d\n", stats.Concepts)
		fmt.Printf("Null markers:    %d\n", stats.Nulls)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)

	cacheStatsCmd.Flags().BoolVar(&cacheStatsJSON, "json", false, "print stats as JSON")
	cacheStatsCmd.Flags().String("cache", "", "resolution cache file")
}
