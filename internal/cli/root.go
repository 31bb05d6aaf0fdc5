package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/conceptlink/internal/logging"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set at build time
var Version = "v0.1.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "conceptlink",
	Short: "conceptlink - link sentences to knowledge-base concepts",
	Long: `conceptlink extracts candidate terms from sentences, resolves them
against Wikidata through a shared on-disk cache, and links each sentence
to the concept it mentions in a graph store.

Runs are resumable: the resolution state of every sentence is persisted
after each phase, and nothing already resolved is looked up again.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version number of conceptlink.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("conceptlink %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.conceptlink/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}

		// Search for config in home directory
		viper.AddConfigPath(home + "/.conceptlink")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	setDefaults(model.DefaultConfig())

	// Read in environment variables that match CONCEPTLINK_*, e.g. CONCEPTLINK_CACHE_PATH
	viper.SetEnvPrefix("CONCEPTLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// setDefaults registers every config key so env vars reach Unmarshal
func setDefaults(cfg *model.Config) {
	defaults := map[string]any{
		"cache.path":                cfg.Cache.Path,
		"cache.max_retries":         cfg.Cache.MaxRetries,
		"cache.initial_backoff":     cfg.Cache.InitialBackoff,
		"cache.max_backoff":         cfg.Cache.MaxBackoff,
		"cache.lock_stale_after":    cfg.Cache.LockStaleAfter,
		"lookup.endpoint":           cfg.Lookup.Endpoint,
		"lookup.language":           cfg.Lookup.Language,
		"lookup.limit":              cfg.Lookup.Limit,
		"lookup.min_interval":       cfg.Lookup.MinInterval,
		"lookup.timeout":            cfg.Lookup.Timeout,
		"lookup.user_agent":         cfg.Lookup.UserAgent,
		"lookup.http_proxy":         cfg.Lookup.HTTPProxy,
		"lookup.https_proxy":        cfg.Lookup.HTTPSProxy,
		"lookup.respect_robots":     cfg.Lookup.RespectRobots,
		"ledger.backend":            cfg.Ledger.Backend,
		"ledger.dir":                cfg.Ledger.Dir,
		"concurrency.workers":       cfg.Concurrency.Workers,
		"concurrency.task_timeout":  cfg.Concurrency.TaskTimeout,
		"concurrency.batch_timeout": cfg.Concurrency.BatchTimeout,
		"graph.backend":             cfg.Graph.Backend,
		"graph.uri":                 cfg.Graph.URI,
		"graph.username":            cfg.Graph.Username,
		"graph.password":            cfg.Graph.Password,
		"graph.database":            cfg.Graph.Database,
		"graph.writes_per_second":   cfg.Graph.WritesPerSecond,
		"logging.level":             cfg.Logging.Level,
		"logging.format":            cfg.Logging.Format,
		"metrics.addr":              cfg.Metrics.Addr,
	}
	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
}

// loadConfig binds the command's own flags to their config keys and returns
// the effective configuration. Flags are bound here rather than in init so
// that two commands sharing a key do not steal each other's binding.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*model.Config, error) {
	for name, key := range flagKeys {
		if err := bindFlag(cmd.Flags(), name, key); err != nil {
			return nil, err
		}
	}

	cfg := model.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	logging.Init(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return cfg, nil
}

func bindFlag(flags *pflag.FlagSet, name, key string) error {
	flag := flags.Lookup(name)
	if flag == nil {
		return fmt.Errorf("unknown flag --%s", name)
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("bind --%s: %w", name, err)
	}
	return nil
}
