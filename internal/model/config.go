package model

import (
	"runtime"
	"time"
)

// Config is the complete runtime configuration
type Config struct {
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Lookup      LookupConfig      `yaml:"lookup" mapstructure:"lookup"`
	Ledger      LedgerConfig      `yaml:"ledger" mapstructure:"ledger"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	Graph       GraphConfig       `yaml:"graph" mapstructure:"graph"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// CacheConfig configures the resolution cache file
type CacheConfig struct {
	Path           string        `yaml:"path" mapstructure:"path"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`         // Contention retries before a write is fatal
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"` // First retry delay (doubles, jittered)
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	LockStaleAfter time.Duration `yaml:"lock_stale_after" mapstructure:"lock_stale_after"` // Lock files older than this are abandoned
}

// LookupConfig configures the knowledge-base client
type LookupConfig struct {
	Endpoint      string        `yaml:"endpoint" mapstructure:"endpoint"`
	Language      string        `yaml:"language" mapstructure:"language"`
	Limit         int           `yaml:"limit" mapstructure:"limit"`
	MinInterval   time.Duration `yaml:"min_interval" mapstructure:"min_interval"` // Floor between two network calls, process-wide
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent     string        `yaml:"user_agent" mapstructure:"user_agent"`
	HTTPProxy     string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy    string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	RespectRobots bool          `yaml:"respect_robots" mapstructure:"respect_robots"` // Honor robots.txt Crawl-delay of the endpoint host
}

// LedgerConfig configures snapshot persistence
type LedgerConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // "json" or "badger"
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// ConcurrencyConfig configures the worker pool
type ConcurrencyConfig struct {
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	TaskTimeout  time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	BatchTimeout time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`
}

// GraphConfig configures the graph writer
type GraphConfig struct {
	Backend         string  `yaml:"backend" mapstructure:"backend"` // "neo4j", "memory" or "none"
	URI             string  `yaml:"uri" mapstructure:"uri"`
	Username        string  `yaml:"username" mapstructure:"username"`
	Password        string  `yaml:"password,omitempty" mapstructure:"password"`
	Database        string  `yaml:"database" mapstructure:"database"`
	WritesPerSecond float64 `yaml:"writes_per_second" mapstructure:"writes_per_second"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // "console" or "json"
}

// MetricsConfig configures the optional status server
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"` // Empty disables the server
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Path:           "wikidata_cache.json",
			MaxRetries:     8,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			LockStaleAfter: 30 * time.Second,
		},
		Lookup: LookupConfig{
			Endpoint:    "https://www.wikidata.org/w/api.php",
			Language:    "en",
			Limit:       1,
			MinInterval: 500 * time.Millisecond,
			Timeout:     10 * time.Second,
			UserAgent:   "conceptlink/0.1 (+https://github.com/ppiankov/conceptlink)",
		},
		Ledger: LedgerConfig{
			Backend: "json",
			Dir:     ".",
		},
		Concurrency: ConcurrencyConfig{
			Workers:      runtime.NumCPU(),
			TaskTimeout:  30 * time.Second,
			BatchTimeout: 2 * time.Hour,
		},
		Graph: GraphConfig{
			Backend:         "none",
			URI:             "bolt://localhost:7687",
			Username:        "neo4j",
			Database:        "neo4j",
			WritesPerSecond: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
