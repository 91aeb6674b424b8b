// Package config loads runtime configuration for the tg daemon and CLI.
//
// Sources, lowest to highest precedence: built-in defaults, a YAML
// config file, environment variables with the TG_ prefix. A .env file in
// the working directory is folded into the environment before anything
// else reads it, so container and bare-metal deployments configure the
// same way.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the loaded runtime configuration.
type Config struct {
	Store     StoreConfig
	Tracker   TrackerConfig
	Sync      SyncConfig
	Reconcile ReconcileConfig
	Spool     SpoolConfig
	Plugins   PluginsConfig
	Dashboard DashboardConfig
	Log       LogConfig
}

type StoreConfig struct {
	// DSN selects the backing database: a file path or file: URL for
	// embedded SQLite, a postgres:// URL or key=value DSN for Postgres.
	DSN string
}

type TrackerConfig struct {
	BaseURL string
	Token   string

	// RatePerSecond and Burst size the shared outbound budget that every
	// tracker call and link check draws from.
	RatePerSecond float64
	Burst         int
}

type SyncConfig struct {
	Workers      int
	QueueDepth   int
	ApplyTimeout time.Duration

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxRetries     int

	// ExtraPrefixes extends the reference parser beyond the built-in
	// EP/US/DEF/TST set.
	ExtraPrefixes []string
}

type ReconcileConfig struct {
	Interval      time.Duration
	RetryInterval time.Duration
	StaleBatch    int
}

type SpoolConfig struct {
	// Dir is the watched event drop directory. Empty disables the spool.
	Dir string
}

type PluginsConfig struct {
	// File is the TOML link-plugin configuration. Empty loads the default
	// tracker-search plugin only.
	File string
}

type DashboardConfig struct {
	Listen string
}

type LogConfig struct {
	// File enables rotated file logging; empty logs to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration. path names an explicit config file; when
// empty the usual locations are searched (./tracegraph.yaml, then
// ~/.config/tracegraph/config.yaml). A missing config file is fine,
// defaults and environment carry the day.
func Load(path string) (*Config, error) {
	// Best effort: absent .env files are the common case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	}

	v.SetEnvPrefix("TG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{
		Store: StoreConfig{
			DSN: v.GetString("store.dsn"),
		},
		Tracker: TrackerConfig{
			BaseURL:       v.GetString("tracker.base-url"),
			Token:         v.GetString("tracker.token"),
			RatePerSecond: v.GetFloat64("tracker.rate-per-second"),
			Burst:         v.GetInt("tracker.burst"),
		},
		Sync: SyncConfig{
			Workers:        v.GetInt("sync.workers"),
			QueueDepth:     v.GetInt("sync.queue-depth"),
			ApplyTimeout:   v.GetDuration("sync.apply-timeout"),
			RetryBaseDelay: v.GetDuration("sync.retry-base-delay"),
			RetryMaxDelay:  v.GetDuration("sync.retry-max-delay"),
			MaxRetries:     v.GetInt("sync.max-retries"),
			ExtraPrefixes:  v.GetStringSlice("sync.extra-prefixes"),
		},
		Reconcile: ReconcileConfig{
			Interval:      v.GetDuration("reconcile.interval"),
			RetryInterval: v.GetDuration("reconcile.retry-interval"),
			StaleBatch:    v.GetInt("reconcile.stale-batch"),
		},
		Spool: SpoolConfig{
			Dir: v.GetString("spool.dir"),
		},
		Plugins: PluginsConfig{
			File: v.GetString("plugins.file"),
		},
		Dashboard: DashboardConfig{
			Listen: v.GetString("dashboard.listen"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max-size-mb"),
			MaxBackups: v.GetInt("log.max-backups"),
			MaxAgeDays: v.GetInt("log.max-age-days"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "tracegraph.db")

	v.SetDefault("tracker.base-url", "")
	v.SetDefault("tracker.token", "")
	v.SetDefault("tracker.rate-per-second", 5.0)
	v.SetDefault("tracker.burst", 5)

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.queue-depth", 256)
	v.SetDefault("sync.apply-timeout", "30s")
	v.SetDefault("sync.retry-base-delay", "1s")
	v.SetDefault("sync.retry-max-delay", "5m")
	v.SetDefault("sync.max-retries", 5)
	v.SetDefault("sync.extra-prefixes", []string{})

	v.SetDefault("reconcile.interval", "6h")
	v.SetDefault("reconcile.retry-interval", "30s")
	v.SetDefault("reconcile.stale-batch", 50)

	v.SetDefault("spool.dir", "")
	v.SetDefault("plugins.file", "")
	v.SetDefault("dashboard.listen", ":8990")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 50)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 28)
}

func (c *Config) validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must not be empty")
	}
	if c.Tracker.RatePerSecond <= 0 {
		return fmt.Errorf("tracker.rate-per-second must be positive (got %g)", c.Tracker.RatePerSecond)
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1 (got %d)", c.Sync.Workers)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max-retries must be at least 1 (got %d)", c.Sync.MaxRetries)
	}
	if c.Sync.RetryBaseDelay <= 0 || c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		return fmt.Errorf("sync retry delays must satisfy 0 < base <= max (got %s, %s)",
			c.Sync.RetryBaseDelay, c.Sync.RetryMaxDelay)
	}
	return nil
}

func findConfigFile() string {
	if _, err := os.Stat("tracegraph.yaml"); err == nil {
		return "tracegraph.yaml"
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(configDir, "tracegraph", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
