package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Store.DSN != "tracegraph.db" {
		t.Errorf("store DSN = %q, want tracegraph.db", cfg.Store.DSN)
	}
	if cfg.Sync.Workers != 4 || cfg.Sync.MaxRetries != 5 {
		t.Errorf("sync defaults = %d workers, %d retries; want 4 and 5",
			cfg.Sync.Workers, cfg.Sync.MaxRetries)
	}
	if cfg.Sync.RetryBaseDelay != time.Second || cfg.Sync.RetryMaxDelay != 5*time.Minute {
		t.Errorf("retry delays = %s/%s, want 1s/5m",
			cfg.Sync.RetryBaseDelay, cfg.Sync.RetryMaxDelay)
	}
	if cfg.Reconcile.Interval != 6*time.Hour {
		t.Errorf("reconcile interval = %s, want 6h", cfg.Reconcile.Interval)
	}
	if cfg.Tracker.RatePerSecond != 5.0 {
		t.Errorf("tracker rate = %g, want 5", cfg.Tracker.RatePerSecond)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  dsn: postgres://tg:tg@localhost/tg
tracker:
  base-url: https://tracker.example
  token: s3cret
sync:
  workers: 8
  max-retries: 2
reconcile:
  interval: 1h
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Store.DSN != "postgres://tg:tg@localhost/tg" {
		t.Errorf("store DSN = %q", cfg.Store.DSN)
	}
	if cfg.Tracker.BaseURL != "https://tracker.example" || cfg.Tracker.Token != "s3cret" {
		t.Errorf("tracker config = %+v", cfg.Tracker)
	}
	if cfg.Sync.Workers != 8 || cfg.Sync.MaxRetries != 2 {
		t.Errorf("sync overrides not applied: %+v", cfg.Sync)
	}
	if cfg.Reconcile.Interval != time.Hour {
		t.Errorf("reconcile interval = %s, want 1h", cfg.Reconcile.Interval)
	}
	// Unset keys keep their defaults.
	if cfg.Sync.QueueDepth != 256 {
		t.Errorf("queue depth = %d, want the 256 default", cfg.Sync.QueueDepth)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  workers: 8\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("TG_SYNC_WORKERS", "12")
	t.Setenv("TG_TRACKER_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.Workers != 12 {
		t.Errorf("workers = %d, want the env override 12", cfg.Sync.Workers)
	}
	if cfg.Tracker.Token != "from-env" {
		t.Errorf("token = %q, want from-env", cfg.Tracker.Token)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty dsn", "store:\n  dsn: \"\"\n"},
		{"zero workers", "sync:\n  workers: 0\n"},
		{"inverted delays", "sync:\n  retry-base-delay: 1m\n  retry-max-delay: 1s\n"},
		{"zero rate", "tracker:\n  rate-per-second: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
