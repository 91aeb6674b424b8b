// Command tg is the traceability synchronization engine CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracegraph/tracegraph/internal/config"
	"github.com/tracegraph/tracegraph/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "Traceability synchronization and link-integrity engine",
	Long: `tg mirrors epics, stories, defects and tests from an external
tracker into a local relational store, keeps cross-entity links fresh,
and scores traceability health.

Configuration is read from tracegraph.yaml (or --config), overridable
through TG_-prefixed environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
		&cobra.Group{ID: "data", Title: "Data management:"},
	)
}

// loadConfig reads configuration for a command invocation.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens and initializes the configured store.
func openStore(ctx context.Context, cfg *config.Config) *store.Store {
	s, err := store.Open(cfg.Store.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	if err := s.InitSchema(ctx); err != nil {
		_ = s.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
