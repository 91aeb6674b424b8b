package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracegraph/tracegraph/internal/engine"
	"github.com/tracegraph/tracegraph/internal/refs"
	"github.com/tracegraph/tracegraph/internal/tracker"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one full reconciliation pass",
	Long: `Fetch every item from the tracker and replay it into the store.

This performs one full pass:
  1. Lists all tracker items (paged, rate limited)
  2. Applies each through the conflict-resolving apply step
  3. Marks entities whose tracker item vanished as removed
  4. Recomputes derived epic metrics along the way

The pass is idempotent: items already reflected in the store skip on
their timestamps. Use it for first-time imports, after downtime, or to
verify convergence by hand.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()

		s := openStore(ctx, cfg)
		defer s.Close()

		parser, err := refs.New(cfg.Sync.ExtraPrefixes...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building reference parser: %v\n", err)
			os.Exit(1)
		}

		budget := tracker.NewBudget(cfg.Tracker.RatePerSecond, cfg.Tracker.Burst)
		client := tracker.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.Token, nil, budget)

		eng := engine.New(s, parser, engine.Options{
			Policy: engine.Policy{
				BaseDelay:  cfg.Sync.RetryBaseDelay,
				MaxDelay:   cfg.Sync.RetryMaxDelay,
				MaxRetries: cfg.Sync.MaxRetries,
			},
			ApplyTimeout: cfg.Sync.ApplyTimeout,
			Logger:       cfg.NewLogger("sync"),
		})
		reconciler := engine.NewReconciler(eng, s, client, engine.ReconcilerOptions{
			Logger: cfg.NewLogger("reconcile"),
		})

		summary, err := reconciler.ReconcileOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Synced %d tracker items: %d applied, %d failed, %d removed (%s)\n",
			summary.Items, summary.Applied, summary.Failed, summary.Removed,
			summary.Duration.Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
