package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracegraph/tracegraph/internal/config"
	"github.com/tracegraph/tracegraph/internal/dashboard"
	"github.com/tracegraph/tracegraph/internal/engine"
	"github.com/tracegraph/tracegraph/internal/health"
	"github.com/tracegraph/tracegraph/internal/linkplug"
	"github.com/tracegraph/tracegraph/internal/refs"
	"github.com/tracegraph/tracegraph/internal/tracker"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon",
	Long: `Run the full synchronization daemon:

  1. HTTP intake for tracker webhook events (POST /webhook)
  2. Optional spool directory watcher for file-dropped events
  3. Worker pool applying events to the store
  4. Periodic reconciliation against the tracker (full replay, due
     retries, stale refresh, deletion sweep)
  5. WebSocket dashboard broadcasting entity updates and sync outcomes

All outbound tracker calls and link checks share one rate budget; a 429
from the tracker pauses every caller for the advertised window.

Example usage:
  tg serve                       # with tracegraph.yaml in the cwd
  tg serve --config /etc/tracegraph.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runDaemon(ctx context.Context, cfg *config.Config) {
	logger := cfg.NewLogger("daemon")

	s := openStore(ctx, cfg)
	defer s.Close()

	parser, err := refs.New(cfg.Sync.ExtraPrefixes...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building reference parser: %v\n", err)
		os.Exit(1)
	}

	budget := tracker.NewBudget(cfg.Tracker.RatePerSecond, cfg.Tracker.Burst)
	client := tracker.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.Token, nil, budget)

	registry := buildRegistry(cfg, s, budget)
	checker := health.NewChecker(s, registry, cfg.NewLogger("health"))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng := engine.New(s, parser, engine.Options{
		Policy: engine.Policy{
			BaseDelay:  cfg.Sync.RetryBaseDelay,
			MaxDelay:   cfg.Sync.RetryMaxDelay,
			MaxRetries: cfg.Sync.MaxRetries,
		},
		ApplyTimeout: cfg.Sync.ApplyTimeout,
		Logger:       cfg.NewLogger("sync"),
	})

	pool := engine.NewPool(eng, cfg.Sync.Workers, cfg.Sync.QueueDepth)
	pool.Start(ctx)

	server := dashboard.NewServer(dashboard.Config{
		Listen: cfg.Dashboard.Listen,
		Logger: cfg.NewLogger("dashboard"),
	}, pool, checker, s)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
		os.Exit(1)
	}
	eng.SetNotifier(dashboard.NewHandler(server, nil))

	var spool *engine.Spool
	if cfg.Spool.Dir != "" {
		spool, err = engine.NewSpool(cfg.Spool.Dir, pool, cfg.NewLogger("spool"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating spool: %v\n", err)
			os.Exit(1)
		}
		if err := spool.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting spool: %v\n", err)
			os.Exit(1)
		}
	}

	reconciler := engine.NewReconciler(eng, s, client, engine.ReconcilerOptions{
		Interval:      cfg.Reconcile.Interval,
		RetryInterval: cfg.Reconcile.RetryInterval,
		StaleBatch:    cfg.Reconcile.StaleBatch,
		Logger:        cfg.NewLogger("reconcile"),
	})
	go reconciler.Run(ctx)

	logger.Printf("daemon up: dashboard on %s, reconcile every %s", server.Addr(), cfg.Reconcile.Interval)

	<-ctx.Done()
	logger.Println("shutting down")

	if spool != nil {
		_ = spool.Stop()
	}
	// The dashboard goes first so webhooks stop arriving before the
	// pool's queue closes.
	if err := server.Stop(); err != nil {
		logger.Printf("dashboard shutdown: %v", err)
	}
	pool.Stop()
	logger.Println("daemon stopped")
}

// buildRegistry loads the link-plugin configuration, falling back to a
// lone tracker-search plugin when none is configured.
func buildRegistry(cfg *config.Config, s storeEnv, budget *tracker.Budget) *linkplug.Registry {
	env := &linkplug.Env{
		EntityExists: s.EntityExists,
		WaitOutbound: budget.Wait,
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}

	if cfg.Plugins.File == "" {
		reg := linkplug.NewRegistry(env)
		reg.Register(linkplug.NewTrackerSearchPlugin(cfg.Tracker.BaseURL, "*"))
		return reg
	}

	file, err := linkplug.LoadFile(cfg.Plugins.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading plugin config: %v\n", err)
		os.Exit(1)
	}
	reg, err := linkplug.BuildRegistry(file, env, httpClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building plugin registry: %v\n", err)
		os.Exit(1)
	}
	return reg
}

// storeEnv is the slice of the store the link environment needs.
type storeEnv interface {
	EntityExists(ctx context.Context, externalID string) (bool, error)
}
