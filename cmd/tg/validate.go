package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tracegraph/tracegraph/internal/health"
	"github.com/tracegraph/tracegraph/internal/tracker"
)

var validateCmd = &cobra.Command{
	Use:     "validate",
	GroupID: "inspect",
	Short:   "Check link integrity and print a health report",
	Long: `Walk every active entity, validate its outgoing references through
the configured link plugins, and print the health report.

The score is 100 * valid / (valid + broken). References that could not
be checked (timeouts, unreachable doc servers, unclaimed prefixes) are
reported as unknown and excluded from the score.

The report also lists orphaned children (parent missing or removed) and
sync records parked for manual review after retry exhaustion.

Example usage:
  tg validate                    # YAML report to stdout
  tg validate --json             # JSON instead
  tg validate --fail-under 95    # exit 1 when the score is below 95`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		failUnder, _ := cmd.Flags().GetFloat64("fail-under")

		cfg := loadConfig()
		ctx := cmd.Context()

		s := openStore(ctx, cfg)
		defer s.Close()

		budget := tracker.NewBudget(cfg.Tracker.RatePerSecond, cfg.Tracker.Burst)
		registry := buildRegistry(cfg, s, budget)
		checker := health.NewChecker(s, registry, cfg.NewLogger("health"))

		report, err := checker.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", err)
				os.Exit(1)
			}
		} else {
			data, err := yaml.Marshal(report)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", err)
				os.Exit(1)
			}
			os.Stdout.Write(data)
		}

		if failUnder > 0 && report.Score < failUnder {
			fmt.Fprintf(os.Stderr, "Health score %.1f is below threshold %.1f\n", report.Score, failUnder)
			os.Exit(1)
		}
	},
}

func init() {
	validateCmd.Flags().Bool("json", false, "emit JSON instead of YAML")
	validateCmd.Flags().Float64("fail-under", 0, "exit nonzero when the score is below this value")
	rootCmd.AddCommand(validateCmd)
}
