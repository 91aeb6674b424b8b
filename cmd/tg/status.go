package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show entity and sync-record counts",
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg := loadConfig()
		ctx := cmd.Context()

		s := openStore(ctx, cfg)
		defer s.Close()

		stats, err := s.GetStats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(stats); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding stats: %v\n", err)
				os.Exit(1)
			}
			return
		}

		fmt.Printf("Entities: %d\n", stats.Entities)
		printCounts("  by kind", stats.ByKind)
		printCounts("  by state", stats.ByState)
		fmt.Printf("Sync records: %d\n", stats.SyncRecords)
		printCounts("  by status", stats.BySyncStatus)
	},
}

func printCounts(label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%s:\n", label)
	for _, k := range keys {
		fmt.Printf("    %-22s %d\n", k, counts[k])
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, "emit JSON")
	rootCmd.AddCommand(statusCmd)
}
