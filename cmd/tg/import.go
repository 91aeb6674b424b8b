package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracegraph/tracegraph/internal/importer"
)

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "data",
	Short:   "Bulk-load entities from a JSONL file",
	Long: `Load entities from a JSONL file, one entity per line, and recompute
epic metrics afterwards.

Import is the path for store-native entities that have no tracker item
(test definitions, locally planned epics) and for seeding a store from
an export. Invalid lines are skipped and reported; they never abort the
load.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg := loadConfig()
		ctx := cmd.Context()

		s := openStore(ctx, cfg)
		defer s.Close()

		im := importer.New(s, cfg.NewLogger("import"))
		result, err := im.Run(ctx, importer.Options{Path: args[0], DryRun: dryRun})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %d entities (%d skipped, %d epics recomputed)\n",
			verb, result.Imported, result.Skipped, result.EpicsRecomputed)
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", e)
		}
		if result.Skipped > 0 {
			os.Exit(1)
		}
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Dump all entities as JSONL to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()

		s := openStore(ctx, cfg)
		defer s.Close()

		im := importer.New(s, cfg.NewLogger("export"))
		count, err := im.Export(ctx, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Exported %d entities\n", count)
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "validate without writing")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
}
