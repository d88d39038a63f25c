// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/occupancy-engine/internal/results"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted per-species results to YAML or JSON",
	Long: `Export reads results.db and writes the per-species estimate, importance,
and goodness-of-fit tables to export.yaml or export.json in the results
directory. Skipped and unfittable species appear with their recorded
status.`,
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	resultsDir, _ := cmd.Flags().GetString("results-dir")
	format, _ := cmd.Flags().GetString("format")

	store, err := results.NewStore(types.OutputConfig{ResultsDir: resultsDir})
	if err != nil {
		return err
	}
	defer store.Close()

	switch format {
	case "yaml", "":
		if err := store.ExportYAML(context.Background()); err != nil {
			return err
		}
		fmt.Printf("Exported to %s/export.yaml\n", resultsDir)
	case "json":
		if err := store.ExportJSON(context.Background()); err != nil {
			return err
		}
		fmt.Printf("Exported to %s/export.json\n", resultsDir)
	default:
		return fmt.Errorf("unsupported format %q: use yaml or json", format)
	}
	return nil
}

func init() {
	exportCmd.Flags().String("results-dir", "results", "directory holding results.db")
	exportCmd.Flags().String("format", "yaml", "export format: yaml or json")

	rootCmd.AddCommand(exportCmd)
}
