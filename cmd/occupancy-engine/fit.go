// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/occupancy-engine/internal/pipeline"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Run the occupancy pipeline over every species in the table",
	Long: `Fit loads the checklist covariate table, builds detection histories per
species, runs the three dredge passes (null, detection, full) with model
averaging, bootstraps the goodness-of-fit test on the full global model,
and persists per-species results to results.db.

A species that cannot be fit is recorded and skipped, never aborting the
batch.`,
	RunE: runFit,
}

func runFit(cmd *cobra.Command, args []string) error {
	cfg, err := loadPipelineConfig(cmd)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("checklist"); v != "" {
		cfg.Data.ChecklistFile = v
	}
	if v, _ := cmd.Flags().GetString("results-dir"); v != "" {
		cfg.Output.ResultsDir = v
	}
	if v, _ := cmd.Flags().GetInt("bootstrap"); v > 0 {
		cfg.Gof.Bootstrap = v
	}
	if v, _ := cmd.Flags().GetInt("dredge-workers"); v > 0 {
		cfg.Dredge.Workers = v
	}
	if v, _ := cmd.Flags().GetInt("gof-workers"); v > 0 {
		cfg.Gof.Workers = v
	}
	if cmd.Flags().Changed("seed") {
		cfg.Gof.Seed, _ = cmd.Flags().GetInt64("seed")
	}

	if cfg.Data.ChecklistFile == "" {
		return fmt.Errorf("no checklist table: set data.checklist_file in the config or pass --checklist")
	}

	summary, err := pipeline.Run(context.Background(), cfg, os.Stdout)
	if err != nil {
		return err
	}
	if summary.OK == 0 {
		return fmt.Errorf("no species produced a result (%d skipped, %d unfittable)",
			summary.Skipped, summary.Unfittable)
	}
	return nil
}

// loadPipelineConfig reads the YAML pipeline configuration from the file
// viper discovered (or the --config flag). The covariate schema has no
// usable default, so a missing config file is an error.
func loadPipelineConfig(cmd *cobra.Command) (types.PipelineConfig, error) {
	var cfg types.PipelineConfig

	path := viper.ConfigFileUsed()
	if path == "" {
		path, _ = cmd.Flags().GetString("config")
	}
	if path == "" {
		return cfg, fmt.Errorf("no config file found: the covariate schema must be configured (see --config)")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func init() {
	fitCmd.Flags().String("checklist", "", "path to the row-per-checklist CSV table")
	fitCmd.Flags().String("results-dir", "", "directory for results.db and exports")
	fitCmd.Flags().Int("bootstrap", 0, "goodness-of-fit bootstrap replicates")
	fitCmd.Flags().Int("dredge-workers", 0, "worker pool size for subset fitting")
	fitCmd.Flags().Int("gof-workers", 0, "worker pool size for bootstrap refits")
	fitCmd.Flags().Int64("seed", 0, "bootstrap simulation seed")

	rootCmd.AddCommand(fitCmd)
}
