// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the occupancy-engine CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time via ldflags.
var version = "dev"

// rootCmd is the base command for the occupancy-engine CLI.
var rootCmd = &cobra.Command{
	Use:   "occupancy-engine",
	Short: "Single-species occupancy model fitting and selection",
	Long: `occupancy-engine fits single-species occupancy-detection models to
checklist data: it aggregates repeated visits into detection histories,
dredges the global model under delta-AICc selection, averages the top model
set, and bootstraps a goodness-of-fit test, persisting per-species results
to SQLite.

The fit subcommand runs the whole batch; export writes persisted results
to YAML or JSON.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./occupancy-engine.yaml or ~/.config/occupancy-engine/config.yaml)")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("occupancy-engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "occupancy-engine"))
		}
	}

	viper.SetEnvPrefix("OCCUPANCY_ENGINE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
