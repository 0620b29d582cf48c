package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"procgenie/backend/internal/config"
	"procgenie/backend/internal/logging"
)

const version = "1.0.0"

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "procgenie",
		Short:         "ProcGenie workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (defaults to ./config.yaml or ./config/config.yaml)")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newValidateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the logger it describes.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.NewLogger(cfg.Log.Level, cfg.Log.Development || cfg.IsDev()), nil
}
