package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uemlabs/metamind/internal/config"
	"github.com/uemlabs/metamind/internal/logging"
	"github.com/uemlabs/metamind/internal/storage"
	"github.com/uemlabs/metamind/internal/storage/postgres"
	"github.com/uemlabs/metamind/internal/storage/sqlite"
)

var (
	configPath string
	logMode    string
)

var rootCmd = &cobra.Command{
	Use:   "metamind",
	Short: "Meta-cognitive telemetry engine for agent runs",
	Long: `metamind ingests per-cycle agent telemetry, tracks six confidence-weighted
cognitive indicators, detects anomalies, mines behavior patterns, and segments
runs into scored episodes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&logMode, "log-mode", "dev", "log mode: dev or prod")
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required (episode window has no default)")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() (*logging.Logger, error) {
	return logging.New(logMode)
}

func openStorage(cmd *cobra.Command, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlite.New(cfg.Path)
	case "postgres":
		return postgres.New(cmd.Context(), cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
