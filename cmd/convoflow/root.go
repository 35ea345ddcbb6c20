package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/execution-hub/convoflow/internal/app"
	"github.com/execution-hub/convoflow/internal/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "convoflow",
		Short:        "Conversation lifecycle service",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Config file path (optional; falls back to CONVOFLOW_CONFIG).")
	cmd.PersistentFlags().String("driver", "", "Override store.driver (postgres, sqlite, dynamodb, memory).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// loadConfig applies the persistent flags on top of config.Load.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.Store.Driver = driver
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// bootstrap loads config and wires the application.
func bootstrap(ctx context.Context, cmd *cobra.Command) (*app.App, zerolog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := app.NewLogger(cfg.Log)
	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return nil, logger, err
	}
	return a, logger, nil
}
