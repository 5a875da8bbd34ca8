package main

import (
	"context"
	"fmt"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/logging"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/config"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the trading schema to Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			pool, err := connectDB(ctx, cfg)
			if err != nil {
				return fmt.Errorf("db connection: %w", err)
			}
			defer pool.Close()

			if err := storage.New(pool, logger).Migrate(ctx); err != nil {
				return err
			}
			logger.Info("schema applied", "db", cfg.DB.Name)
			return nil
		},
	}
}
