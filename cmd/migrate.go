package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/transfa/gateway-service/internal/store"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, db, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer db.Close()

			if err := store.RunMigrations(ctx, db); err != nil {
				return err
			}
			logger.WithField("component", "bootstrap").Info("migrations applied")
			return nil
		},
	}
}
