/**
 * @description
 * Entry point for the gateway-service. `serve` runs the HTTP API and the stale-transfer
 * sweeper; `migrate` applies the schema and exits.
 *
 * @dependencies
 * - github.com/spf13/cobra: command-line interface.
 * - github.com/joho/godotenv: For loading .env files during local development.
 */

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/transfa/gateway-service/internal/config"
	"github.com/transfa/gateway-service/internal/logging"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	var configPath string
	rootCmd := &cobra.Command{
		Use:           "gateway-service",
		Short:         "Bank account linking and transfer gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing an optional .env file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "level=fatal component=bootstrap msg=%q err=%v\n", "command failed", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	return cfg, logger, nil
}

// openDatabase connects the pgx pool and exposes it through database/sql for the store.
func openDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, *sql.DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, stdlib.OpenDBFromPool(pool), nil
}
