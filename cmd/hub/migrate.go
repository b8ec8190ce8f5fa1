package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hub/internal/config"
	"github.com/haasonsaas/hub/internal/storage"
)

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply pending database migrations.

storage.Open detects and applies additive-column migrations on connect, so
this command simply opens the configured database and exits - useful for
running migrations ahead of a deploy, separately from starting the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "hub.yaml", "Path to YAML configuration file")
	return cmd
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, storage.Config{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	fmt.Printf("database %q (%s) is up to date\n", cfg.Database.DSN, cfg.Database.Driver)
	return nil
}
