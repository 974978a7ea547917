package main

import (
	"context"

	"github.com/qiniu/perfpulse/internal/config"
	"github.com/qiniu/perfpulse/internal/pipeline/database"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			closer := setupLogging(&cfg.Logging)
			defer closer.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := database.New(ctx, &cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			log.Info().Str("database", cfg.Database.DBName).Msg("schema migrated")
			return nil
		},
	}
}
