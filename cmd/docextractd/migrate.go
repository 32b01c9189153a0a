package main

import (
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docextract/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := repository.Open(ctx, dbConfig(cfg.Database), logger)
		if err != nil {
			return err
		}
		defer repository.Close(db, logger)
		return repository.Migrate(ctx, db, logger)
	},
}
