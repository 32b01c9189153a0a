package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/repository"
)

var dbhealthOwner string

var dbhealthCmd = &cobra.Command{
	Use:   "dbhealth",
	Short: "Check database connectivity and report active jobs",
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

		if err := repository.HealthCheck(ctx, db, 2*time.Second, logger); err != nil {
			return fmt.Errorf("DB health: FAIL (%w)", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "DB health: OK (%s)\n", db.Dialect())

		if dbhealthOwner == "" {
			return nil
		}
		jobs := repository.NewJobRepository(db, logger)
		active, err := jobs.CountActive(ctx, dbhealthOwner)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "owner %s: %d jobs in %v\n", dbhealthOwner, active, constants.ActiveStatuses)
		return nil
	},
}

func init() {
	dbhealthCmd.Flags().StringVar(&dbhealthOwner, "owner", "", "Also count active jobs for this owner")
}
