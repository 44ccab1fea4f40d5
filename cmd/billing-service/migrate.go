package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dhoini/coach-billing/internal/config"
	"github.com/Dhoini/coach-billing/internal/db"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadMigrationConfig()
		if err != nil {
			return err
		}
		return migrateUp(cfg.Database.DSN, log)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadMigrationConfig()
		if err != nil {
			return err
		}
		migrator, err := db.NewMigrator(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open migrator: %w", err)
		}
		defer migrator.Close()

		if err := migrator.Down(); err != nil {
			return fmt.Errorf("roll back migration: %w", err)
		}
		log.Infow("Rolled back last migration")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadMigrationConfig()
		if err != nil {
			return err
		}
		migrator, err := db.NewMigrator(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open migrator: %w", err)
		}
		defer migrator.Close()

		version, dirty, err := migrator.Version()
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

// loadMigrationConfig требует только database.dsn: миграциям не нужны ключи Stripe
func loadMigrationConfig() (*config.Config, *logger.Logger, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}
	return cfg, log, nil
}
