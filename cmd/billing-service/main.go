package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dhoini/coach-billing/internal/app"
	"github.com/Dhoini/coach-billing/internal/config"
	"github.com/Dhoini/coach-billing/internal/db"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// Version задается при сборке через -ldflags
var Version = "dev"

var (
	configDir   string
	migrateOnUp bool
)

var rootCmd = &cobra.Command{
	Use:          "billing-service",
	Short:        "Stripe subscription billing for the coaching platform",
	Version:      Version,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and webhook receiver",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory with config.yml and .env")
	serveCmd.Flags().BoolVar(&migrateOnUp, "migrate", false, "apply pending migrations before serving")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log := logger.New(logger.ParseLevel(cfg.Log.Level)).With("service", "billing", "env", cfg.App.Env)
	return cfg, log, nil
}

func runServer(ctx context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Errorw("Invalid configuration", "error", err)
		return err
	}
	log.Infow("Billing service starting up", "version", Version)

	if migrateOnUp {
		if err := migrateUp(cfg.Database.DSN, log); err != nil {
			return err
		}
	}

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Errorw("Failed to initialize application", "error", err)
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Errorw("Error closing resources", "error", err)
		}
	}()

	if err := application.Run(ctx); err != nil {
		log.Errorw("Server stopped with error", "error", err)
		return err
	}
	log.Infow("Cleanup finished. Goodbye!")
	return nil
}

func migrateUp(dsn string, log *logger.Logger) error {
	migrator, err := db.NewMigrator(dsn)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	log.Infow("Database schema is up to date", "version", version, "dirty", dirty)
	return nil
}
