package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"alertd/internal/app"
	"alertd/internal/config"
	"alertd/internal/repository/migrations"
	"alertd/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "critical: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "alertd",
		Short:         "Flight price alert matching and notification dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config (defaults to $CONFIG_PATH)")

	root.AddCommand(
		serveCommand(&configPath),
		migrateCommand(&configPath),
	)
	return root
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatch workers, scheduler and Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			log.Info("application starting",
				zap.String("version", cfg.App.Version),
				zap.String("env", cfg.Env),
			)

			if err := app.Run(cmd.Context(), cfg, log); err != nil {
				log.Error("application crashed", zap.Error(err))
				return err
			}

			log.Info("shutdown complete")
			return nil
		},
	}
}

func migrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the Postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(migrations.Up), string(migrations.Down)},
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			if cfg.Postgres.DSN == "" {
				return errors.New("postgres.dsn is not set")
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			dir := migrations.Direction(args[0])
			if err := migrations.Run(cfg.Postgres.DSN, dir); err != nil {
				return err
			}
			log.Info("migrations applied", zap.String("direction", string(dir)))
			return nil
		},
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.App.Name, cfg.Env, logger.Config{
		Level:      cfg.Logger.Level,
		Filename:   cfg.Logger.Filename,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return log, nil
}
