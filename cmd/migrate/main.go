package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/splax/accounts/internal/app/database"
	"github.com/splax/accounts/internal/app/migrate"
	"github.com/splax/accounts/pkg/config"
	"github.com/splax/accounts/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down|version)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	if _, err := config.LoadDotenv(); err != nil {
		logger.New("migrate", slog.LevelInfo).Warn("failed to read .env file", "error", err)
	}
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		logger.New("migrate", slog.LevelInfo).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("migrate", cfg.SlogLevel())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, *command, *target, log); err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", *command)
}

func run(ctx context.Context, cfg config.APIConfig, command string, target int64, log *slog.Logger) error {
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer db.Close()

	runner, err := migrate.New(db.SQL, db.Driver, log)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		return runner.Ensure(ctx)
	case "status":
		_, err := runner.Status(ctx)
		return err
	case "down":
		return runner.Down(ctx, target)
	case "version":
		version, err := runner.Version(ctx)
		if err != nil {
			return err
		}
		log.Info("schema version", "version", version)
		return nil
	default:
		return fmt.Errorf("unsupported command %q", command)
	}
}
