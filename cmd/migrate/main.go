package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/liamcoop/automations/internal/logger"
)

func main() {
	var (
		databaseURL    string
		migrationsPath string
		command        string
	)
	flag.StringVar(&databaseURL, "database", "", "Database URL (default: DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, steps, version, force")
	flag.Parse()

	_ = godotenv.Load()
	log := logger.Setup(context.Background(), logger.OptionsFromEnv("automations-migrate"))

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		log.Error("database URL is required: use -database or DATABASE_URL")
		os.Exit(1)
	}

	if err := run(log, databaseURL, migrationsPath, command, flag.Args()); err != nil {
		log.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, databaseURL, migrationsPath, command string, args []string) error {
	log.Info("connecting to database", "migrations", migrationsPath)

	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		n, perr := intArg(args, "steps")
		if perr != nil {
			return perr
		}
		err = m.Steps(n)
	case "version":
		version, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			log.Info("no migrations applied")
			return nil
		}
		if verr != nil {
			return fmt.Errorf("failed to get version: %w", verr)
		}
		log.Info("current version", "version", version, "dirty", dirty)
		return nil
	case "force":
		version, perr := intArg(args, "force")
		if perr != nil {
			return perr
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		log.Info("forced version", "version", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q (use: up, down, steps, version, force)", command)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("database is up to date")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("migrations applied", "command", command)
	return nil
}

// intArg parses the single positional argument of steps and force
func intArg(args []string, command string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s requires a number: -command %s <n>", command, command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return n, nil
}
