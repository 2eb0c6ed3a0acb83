package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/logger"
)

func main() {
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	migrationDir := flags.StringP("path", "p", "migrations", "path to migration files")
	steps := flags.IntP("steps", "n", 0, "apply only n migrations (negative rolls back)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flags)
			return
		}
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if err := run(cfg, log, *migrationDir, *steps, flags.Args()); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(flags)
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

var errUsage = errors.New("usage")

func run(cfg *config.Config, log zerolog.Logger, dir string, steps int, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	m, err := migrate.New("file://"+dir, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer m.Close()

	switch args[0] {
	case "up":
		if steps != 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("up: %w", err)
		}
		log.Info().Msg("Migrated up successfully")
	case "down":
		if steps != 0 {
			err = m.Steps(-abs(steps))
		} else {
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("down: %w", err)
		}
		log.Info().Msg("Migrated down successfully")
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("version: %w", err)
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Current schema version")
	case "force":
		if len(args) < 2 {
			return errors.New("force requires a version argument")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force: %w", err)
		}
		log.Info().Int("version", v).Msg("Forced schema version")
	default:
		return errUsage
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command>")
	fmt.Fprintln(os.Stderr, "Commands: up, down, version, force <version>")
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprint(os.Stderr, flags.FlagUsages())
}
