package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"dream_analyzer_go_backend/cmd/api/config"
	"dream_analyzer_go_backend/internal/database"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

var errUsage = errors.New("missing or unknown command")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			printUsage()
			os.Exit(1)
		}
		log.Fatal().Err(err).Msg("Migration command failed")
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	var version uint64
	switch args[0] {
	case "up", "down", "status":
	case "goto":
		if len(args) < 2 {
			return fmt.Errorf("goto requires a version number: %w", errUsage)
		}
		v, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[1], err)
		}
		version = v
	default:
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	sqlDB, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer sqlDB.Close()

	log.Info().Str("host", cfg.Database.Host).Str("db", cfg.Database.Name).Msg("Connecting for migrations")

	m, err := database.NewMigrator(sqlDB)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Error().AnErr("source", sourceErr).AnErr("db", dbErr).Msg("Failed to close migration resources")
		}
	}()

	switch args[0] {
	case "up":
		err := m.Up()
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			log.Info().Msg("No change: database is up to date")
		case err != nil:
			return fmt.Errorf("applying migrations: %w", err)
		default:
			log.Info().Msg("Migrations applied")
		}

	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("rolling back last migration: %w", err)
		}
		log.Info().Msg("Rolled back last migration")

	case "goto":
		err := m.Migrate(uint(version))
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			log.Info().Uint64("version", version).Msg("No change: database already at version")
		case err != nil:
			return fmt.Errorf("migrating to version %d: %w", version, err)
		default:
			log.Info().Uint64("version", version).Msg("Migrated")
		}

	case "status":
		current, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			log.Info().Msg("No migrations applied yet")
		case err != nil:
			return fmt.Errorf("reading migration version: %w", err)
		default:
			log.Info().Uint("version", current).Bool("dirty", dirty).Msg("Current migration version")
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: go run ./cmd/migrate [command]")
	fmt.Println("Commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - print the current migration version")
}
