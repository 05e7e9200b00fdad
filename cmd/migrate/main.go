package main

import (
	"database/sql"
	"errors"
	"flag"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq"

	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/migrations"
)

func main() {
	var databaseURL string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to DATABASE_URL)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		logger.Fatal("database URL is required, use -database or DATABASE_URL")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		logger.Fatal("failed to open database", "error", err)
	}
	defer db.Close()

	m, err := migrations.New(db)
	if err != nil {
		logger.Fatal("failed to create migration instance", "error", err)
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database is up to date")
			return
		}
		if err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
		logger.Info("migrations applied")

	case "down":
		err = m.Down()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to roll back migrations", "error", err)
		}
		logger.Info("rollback completed")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			logger.Fatal("failed to get version", "error", err)
		}
		logger.Info("current version", "version", version, "dirty", dirty)

	case "force":
		if flag.NArg() < 1 {
			logger.Fatal("force requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			logger.Fatal("invalid version number", "error", err)
		}
		if err := m.Force(version); err != nil {
			logger.Fatal("failed to force version", "error", err)
		}
		logger.Info("forced version", "version", version)

	default:
		logger.Fatal("unknown command, use up, down, version or force", "command", command)
	}
}
