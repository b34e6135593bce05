package main

import (
	"errors"
	"flag"
	"log"

	"storefront-service/config"
	"storefront-service/internal/util"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

func main() {
	flag.Parse()
	args := flag.Args()

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, "storefront-migrate"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	if len(args) < 1 {
		logger.Fatal("usage: migrate <up|down|version>")
	}

	m, err := migrate.New(cfg.Database.MigrationsPath, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	defer func() { _, _ = m.Close() }()

	switch command := args[0]; command {
	case "up":
		err = m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No pending migrations")
			return
		}
		if err != nil {
			logger.Fatal("Migration up failed", zap.Error(err))
		}
		logger.Info("Migrations applied successfully")

	case "down":
		err = m.Steps(-1)
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to roll back")
			return
		}
		if err != nil {
			logger.Fatal("Migration down failed", zap.Error(err))
		}
		logger.Info("Migration rolled back successfully")

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("No migrations applied yet")
			return
		}
		if err != nil {
			logger.Fatal("Failed to get version", zap.Error(err))
		}
		logger.Info("Current migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))

	default:
		logger.Fatal("Unknown command", zap.String("command", command))
	}
}
