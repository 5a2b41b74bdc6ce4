package database

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

// Open connects to the configured store and brings the schema up to date.
// driver is "sqlite" (dsn is a file path or sqlite URI) or "postgres" (dsn is a URL).
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" && !isSQLiteURI(dsn) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info("Database connected", zap.String("driver", driver))

	if err := db.AutoMigrate(
		&models.PriceSample{},
		&models.CollectionJob{},
		&models.AnalyticsEvent{},
		&models.CardCacheEntry{},
		&models.PokemonCacheEntry{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	if err := RunMigrations(db, log); err != nil {
		return nil, fmt.Errorf("failed to run data migrations: %w", err)
	}

	log.Info("Database migration completed")
	return db, nil
}

func isSQLiteURI(dsn string) bool {
	return len(dsn) >= 5 && dsn[:5] == "file:"
}
