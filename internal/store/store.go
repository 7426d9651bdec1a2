package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured database and migrates the schema.
// SQLite (pure Go driver) serves development and tests; Postgres serves
// production. gorm's own logger is silenced — all logging goes through slog.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dial gorm.Dialector

	switch driver {
	case DriverSQLite:
		dial = sqlite.Open(dsn)
	case DriverPostgres:
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unknown database driver %q (want %s or %s)",
			driver, DriverSQLite, DriverPostgres)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the schema for all persisted models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&ProviderConfig{},
		&UsageRecord{},
		&CacheEntry{},
	); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
