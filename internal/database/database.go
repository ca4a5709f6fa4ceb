// Package database opens the durable document store holding credential,
// idempotency and webhook event records.
package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/tournevent/gatekeeper/internal/idempotency"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/tournevent/gatekeeper/internal/webhook"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Open connects to Postgres, or to SQLite when dsn starts with "sqlite:".
// Unique-constraint violations surface as gorm.ErrDuplicatedKey.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	isSQLite := strings.HasPrefix(dsn, sqlitePrefix)
	if isSQLite {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serialises writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates the gateway tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&vault.Record{},
		&idempotency.Record{},
		&webhook.Event{},
	); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}
