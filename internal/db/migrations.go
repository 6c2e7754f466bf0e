// Package db manages the audit trail's PostgreSQL schema through embedded
// migrations.
package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationRunner applies the embedded schema migrations.
type MigrationRunner struct {
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrationRunner creates a migration runner over an open connection.
func NewMigrationRunner(db *sql.DB, logger *zap.Logger) (*MigrationRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &MigrationRunner{migrate: m, logger: logger}, nil
}

// Up applies all pending migrations.
func (mr *MigrationRunner) Up() error {
	err := mr.migrate.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err == migrate.ErrNoChange {
		mr.logger.Info("database schema up to date")
		return nil
	}

	version, dirty, err := mr.migrate.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d", version)
	}

	mr.logger.Info("database migrated", zap.Uint("version", version))
	return nil
}

// Version returns the current schema version.
func (mr *MigrationRunner) Version() (uint, bool, error) {
	return mr.migrate.Version()
}
