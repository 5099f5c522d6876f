package sql

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration to conn.
//
// For Postgres, migration state (the schema_migrations table and dirty
// tracking) is managed by golang-migrate itself. golang-migrate's only
// SQLite driver assumes the cgo mattn/go-sqlite3 driver, which would
// conflict with the cgo-free modernc.org/sqlite driver this module uses
// for SQLite connections, so SQLite migrations apply the embedded
// statements directly and are expected to run once against a fresh
// database (this mirrors how the pack's own SQLite-backed services bootstrap
// their schema without golang-migrate).
func Migrate(conn *sqlx.DB, driverName string) error {
	switch driverName {
	case "postgres":
		return migratePostgres(conn)
	case "sqlite":
		return migrateSQLiteDirect(conn)
	default:
		return fmt.Errorf("unsupported migration driver %q", driverName)
	}
}

func migratePostgres(conn *sqlx.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}
	dbDriver, err := postgres.WithInstance(conn.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func migrateSQLiteDirect(conn *sqlx.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if len(name) < 7 || name[len(name)-7:] != ".up.sql" {
			continue
		}
		statement, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := conn.Exec(string(statement)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}
