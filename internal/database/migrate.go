package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies every pending up migration for the repository's driver.
func (r *SQLRepository) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+r.driver)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	defer src.Close()

	var drv migratedb.Driver
	switch r.driver {
	case DriverPostgres:
		drv, err = migratepg.WithInstance(r.conn, &migratepg.Config{})
	case DriverSQLite:
		drv, err = migratesqlite.WithInstance(r.conn, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("unsupported driver %q", r.driver)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	// the sqlite3 driver closes the shared *sql.DB on Close, postgres only
	// releases its dedicated connection
	if r.driver == DriverPostgres {
		defer drv.Close()
	}

	m, err := migrate.NewWithInstance("iofs", src, r.driver, drv)
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}
