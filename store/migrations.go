package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrationDir maps a database/sql driver name to its migration set.
func migrationDir(driver string) (string, string, error) {
	switch driver {
	case "sqlite3":
		return "migrations/sqlite", "sqlite3", nil
	case "postgres":
		return "migrations/postgres", "postgres", nil
	default:
		return "", "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// migrateUp applies all pending migrations for the given driver.
func migrateUp(db *sql.DB, driver string) error {
	dir, dialect, err := migrationDir(driver)
	if err != nil {
		return err
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrateDown rolls back the most recent migration. Exposed for the
// CLI; regular operation never calls it.
func migrateDown(db *sql.DB, driver string) error {
	dir, dialect, err := migrationDir(driver)
	if err != nil {
		return err
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Down(db, dir); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}
