package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	// DriverSQLite selects migrations/sqlite.
	DriverSQLite = "sqlite"
	// DriverPostgres selects migrations/postgres.
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

// Names lists the embedded migration files for driver in apply order.
func Names(driver string) ([]string, error) {
	driver, err := normalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		names = append(names, path.Join(driver, entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs pending embedded migrations for driver and returns the names it
// applied. Migrations already recorded in schema_migrations are skipped.
func Apply(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	driver, err := normalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	names, err := Names(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, migrationsTableDDL(driver)); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	applied := make([]string, 0, len(names))
	for _, name := range names {
		body, err := embedded.ReadFile(name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		ran, err := applyOne(ctx, db, driver, name, string(body))
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if ran {
			applied = append(applied, name)
		}
	}
	return applied, nil
}

func normalizeDriver(driver string) (string, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case DriverSQLite, DriverPostgres:
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported migration driver %q", driver)
	}
}

func migrationsTableDDL(driver string) string {
	if driver == DriverPostgres {
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	}
	return `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
}

// applyOne claims name inside the same transaction that runs the migration
// body, so concurrent starters cannot both execute it.
func applyOne(ctx context.Context, db *sql.DB, driver, name, body string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claim := `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`
	if driver == DriverPostgres {
		claim = `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
	}
	res, err := tx.ExecContext(ctx, claim, name)
	if err != nil {
		return false, fmt.Errorf("insert schema_migrations row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read insert row count: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return false, fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}
