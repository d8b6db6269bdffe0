// Package db provides the SQLite connection and schema for daylightd.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// migrations are applied in order. The schema version is the number of
// applied entries, stored in PRAGMA user_version. Never edit or reorder
// an entry once released, append a new one instead.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "control_ledger",
		sql: `
			CREATE TABLE control_ledger (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event_type TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				light_id TEXT NOT NULL,
				attribute TEXT,
				value INTEGER,
				entry_id TEXT,
				detail TEXT
			);
			CREATE INDEX idx_ledger_type_ts ON control_ledger(event_type, timestamp);
			CREATE INDEX idx_ledger_light_ts ON control_ledger(light_id, timestamp);
		`,
	},
	{
		name: "geocache",
		sql: `
			CREATE TABLE geocache (
				query TEXT PRIMARY KEY,
				display_name TEXT NOT NULL,
				latitude REAL NOT NULL,
				longitude REAL NOT NULL,
				created_at INTEGER NOT NULL
			);
		`,
	},
}

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
	path string
}

// Open opens the database at path, creating its directory if needed,
// and migrates the schema to the latest version.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{DB: sqlDB, path: path}
	if err := db.Migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Version returns the current schema version.
func (db *DB) Version(ctx context.Context) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies pending migrations, each in its own transaction.
// A failed migration is rolled back and the earlier ones stay applied.
func (db *DB) Migrate(ctx context.Context) error {
	current, err := db.Version(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		m := migrations[i]
		if err := db.apply(ctx, i+1, m.sql); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", i+1, m.name, err)
		}
		log.Debug().Int("version", i+1).Str("name", m.name).Str("path", db.path).Msg("Applied database migration")
	}
	return nil
}

func (db *DB) apply(ctx context.Context, version int, stmt string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

// HealthCheck verifies the connection is usable.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
