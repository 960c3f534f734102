// Package db provides the local-first store of the sync engine.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, no cgo) in WAL
// mode. It is the only shared mutable resource of the engine: the coordinator,
// the realtime event handlers, the scheduler and direct user actions all write
// through the upsert/delete methods below, which are individually atomic and
// idempotent.
//
// Architecture:
//   - Database file: <data dir>/signalsync.db
//   - WAL mode: concurrent readers during writes
//   - Immediate transactions: writers serialize on BEGIN, no read-modify-write races
//   - Schema: signals, responses, labels, settings
//
// Startup sequence (InitSchema):
//  1. Create missing tables
//  2. Add columns introduced by newer versions (existing rows are kept)
//  3. Merge signals that share a cloud id
//  4. Enforce cloud id uniqueness with a partial unique index
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// currentSchemaVersion is stored in PRAGMA user_version.
// 0 - base schema (signals, responses, labels)
// 1 - signals.scheduled_for, signals.labels, settings table
// 2 - signals.sync_error, signals.needs_republish
const currentSchemaVersion = 2

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the SQLite connection with the sync engine's data access methods.
type DB struct {
	conn *sqlx.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL, a 5 second busy timeout, foreign keys and
// immediate transactions. Pragmas are passed in the DSN so that every pooled
// connection gets them.
//
// The caller MUST call InitSchema before serving reads and Close when done.
//
// Example:
//
//	store, err := db.Open("/var/lib/signalsync/signalsync.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_txlock=immediate", path)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying connection.
func (db *DB) RawDB() *sqlx.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates and migrates the schema, then runs the duplicate cleanup pass.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates and migrates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := db.runMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if _, err := db.CleanupDuplicatesContext(ctx); err != nil {
		return fmt.Errorf("failed to clean up duplicate signals: %w", err)
	}

	if _, err := db.conn.ExecContext(ctx, indexSchema); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// baseSchema is the version 0 layout. Newer columns are added by migrations so
// that databases created by older versions converge on the same shape.
const baseSchema = `
CREATE TABLE IF NOT EXISTS signals (
	local_id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	options TEXT NOT NULL,  -- JSON array of {id, text}
	publisher_email TEXT NOT NULL DEFAULT '',
	publisher_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	deadline TEXT NOT NULL,
	anonymity_mode TEXT NOT NULL DEFAULT 'record',
	is_persistent_final_alert INTEGER NOT NULL DEFAULT 0,
	consumers TEXT NOT NULL DEFAULT '[]',  -- JSON array
	default_response TEXT,
	show_default_to_consumers INTEGER NOT NULL DEFAULT 0,
	published_at TEXT,
	cloud_id INTEGER,
	sync_status TEXT NOT NULL DEFAULT 'pending',
	is_edited INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_local_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	selected_option TEXT,
	submitted_at TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	skip_reason TEXT,
	sync_status TEXT NOT NULL DEFAULT 'pending',
	UNIQUE (signal_local_id, user_id),
	FOREIGN KEY (signal_local_id) REFERENCES signals(local_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS labels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE,
	color TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	sync_status TEXT NOT NULL DEFAULT 'pending',
	cloud_id INTEGER,
	created_at TEXT NOT NULL
);
`

// indexSchema runs after the duplicate cleanup because the cloud id index is unique.
const indexSchema = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_cloud_id
	ON signals(cloud_id) WHERE cloud_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_signals_sync_status ON signals(sync_status);
CREATE INDEX IF NOT EXISTS idx_signals_due ON signals(status, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_responses_sync_status ON responses(sync_status);
CREATE INDEX IF NOT EXISTS idx_responses_signal ON responses(signal_local_id);
`

// columnMigration adds a column if an older database lacks it.
type columnMigration struct {
	version int
	table   string
	column  string
	decl    string
}

var columnMigrations = []columnMigration{
	{1, "signals", "scheduled_for", "TEXT"},
	{1, "signals", "labels", "TEXT NOT NULL DEFAULT '[]'"},
	{2, "signals", "sync_error", "TEXT"},
	{2, "signals", "needs_republish", "INTEGER NOT NULL DEFAULT 0"},
}

// runMigrations brings the schema up to currentSchemaVersion.
// Column checks run regardless of user_version so a half-migrated file still converges.
func (db *DB) runMigrations(ctx context.Context) error {
	var version int
	if err := db.conn.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	for _, m := range columnMigrations {
		exists, err := db.columnExists(ctx, m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.decl)
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate to v%d (%s.%s): %w", m.version, m.table, m.column, err)
		}
	}

	if _, err := db.conn.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("migrate to v1 (settings): %w", err)
	}

	if version < currentSchemaVersion {
		if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

// columnExists checks PRAGMA table_info for a column.
func (db *DB) columnExists(ctx context.Context, table, column string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
	if err := db.conn.GetContext(ctx, &count, query, table, column); err != nil {
		return false, fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}

// SchemaVersion returns the stored schema version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := db.conn.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// formatTime renders t in the stored layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp, accepting RFC3339 written by older versions.
func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
