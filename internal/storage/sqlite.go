package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the node-local SQLite connection
type DB struct {
	Conn *sql.DB
}

// New creates a new SQLite database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Checkpoint and trust writers serialize through a single connection so
	// the "durable before advertised" guarantee holds.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Conn.Close()
}

// Migrate runs database migrations from the given directory
func (db *DB) Migrate(migrationsPath, dbPath string) error {
	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", absPath)
	}

	m, err := migrate.New(
		"file://"+absPath,
		"sqlite3://"+dbPath,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// MigrateInline applies the embedded baseline schema directly. Used by tests
// and by nodes started without a migrations directory on disk.
func (db *DB) MigrateInline() error {
	if _, err := db.Conn.Exec(baselineSchema); err != nil {
		return fmt.Errorf("failed to apply baseline schema: %w", err)
	}
	return nil
}

const baselineSchema = `
CREATE TABLE IF NOT EXISTS trust_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    peer_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    delta REAL NOT NULL,
    score_after REAL NOT NULL,
    job_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_trust_events_peer ON trust_events(peer_id);

CREATE TABLE IF NOT EXISTS trust_records (
    peer_id TEXT PRIMARY KEY,
    score REAL NOT NULL,
    quarantine_until TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS checkpoints (
    job_id TEXT PRIMARY KEY,
    owner_peer_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    progress REAL NOT NULL,
    current_step TEXT NOT NULL DEFAULT '',
    completed_steps TEXT NOT NULL DEFAULT '[]',
    state TEXT NOT NULL DEFAULT '{}',
    intermediate_results TEXT NOT NULL DEFAULT '{}',
    input_data TEXT NOT NULL DEFAULT '{}',
    integrity TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS award_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    winner_id TEXT NOT NULL,
    payment REAL NOT NULL DEFAULT 0,
    awarded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_award_history_time ON award_history(awarded_at);
`
