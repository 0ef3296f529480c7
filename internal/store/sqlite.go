// ABOUTME: SQLite implementation of the JobStore interface using modernc.org/sqlite
// ABOUTME: Provides working/history job persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the JobStore interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id                 TEXT PRIMARY KEY,
			account            TEXT NOT NULL,
			recipients         TEXT NOT NULL,
			cc                 TEXT,
			bcc                TEXT,
			subject            TEXT NOT NULL,
			body               TEXT NOT NULL,
			html               INTEGER NOT NULL DEFAULT 0,
			in_reply_to        TEXT,
			references_list    TEXT,
			send_at            TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			status             TEXT NOT NULL,
			attempts           INTEGER NOT NULL DEFAULT 0,
			last_error         TEXT,
			mirror_artifact_id TEXT,
			mirror_container   TEXT,

			CHECK (status IN ('pending', 'sending', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_account ON scheduled_jobs(account);
		CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_send_at ON scheduled_jobs(send_at);
		CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_status ON scheduled_jobs(status);

		CREATE TABLE IF NOT EXISTS sent_jobs (
			id                 TEXT PRIMARY KEY,
			account            TEXT NOT NULL,
			recipients         TEXT NOT NULL,
			cc                 TEXT,
			bcc                TEXT,
			subject            TEXT NOT NULL,
			body               TEXT NOT NULL,
			html               INTEGER NOT NULL DEFAULT 0,
			in_reply_to        TEXT,
			references_list    TEXT,
			send_at            TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			attempts           INTEGER NOT NULL DEFAULT 0,
			sent_at            TEXT NOT NULL,
			sent_artifact_id   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sent_jobs_account ON sent_jobs(account);
		CREATE INDEX IF NOT EXISTS idx_sent_jobs_send_at ON sent_jobs(send_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements JobStore interface
var _ JobStore = (*SQLiteStore)(nil)
