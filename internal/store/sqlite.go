// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and applies column migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id          INTEGER PRIMARY KEY,
			display_name     TEXT NOT NULL DEFAULT '',
			username         TEXT NOT NULL DEFAULT '',
			verified         INTEGER NOT NULL DEFAULT 0,
			verify_expiry    TEXT,
			premium          INTEGER NOT NULL DEFAULT 0,
			premium_expiry   TEXT,
			is_admin         INTEGER NOT NULL DEFAULT 0,
			pending_group_id INTEGER,
			pending_query    TEXT,
			pending_at       TEXT,
			total_searches   INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			last_active      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_premium ON users(premium);

		CREATE TABLE IF NOT EXISTS groups (
			group_id           INTEGER PRIMARY KEY,
			title              TEXT NOT NULL DEFAULT '',
			active             INTEGER NOT NULL DEFAULT 1,
			verification_on    INTEGER,
			membership_channel INTEGER NOT NULL DEFAULT 0,
			shortlink_host     TEXT NOT NULL DEFAULT '',
			shortlink_api_key  TEXT NOT NULL DEFAULT '',
			tutorial_url       TEXT NOT NULL DEFAULT '',
			caption            TEXT NOT NULL DEFAULT '',
			protect_content    INTEGER,
			link_mode          INTEGER,
			auto_delete_secs   INTEGER,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			file_id         TEXT PRIMARY KEY,
			group_id        INTEGER NOT NULL,
			file_ref        TEXT NOT NULL UNIQUE,
			file_name       TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			file_size       INTEGER NOT NULL DEFAULT 0,
			mime_type       TEXT NOT NULL DEFAULT '',
			file_type       TEXT NOT NULL,
			caption         TEXT NOT NULL DEFAULT '',
			indexed_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_files_group ON files(group_id, indexed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_files_name ON files(normalized_name);

		CREATE TABLE IF NOT EXISTS identities (
			rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
			kind        TEXT NOT NULL,
			external_id TEXT NOT NULL,
			dm_room     TEXT,
			created_at  TEXT NOT NULL,

			UNIQUE(kind, external_id),
			CHECK (kind IN ('user', 'room'))
		);

		CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id TEXT PRIMARY KEY,
			user_id     INTEGER NOT NULL,
			group_id    INTEGER NOT NULL,
			query       TEXT NOT NULL,
			attempted   INTEGER NOT NULL,
			sent        INTEGER NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_deliveries_user ON deliveries(user_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "premium_plan",
			apply:  `ALTER TABLE users ADD COLUMN premium_plan TEXT NOT NULL DEFAULT 'free'`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Stats returns row counts across the store.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE premium = 1),
			(SELECT COUNT(*) FROM groups WHERE active = 1),
			(SELECT COUNT(*) FROM files),
			(SELECT COUNT(*) FROM users WHERE pending_group_id IS NOT NULL),
			(SELECT COUNT(*) FROM deliveries)
	`).Scan(&st.Users, &st.PremiumUsers, &st.Groups, &st.Files, &st.Pending, &st.Deliveries)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	return &st, nil
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

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatOptionalTime converts nil to SQL NULL
func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseOptionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// optionalBool converts nil to SQL NULL
func optionalBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func scanOptionalBool(ni sql.NullInt64) *bool {
	if !ni.Valid {
		return nil
	}
	b := ni.Int64 != 0
	return &b
}
