// ABOUTME: SQLite implementation of BlobStore using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Snapshot records live in one table with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver registered by github.com/mattn/go-sqlite3.
	DriverMattn = "sqlite3"
)

// SQLiteStore implements BlobStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using driver
// (DriverModernc when empty). The schema is automatically created if it
// doesn't exist. Parent directories are created if needed.
func NewSQLiteStore(path, driver string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases shared and per-connection
	// pragmas in effect. Snapshot traffic is low enough to serialize.
	db.SetMaxOpenConns(1)

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

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			context_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			blob BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (context_id, snapshot_id)
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_context_created
			ON snapshots(context_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Put stores blob, replacing an existing record with the same key.
func (s *SQLiteStore) Put(ctx context.Context, contextID, snapshotID string, blob []byte) error {
	query := `
		INSERT INTO snapshots (context_id, snapshot_id, blob, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (context_id, snapshot_id) DO UPDATE SET blob = excluded.blob
	`

	_, err := s.db.ExecContext(ctx, query, contextID, snapshotID, blob, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// Get retrieves a record by key.
func (s *SQLiteStore) Get(ctx context.Context, contextID, snapshotID string) ([]byte, error) {
	query := `SELECT blob FROM snapshots WHERE context_id = ? AND snapshot_id = ?`

	var blob []byte
	err := s.db.QueryRowContext(ctx, query, contextID, snapshotID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return blob, nil
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, contextID, snapshotID string) error {
	query := `DELETE FROM snapshots WHERE context_id = ? AND snapshot_id = ?`

	if _, err := s.db.ExecContext(ctx, query, contextID, snapshotID); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// ListFor returns the snapshot ids of contextID in write order.
func (s *SQLiteStore) ListFor(ctx context.Context, contextID string) ([]string, error) {
	query := `
		SELECT snapshot_id FROM snapshots
		WHERE context_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	return queryStrings(ctx, s.db, query, contextID)
}

// ListContexts returns the distinct context ids that have records.
func (s *SQLiteStore) ListContexts(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT context_id FROM snapshots ORDER BY context_id`
	return queryStrings(ctx, s.db, query)
}

// queryStrings runs a query returning one string column.
func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
