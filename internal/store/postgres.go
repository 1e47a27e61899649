// ABOUTME: PostgreSQL implementation of BlobStore using lib/pq
// ABOUTME: Shares the snapshots table layout with the SQLite backend

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements BlobStore using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}

	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			context_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			blob BYTEA NOT NULL,
			seq BIGSERIAL,
			PRIMARY KEY (context_id, snapshot_id)
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_context_seq
			ON snapshots(context_id, seq);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Put stores blob, replacing an existing record with the same key.
func (s *PostgresStore) Put(ctx context.Context, contextID, snapshotID string, blob []byte) error {
	query := `
		INSERT INTO snapshots (context_id, snapshot_id, blob)
		VALUES ($1, $2, $3)
		ON CONFLICT (context_id, snapshot_id) DO UPDATE SET blob = EXCLUDED.blob
	`
	if _, err := s.db.ExecContext(ctx, query, contextID, snapshotID, blob); err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// Get retrieves a record by key.
func (s *PostgresStore) Get(ctx context.Context, contextID, snapshotID string) ([]byte, error) {
	query := `SELECT blob FROM snapshots WHERE context_id = $1 AND snapshot_id = $2`

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
func (s *PostgresStore) Delete(ctx context.Context, contextID, snapshotID string) error {
	query := `DELETE FROM snapshots WHERE context_id = $1 AND snapshot_id = $2`
	if _, err := s.db.ExecContext(ctx, query, contextID, snapshotID); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// ListFor returns the snapshot ids of contextID in write order.
func (s *PostgresStore) ListFor(ctx context.Context, contextID string) ([]string, error) {
	query := `SELECT snapshot_id FROM snapshots WHERE context_id = $1 ORDER BY seq`
	return queryStrings(ctx, s.db, query, contextID)
}

// ListContexts returns the distinct context ids that have records.
func (s *PostgresStore) ListContexts(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT context_id FROM snapshots ORDER BY context_id`
	return queryStrings(ctx, s.db, query)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
