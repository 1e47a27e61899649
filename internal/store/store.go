// ABOUTME: BlobStore interface for durable snapshot records and backend selection
// ABOUTME: Records are opaque blobs keyed by (context id, snapshot id)

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// BlobStore persists snapshot records. Implementations are safe for
// concurrent use.
type BlobStore interface {
	// Put writes blob under (contextID, snapshotID), replacing any previous value.
	Put(ctx context.Context, contextID, snapshotID string, blob []byte) error
	// Get returns the blob stored under (contextID, snapshotID) or ErrNotFound.
	Get(ctx context.Context, contextID, snapshotID string) ([]byte, error)
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, contextID, snapshotID string) error
	// ListFor returns the snapshot ids stored for contextID, oldest write first.
	ListFor(ctx context.Context, contextID string) ([]string, error)
	// ListContexts returns every context id with at least one record, sorted.
	ListContexts(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names a BlobStore implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendBadger   Backend = "badger"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend Backend
	// Path is the database file (sqlite) or directory (badger).
	Path string
	// Driver is the database/sql driver for sqlite: "sqlite" (pure Go,
	// default) or "sqlite3" (cgo).
	Driver string
	// DSN is the connection string for postgres.
	DSN string
	// SyncWrites makes badger fsync every write.
	SyncWrites bool
	Logger     *slog.Logger
}

// Open creates the BlobStore described by opts.
func Open(ctx context.Context, opts Options) (BlobStore, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return NewSQLiteStore(opts.Path, opts.Driver)
	case BackendBadger:
		cfg := DefaultBadgerConfig()
		cfg.Path = opts.Path
		cfg.SyncWrites = opts.SyncWrites
		cfg.Logger = opts.Logger
		return NewBadgerStore(cfg)
	case BackendPostgres:
		return NewPostgresStore(ctx, opts.DSN)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
