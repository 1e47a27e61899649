// Package store provides durable storage for context snapshots.
//
// # Architecture
//
// The snapshot manager treats storage as an opaque key-value blob store keyed
// by (context id, snapshot id). BlobStore is that contract; every backend
// implements it:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite (driver "sqlite",
//     pure Go) or github.com/mattn/go-sqlite3 (driver "sqlite3", cgo)
//   - BadgerStore: embedded BadgerDB, optionally in memory
//   - PostgresStore: PostgreSQL through github.com/lib/pq
//   - MemoryStore: maps guarded by a RWMutex
//
// Open selects a backend from Options.
//
// # Records
//
// EncodeSnapshot wraps the JSON snapshot in an envelope carrying a format
// version and a blake2b-256 checksum of the payload. DecodeSnapshot rejects
// records whose checksum does not match with ErrCorrupt, so a torn write is
// skipped instead of being restored.
//
// # SQLite Configuration
//
// The SQLite backend uses WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Production: /var/lib/coven-context/snapshots.db
//   - Development: ~/.local/share/coven/context.db
//   - Testing: t.TempDir() or :memory:
//
// # Testing
//
// Use NewMemoryStore() for unit tests and InMemoryBadgerConfig() or a temp
// SQLite file for integration tests.
package store
