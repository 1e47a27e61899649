// ABOUTME: BadgerDB implementation of BlobStore for embedded key-value persistence
// ABOUTME: Data keys hold the records; sequence-ordered index keys give write order per context

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerDataPrefix  = "snap/"
	badgerIndexPrefix = "idx/"
	// badgerSep ends the context id inside a key so that one id is never a
	// prefix match for another.
	badgerSep = "\x00"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps all data in memory; used by tests.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns settings for a persistent store.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for an in-memory store.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerStore implements BlobStore on BadgerDB. Each record is stored under a
// data key and an index key ordered by a per-store sequence.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// NewBadgerStore opens a BadgerStore.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte("meta/seq"), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sequence: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{
		db:     db,
		seq:    seq,
		logger: logger.With("component", "store"),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	s.logger.Info("Badger store initialized", "path", cfg.Path, "in_memory", cfg.InMemory)
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

func dataKey(contextID, snapshotID string) []byte {
	return []byte(badgerDataPrefix + contextID + badgerSep + snapshotID)
}

func indexPrefix(contextID string) []byte {
	return []byte(badgerIndexPrefix + contextID + badgerSep)
}

func indexKey(contextID string, seq uint64, snapshotID string) []byte {
	key := indexPrefix(contextID)
	key = binary.BigEndian.AppendUint64(key, seq)
	key = append(key, '/')
	return append(key, snapshotID...)
}

// Put stores blob, replacing an existing record with the same key.
func (s *BadgerStore) Put(ctx context.Context, contextID, snapshotID string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		// A rewrite keeps its original position.
		if _, err := txn.Get(dataKey(contextID, snapshotID)); err == nil {
			return txn.Set(dataKey(contextID, snapshotID), blob)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(indexKey(contextID, n, snapshotID), nil); err != nil {
			return err
		}
		return txn.Set(dataKey(contextID, snapshotID), blob)
	})
	if err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Get retrieves a record by key.
func (s *BadgerStore) Get(ctx context.Context, contextID, snapshotID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(contextID, snapshotID))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return blob, nil
}

// Delete removes a record and its index entry.
func (s *BadgerStore) Delete(ctx context.Context, contextID, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	suffix := []byte("/" + snapshotID)
	err := s.db.Update(func(txn *badger.Txn) error {
		var stale [][]byte
		it := txn.NewIterator(badger.IteratorOptions{Prefix: indexPrefix(contextID)})
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if bytes.HasSuffix(key, suffix) && len(key) == len(indexPrefix(contextID))+8+len(suffix) {
				stale = append(stale, key)
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(dataKey(contextID, snapshotID))
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// ListFor returns the snapshot ids of contextID in write order.
func (s *BadgerStore) ListFor(ctx context.Context, contextID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := indexPrefix(contextID)
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			// prefix + 8 byte sequence + '/' + snapshot id
			out = append(out, string(key[len(prefix)+9:]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return out, nil
}

// ListContexts returns the distinct context ids that have records.
func (s *BadgerStore) ListContexts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(badgerDataPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), badgerDataPrefix)
			if i := strings.Index(rest, badgerSep); i > 0 {
				seen[rest[:i]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("releasing sequence", "error", err)
	}
	return s.db.Close()
}
