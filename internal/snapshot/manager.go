// ABOUTME: Snapshot manager with bounded per-context retention and background persistence
// ABOUTME: Writes snapshots to a BlobStore with backoff retries, off the state lock path

package snapshot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-context/internal/history"
	"github.com/2389/coven-context/internal/state"
	"github.com/2389/coven-context/internal/store"
)

const (
	DefaultMaxPerContext     = 50
	DefaultPersistRetries    = 5
	DefaultPersistBackoff    = 200 * time.Millisecond
	DefaultPersistMaxBackoff = 5 * time.Second
	DefaultConcurrency       = 4
)

// Metadata keys and values set on captured snapshots.
const (
	MetadataTrigger = "trigger"
	TriggerManual   = "manual"
	TriggerPeriodic = "periodic"
)

var errPurged = errors.New("context purged")

// Source provides the live state to capture.
type Source interface {
	Get(id string) (*state.State, error)
	IDs() []string
}

// Options configures a Manager.
type Options struct {
	// MaxPerContext bounds the retained snapshots per context.
	MaxPerContext int
	// History, when set, gets one pin per retained snapshot.
	History *history.Log
	// Blobs, when set, receives every captured snapshot.
	Blobs store.BlobStore

	PersistRetries    uint
	PersistBackoff    time.Duration
	PersistMaxBackoff time.Duration
	// Concurrency bounds parallel captures in CaptureChanged.
	Concurrency int

	// OnDegraded is called when a storage operation gives up.
	OnDegraded func(contextID string, err error)
	Logger     *slog.Logger
	Now        func() time.Time
}

type job func(ctx context.Context)

// Manager captures and retains snapshots.
type Manager struct {
	src Source

	mu          sync.RWMutex
	lists       map[string][]*state.Snapshot
	generations map[string]uint64

	qmu     sync.Mutex
	queues  map[string][]job
	pending int
	idle    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	max         int
	history     *history.Log
	blobs       store.BlobStore
	retries     uint
	backoff     time.Duration
	maxBackoff  time.Duration
	concurrency int
	onDegraded  func(string, error)
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a manager capturing from src.
func New(src Source, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		src:         src,
		lists:       make(map[string][]*state.Snapshot),
		generations: make(map[string]uint64),
		queues:      make(map[string][]job),
		idle:        make(chan struct{}),
		max:         cmp.Or(opts.MaxPerContext, DefaultMaxPerContext),
		history:     opts.History,
		blobs:       opts.Blobs,
		retries:     cmp.Or(opts.PersistRetries, DefaultPersistRetries),
		backoff:     cmp.Or(opts.PersistBackoff, DefaultPersistBackoff),
		maxBackoff:  cmp.Or(opts.PersistMaxBackoff, DefaultPersistMaxBackoff),
		concurrency: cmp.Or(opts.Concurrency, DefaultConcurrency),
		onDegraded:  opts.OnDegraded,
		logger:      logger.With("component", "snapshot"),
		now:         opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// MaxPerContext returns the retention limit.
func (m *Manager) MaxPerContext() int {
	return m.max
}

// Capture copies the current state of id into a new snapshot. The snapshot is
// retained in memory immediately; durable storage happens in the background.
func (m *Manager) Capture(ctx context.Context, id string, metadata map[string]string) (*state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen := m.generation(id)
	st, err := m.src.Get(id)
	if err != nil {
		return nil, err
	}

	snap := &state.Snapshot{
		ID:        uuid.NewString(),
		ContextID: id,
		Timestamp: m.now().UTC(),
		State:     st,
		Metadata:  maps.Clone(metadata),
	}
	if snap.Metadata == nil {
		snap.Metadata = make(map[string]string)
	}

	evicted, ok := m.retain(id, gen, snap)
	if !ok {
		return nil, fmt.Errorf("%w: %q purged during capture", state.ErrNotFound, id)
	}
	m.persist(id, gen, snap.Clone(), evicted)

	m.logger.Debug("snapshot captured",
		"context_id", id,
		"snapshot_id", snap.ID,
		"version", snap.Version(),
		"evicted", len(evicted))
	return snap.Clone(), nil
}

// retain appends snaps to the list of id and evicts past the limit. Nothing is
// retained when id was purged since gen was read.
func (m *Manager) retain(id string, gen uint64, snaps ...*state.Snapshot) ([]*state.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generations[id] != gen {
		return nil, false
	}

	list := m.lists[id]
	for _, s := range snaps {
		list = append(list, s)
		m.pin(id, s.Version())
	}

	var evicted []*state.Snapshot
	for len(list) > m.max {
		evicted = append(evicted, list[0])
		m.unpin(id, list[0].Version())
		list[0] = nil
		list = list[1:]
	}
	m.lists[id] = list
	return evicted, true
}

func (m *Manager) pin(id string, version uint64) {
	if m.history != nil {
		m.history.Pin(id, version)
	}
}

func (m *Manager) unpin(id string, version uint64) {
	if m.history != nil {
		m.history.Unpin(id, version)
	}
}

// List returns copies of the retained snapshots of id, oldest first.
func (m *Manager) List(id string) []*state.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[id]
	out := make([]*state.Snapshot, len(list))
	for i, s := range list {
		out[i] = s.Clone()
	}
	return out
}

// Len returns how many snapshots of id are retained.
func (m *Manager) Len(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lists[id])
}

// Adopt retains snapshots loaded from storage, skipping ids already held.
func (m *Manager) Adopt(id string, snaps []*state.Snapshot) {
	m.mu.RLock()
	gen := m.generations[id]
	held := make(map[string]bool, len(m.lists[id]))
	for _, s := range m.lists[id] {
		held[s.ID] = true
	}
	m.mu.RUnlock()

	var fresh []*state.Snapshot
	for _, s := range snaps {
		if s.ContextID == id && !held[s.ID] {
			fresh = append(fresh, s.Clone())
		}
	}
	if len(fresh) == 0 {
		return
	}

	evicted, ok := m.retain(id, gen, fresh...)
	if !ok || m.blobs == nil || len(evicted) == 0 {
		return
	}
	m.schedule(id, func(ctx context.Context) {
		if !m.current(id, gen) {
			return
		}
		m.deleteBlobs(ctx, id, evicted)
	})
}

// Delete removes one snapshot of id from memory and storage.
func (m *Manager) Delete(ctx context.Context, id, snapshotID string) error {
	m.mu.Lock()
	list := m.lists[id]
	idx := slices.IndexFunc(list, func(s *state.Snapshot) bool { return s.ID == snapshotID })
	if idx >= 0 {
		m.unpin(id, list[idx].Version())
		m.lists[id] = slices.Delete(list, idx, idx+1)
	}
	m.mu.Unlock()

	if m.blobs == nil {
		if idx < 0 {
			return fmt.Errorf("snapshot %s of %s: %w", snapshotID, id, state.ErrSnapshotNotFound)
		}
		return nil
	}

	if idx < 0 {
		_, err := m.blobs.Get(ctx, id, snapshotID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("snapshot %s of %s: %w", snapshotID, id, state.ErrSnapshotNotFound)
		}
		if err != nil {
			return &state.PersistenceError{Op: "get", ContextID: id, SnapshotID: snapshotID, Err: err}
		}
	}

	// Queued behind any pending write of the same snapshot.
	err := m.await(ctx, id, func(jctx context.Context) error {
		return m.blobs.Delete(jctx, id, snapshotID)
	})
	if err != nil {
		return &state.PersistenceError{Op: "delete", ContextID: id, SnapshotID: snapshotID, Err: err}
	}
	return nil
}

// Purge drops every snapshot of id from memory and storage. Writes still
// queued for id are abandoned.
func (m *Manager) Purge(ctx context.Context, id string) error {
	m.mu.Lock()
	list := m.lists[id]
	delete(m.lists, id)
	m.generations[id]++
	m.mu.Unlock()

	for _, s := range list {
		m.unpin(id, s.Version())
	}

	if m.blobs == nil {
		return nil
	}
	err := m.await(ctx, id, func(jctx context.Context) error {
		ids, err := m.blobs.ListFor(jctx, id)
		if err != nil {
			return err
		}
		var errs []error
		for _, sid := range ids {
			if err := m.blobs.Delete(jctx, id, sid); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return &state.PersistenceError{Op: "purge", ContextID: id, Err: err}
	}
	m.logger.Debug("snapshots purged", "context_id", id, "count", len(list))
	return nil
}

// Load reads the persisted snapshots of id, ordered by timestamp. Records
// that fail their checksum or belong elsewhere are skipped with a warning.
func (m *Manager) Load(ctx context.Context, id string) ([]*state.Snapshot, error) {
	if m.blobs == nil {
		return nil, nil
	}
	ids, err := m.blobs.ListFor(ctx, id)
	if err != nil {
		return nil, &state.PersistenceError{Op: "list", ContextID: id, Err: err}
	}

	snaps := make([]*state.Snapshot, 0, len(ids))
	for _, sid := range ids {
		blob, err := m.blobs.Get(ctx, id, sid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, &state.PersistenceError{Op: "get", ContextID: id, SnapshotID: sid, Err: err}
		}
		snap, err := store.DecodeSnapshot(blob)
		if err != nil {
			m.logger.Warn("skipping unreadable snapshot",
				"context_id", id,
				"snapshot_id", sid,
				"error", err)
			continue
		}
		if snap.ContextID != id || snap.ID != sid {
			m.logger.Warn("skipping misfiled snapshot",
				"context_id", id,
				"snapshot_id", sid,
				"record_context_id", snap.ContextID,
				"record_snapshot_id", snap.ID)
			continue
		}
		snaps = append(snaps, snap)
	}

	slices.SortStableFunc(snaps, func(a, b *state.Snapshot) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.Version(), b.Version()))
	})
	return snaps, nil
}

// Stored returns the context ids that have persisted snapshots.
func (m *Manager) Stored(ctx context.Context) ([]string, error) {
	if m.blobs == nil {
		return nil, nil
	}
	ids, err := m.blobs.ListContexts(ctx)
	if err != nil {
		return nil, &state.PersistenceError{Op: "list", Err: err}
	}
	return ids, nil
}

// CaptureChanged snapshots every context whose version differs from its
// newest retained snapshot and reports how many were captured.
func (m *Manager) CaptureChanged(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	var captured atomic.Int64
	for _, id := range m.src.IDs() {
		if !m.changed(id) {
			continue
		}
		g.Go(func() error {
			_, err := m.Capture(gctx, id, map[string]string{MetadataTrigger: TriggerPeriodic})
			if errors.Is(err, state.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("capture %s: %w", id, err)
			}
			captured.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(captured.Load()), err
}

func (m *Manager) changed(id string) bool {
	st, err := m.src.Get(id)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.lists[id]
	return len(list) == 0 || list[len(list)-1].Version() != st.Version
}

// Run calls CaptureChanged every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %s", interval)
	}
	m.logger.Info("periodic snapshots enabled", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.CaptureChanged(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("periodic snapshot pass failed", "error", err)
			}
			if n > 0 {
				m.logger.Debug("periodic snapshot pass", "captured", n)
			}
		}
	}
}

// persist queues the durable write of snap and the removal of evicted.
func (m *Manager) persist(id string, gen uint64, snap *state.Snapshot, evicted []*state.Snapshot) {
	if m.blobs == nil {
		return
	}
	m.schedule(id, func(ctx context.Context) {
		err := m.write(ctx, id, gen, snap)
		if errors.Is(err, errPurged) {
			return
		}
		if err != nil {
			m.degraded(&state.PersistenceError{Op: "put", ContextID: id, SnapshotID: snap.ID, Err: err})
		}
		m.deleteBlobs(ctx, id, evicted)
	})
}

func (m *Manager) write(ctx context.Context, id string, gen uint64, snap *state.Snapshot) error {
	blob, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	err = m.retry(ctx, func() error {
		if !m.current(id, gen) {
			return backoff.Permanent(errPurged)
		}
		return m.blobs.Put(ctx, id, snap.ID, blob)
	})
	if err != nil {
		return err
	}
	if !m.current(id, gen) {
		// Purged while the write was in flight.
		if err := m.blobs.Delete(ctx, id, snap.ID); err != nil {
			m.logger.Warn("failed to remove snapshot of purged context",
				"context_id", id,
				"snapshot_id", snap.ID,
				"error", err)
		}
		return errPurged
	}
	return nil
}

func (m *Manager) deleteBlobs(ctx context.Context, id string, snaps []*state.Snapshot) {
	for _, s := range snaps {
		err := m.retry(ctx, func() error {
			return m.blobs.Delete(ctx, id, s.ID)
		})
		if err != nil {
			m.degraded(&state.PersistenceError{Op: "delete", ContextID: id, SnapshotID: s.ID, Err: err})
		}
	}
}

func (m *Manager) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.backoff
	b.MaxInterval = m.maxBackoff

	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			return struct{}{}, op()
		},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Debug("retrying snapshot storage", "error", err, "next", next)
		}),
	)
	return err
}

func (m *Manager) generation(id string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generations[id]
}

func (m *Manager) current(id string, gen uint64) bool {
	return m.generation(id) == gen
}

func (m *Manager) degraded(err *state.PersistenceError) {
	m.logger.Warn("snapshot persistence degraded",
		"op", err.Op,
		"context_id", err.ContextID,
		"snapshot_id", err.SnapshotID,
		"error", err.Err)
	if m.onDegraded != nil {
		m.onDegraded(err.ContextID, err)
	}
}

// schedule runs j after every job already queued for id.
func (m *Manager) schedule(id string, j job) {
	m.qmu.Lock()
	defer m.qmu.Unlock()

	m.pending++
	q, running := m.queues[id]
	m.queues[id] = append(q, j)
	if !running {
		go m.drain(id)
	}
}

func (m *Manager) drain(id string) {
	for {
		m.qmu.Lock()
		q := m.queues[id]
		if len(q) == 0 {
			delete(m.queues, id)
			m.qmu.Unlock()
			return
		}
		j := q[0]
		q[0] = nil
		m.queues[id] = q[1:]
		m.qmu.Unlock()

		j(m.ctx)

		m.qmu.Lock()
		m.pending--
		if m.pending == 0 {
			close(m.idle)
			m.idle = make(chan struct{})
		}
		m.qmu.Unlock()
	}
}

// await schedules fn for id and waits for its result.
func (m *Manager) await(ctx context.Context, id string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	m.schedule(id, func(jctx context.Context) {
		done <- fn(jctx)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every queued storage operation has finished.
func (m *Manager) Flush(ctx context.Context) error {
	for {
		m.qmu.Lock()
		if m.pending == 0 {
			m.qmu.Unlock()
			return nil
		}
		idle := m.idle
		m.qmu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close waits for queued storage operations, then cancels any still retrying.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Flush(ctx)
	m.cancel()
	return err
}
