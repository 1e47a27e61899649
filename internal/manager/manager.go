// ABOUTME: Context manager facade wiring store, history, sync, snapshots and recovery
// ABOUTME: Exposes create/update/get/delete, recovery and the active-context helpers

package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-context/internal/config"
	"github.com/2389/coven-context/internal/conflict"
	"github.com/2389/coven-context/internal/history"
	"github.com/2389/coven-context/internal/metrics"
	"github.com/2389/coven-context/internal/recovery"
	"github.com/2389/coven-context/internal/snapshot"
	"github.com/2389/coven-context/internal/state"
	"github.com/2389/coven-context/internal/statestore"
	"github.com/2389/coven-context/internal/store"
	"github.com/2389/coven-context/internal/syncer"
)

// DefaultUpdateRetries bounds the attempts of Set and UpdateData.
const DefaultUpdateRetries = 3

// ErrNoActiveContext is returned by the active-context helpers before
// SetActiveContext has been called.
var ErrNoActiveContext = fmt.Errorf("%w: no active context", state.ErrNotFound)

// Options configures a Manager. Zero values pick the component defaults.
type Options struct {
	// Strategies are registered in order ahead of the reject fallback.
	Strategies      []conflict.Kind
	HistoryCapacity int

	// Blobs persists snapshots. Nil keeps snapshots in memory only.
	Blobs             store.BlobStore
	MaxSnapshots      int
	PersistRetries    uint
	PersistBackoff    time.Duration
	PersistMaxBackoff time.Duration
	Concurrency       int

	// Metrics, when set, is subscribed to every context.
	Metrics       *metrics.Collector
	Appliers      state.Appliers
	UpdateRetries int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager orchestrates the context components.
type Manager struct {
	history  *history.Log
	states   *statestore.Store
	sync     *syncer.Manager
	snaps    *snapshot.Manager
	recovery *recovery.Manager

	blobs       store.BlobStore
	ownsBlobs   bool
	metrics     *metrics.Collector
	retries     int
	concurrency int

	mu     sync.RWMutex
	active string

	logger *slog.Logger
}

// New wires a Manager from opts.
func New(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver, err := conflict.NewRegistryWith(logger, opts.Strategies...)
	if err != nil {
		return nil, fmt.Errorf("registering conflict strategies: %w", err)
	}

	hist := history.New(cmp.Or(opts.HistoryCapacity, history.DefaultCapacity), logger)
	syncMgr := syncer.New(resolver, logger)
	states := statestore.New(statestore.Options{
		History:  hist,
		Resolve:  syncMgr.RouteConflict,
		OnCommit: syncMgr.Synchronize,
		Appliers: opts.Appliers,
		Logger:   logger,
		Now:      opts.Now,
	})
	snaps := snapshot.New(states, snapshot.Options{
		MaxPerContext:     opts.MaxSnapshots,
		History:           hist,
		Blobs:             opts.Blobs,
		PersistRetries:    opts.PersistRetries,
		PersistBackoff:    opts.PersistBackoff,
		PersistMaxBackoff: opts.PersistMaxBackoff,
		Concurrency:       opts.Concurrency,
		OnDegraded:        syncMgr.ReportError,
		Logger:            logger,
		Now:               opts.Now,
	})

	m := &Manager{
		history: hist,
		states:  states,
		sync:    syncMgr,
		snaps:   snaps,
		recovery: recovery.New(states, snaps, recovery.Options{
			History:  hist,
			Appliers: opts.Appliers,
			Logger:   logger,
		}),
		blobs:       opts.Blobs,
		metrics:     opts.Metrics,
		retries:     cmp.Or(opts.UpdateRetries, DefaultUpdateRetries),
		concurrency: cmp.Or(opts.Concurrency, snapshot.DefaultConcurrency),
		logger:      logger.With("component", "manager"),
	}

	if m.metrics != nil {
		if _, err := syncMgr.SubscribeAll(m.metrics); err != nil {
			return nil, fmt.Errorf("subscribing metrics: %w", err)
		}
	}
	return m, nil
}

// NewFromConfig opens the configured snapshot storage and wires a Manager
// around it. The storage is closed by Close.
func NewFromConfig(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kinds, err := cfg.Kinds()
	if err != nil {
		return nil, err
	}

	blobs, err := store.Open(ctx, store.Options{
		Backend:    store.Backend(cfg.Storage.Backend),
		Path:       cfg.Storage.Path,
		Driver:     cfg.Storage.Driver,
		DSN:        cfg.Storage.DSN,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot storage: %w", err)
	}

	m, err := New(Options{
		HistoryCapacity:   cfg.History.Capacity,
		Strategies:        kinds,
		Blobs:             blobs,
		MaxSnapshots:      cfg.Snapshots.MaxPerContext,
		PersistRetries:    cfg.Snapshots.PersistRetries,
		PersistBackoff:    cfg.Snapshots.PersistBackoff,
		PersistMaxBackoff: cfg.Snapshots.PersistMaxBackoff,
		Concurrency:       cfg.Snapshots.Concurrency,
		Metrics:           collector,
		Logger:            logger,
	})
	if err != nil {
		_ = blobs.Close()
		return nil, err
	}
	m.ownsBlobs = true
	return m, nil
}

// CreateContext creates id at version 0 with empty data.
func (m *Manager) CreateContext(id string, metadata map[string]string) (*state.State, error) {
	st, err := m.states.Create(id, metadata)
	if err != nil {
		return nil, err
	}
	m.logger.Info("context created", "context_id", id)
	return st, nil
}

// EnsureContext returns id, creating it first when it does not exist.
func (m *Manager) EnsureContext(id string) (*state.State, error) {
	st, err := m.states.Get(id)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	st, err = m.states.Create(id, nil)
	if errors.Is(err, state.ErrAlreadyExists) {
		return m.states.Get(id)
	}
	return st, err
}

// Update applies upd to id. A stale update that no strategy resolves fails
// with a *state.ConflictError carrying the conflict.
func (m *Manager) Update(ctx context.Context, id string, upd state.Update) (*state.State, error) {
	return m.states.Apply(ctx, id, upd)
}

// Set writes value at path in id against its current version. A conflict
// caused by a concurrent writer is retried from the new version.
func (m *Manager) Set(ctx context.Context, id, path string, value any) (*state.State, error) {
	op := func() (*state.State, error) {
		cur, err := m.states.Get(id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		st, err := m.states.Apply(ctx, id, state.Update{
			BaseVersion: cur.Version,
			Changes:     []state.Change{state.Set(path, value)},
		})
		if err != nil && !errors.Is(err, state.ErrConflict) {
			return nil, backoff.Permanent(err)
		}
		return st, err
	}

	st, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(m.retries)))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return st, err
}

// Get returns a copy of the current state of id.
func (m *Manager) Get(id string) (*state.State, error) {
	return m.states.Get(id)
}

// List returns the ids of every live context, sorted.
func (m *Manager) List() []string {
	return m.states.IDs()
}

// Delete removes id together with its history and every snapshot, retained
// or persisted. The live state is gone even when purging storage fails.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.states.Delete(id); err != nil {
		return err
	}

	m.mu.Lock()
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Forget(id)
	}

	if err := m.snaps.Purge(ctx, id); err != nil {
		m.logger.Warn("context deleted but snapshots remain in storage",
			"context_id", id,
			"error", err)
		m.sync.ReportError(id, err)
		return fmt.Errorf("purging snapshots of %q: %w", id, err)
	}

	m.logger.Info("context deleted", "context_id", id)
	return nil
}

// Snapshot captures id on demand.
func (m *Manager) Snapshot(ctx context.Context, id string) (*state.Snapshot, error) {
	return m.snaps.Capture(ctx, id, map[string]string{
		snapshot.MetadataTrigger: snapshot.TriggerManual,
	})
}

// Snapshots returns the retained snapshots of id, oldest first.
func (m *Manager) Snapshots(id string) []*state.Snapshot {
	return m.snaps.List(id)
}

// StoredSnapshots returns the persisted snapshots of id.
func (m *Manager) StoredSnapshots(ctx context.Context, id string) ([]*state.Snapshot, error) {
	return m.snaps.Load(ctx, id)
}

// StoredContexts returns the ids of every context with persisted snapshots.
func (m *Manager) StoredContexts(ctx context.Context) ([]string, error) {
	return m.snaps.Stored(ctx)
}

// SnapshotChanged captures every context whose version moved since its last
// snapshot and returns how many were captured.
func (m *Manager) SnapshotChanged(ctx context.Context) (int, error) {
	return m.snaps.CaptureChanged(ctx)
}

// DeleteSnapshot removes one snapshot of id from memory and storage.
func (m *Manager) DeleteSnapshot(ctx context.Context, id, snapshotID string) error {
	return m.snaps.Delete(ctx, id, snapshotID)
}

// Recover restores id from the snapshot strategy selects. A nil strategy
// means recovery.Latest.
func (m *Manager) Recover(ctx context.Context, id string, strategy recovery.Strategy) (*state.State, error) {
	return m.recovery.Recover(ctx, id, strategy)
}

// History returns the retained history of id between two versions inclusive.
func (m *Manager) History(id string, from, to uint64) iter.Seq[state.StateChange] {
	return m.history.Range(id, from, to)
}

// Since returns the retained history of id committed after version.
func (m *Manager) Since(id string, version uint64) []state.StateChange {
	return m.history.Since(id, version)
}

// Subscribe registers sub for changes of id.
func (m *Manager) Subscribe(id string, sub syncer.Subscriber) (string, error) {
	return m.sync.Subscribe(id, sub)
}

// SubscribeAll registers sub for changes of every context.
func (m *Manager) SubscribeAll(sub syncer.Subscriber) (string, error) {
	return m.sync.SubscribeAll(sub)
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(subID string) {
	m.sync.Unsubscribe(subID)
}

// Watch streams the events of id until ctx is done.
func (m *Manager) Watch(ctx context.Context, id string) (<-chan syncer.SyncEvent, string, error) {
	return m.sync.Watch(ctx, id)
}

// Errors reports subscriber failures.
func (m *Manager) Errors() <-chan *state.SyncError {
	return m.sync.Errors()
}

// Resolver returns the conflict registry, for registering custom strategies.
func (m *Manager) Resolver() *conflict.Registry {
	return m.sync.Resolver()
}

// SetActiveContext makes id the target of UpdateData. id must exist.
func (m *Manager) SetActiveContext(id string) error {
	if _, err := m.states.Get(id); err != nil {
		return err
	}
	m.mu.Lock()
	m.active = id
	m.mu.Unlock()
	m.logger.Debug("active context changed", "context_id", id)
	return nil
}

// GetActiveContext returns the state of the active context.
func (m *Manager) GetActiveContext() (*state.State, error) {
	id := m.ActiveID()
	if id == "" {
		return nil, ErrNoActiveContext
	}
	return m.states.Get(id)
}

// ActiveID returns the active context id, or "" when none is set.
func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// UpdateData sets path to value in the active context.
func (m *Manager) UpdateData(ctx context.Context, path string, value any) (*state.State, error) {
	id := m.ActiveID()
	if id == "" {
		return nil, ErrNoActiveContext
	}
	return m.Set(ctx, id, path, value)
}

// RestoreFromStorage adopts the persisted snapshots of every stored context
// and recovers the latest of each context that is not live. It returns the
// number of contexts recovered.
func (m *Manager) RestoreFromStorage(ctx context.Context) (int, error) {
	ids, err := m.snaps.Stored(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu        sync.Mutex
		recovered int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			snaps, err := m.snaps.Load(gctx, id)
			if err != nil {
				return fmt.Errorf("loading snapshots of %q: %w", id, err)
			}
			if len(snaps) == 0 {
				return nil
			}
			m.snaps.Adopt(id, snaps)

			if _, err := m.states.Get(id); err == nil {
				return nil
			}
			if _, err := m.recovery.Recover(gctx, id, recovery.Latest()); err != nil {
				return err
			}
			mu.Lock()
			recovered++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	m.logger.Info("restored contexts from storage",
		"stored", len(ids),
		"recovered", recovered)
	return recovered, err
}

// RunSnapshots captures every changed context each interval until ctx is done.
func (m *Manager) RunSnapshots(ctx context.Context, interval time.Duration) error {
	return m.snaps.Run(ctx, interval)
}

// Flush waits until queued notifications and snapshot writes are done.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.snaps.Flush(ctx); err != nil {
		return err
	}
	return m.sync.Flush(ctx)
}

// Close drains pending snapshot writes and notifications, then closes the
// snapshot storage opened by NewFromConfig.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	if err := m.snaps.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing snapshots: %w", err))
	}
	if err := m.sync.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing sync manager: %w", err))
	}
	if m.ownsBlobs && m.blobs != nil {
		if err := m.blobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing snapshot storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
