// ABOUTME: Recovery manager that restores a context from a selected snapshot
// ABOUTME: Falls back to persisted snapshots and rolls forward retained history for point-in-time targets

package recovery

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/2389/coven-context/internal/history"
	"github.com/2389/coven-context/internal/state"
)

// MetadataRolledForward is set on the restored snapshot copy when history
// was replayed past the snapshot version.
const MetadataRolledForward = "rolled_forward_to"

// Restorer swaps a snapshot into the live state.
type Restorer interface {
	Restore(ctx context.Context, id string, snap *state.Snapshot) (*state.State, error)
}

// Snapshots lists the retained and the persisted snapshots of a context.
type Snapshots interface {
	List(id string) []*state.Snapshot
	Load(ctx context.Context, id string) ([]*state.Snapshot, error)
}

// Options configures a Manager.
type Options struct {
	// History enables roll-forward for PointInTime strategies.
	History *history.Log
	// Appliers replay custom changes during roll-forward.
	Appliers state.Appliers
	Logger   *slog.Logger
}

// Manager restores contexts.
type Manager struct {
	store    Restorer
	snaps    Snapshots
	history  *history.Log
	appliers state.Appliers
	logger   *slog.Logger
}

// New creates a recovery manager.
func New(store Restorer, snaps Snapshots, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		snaps:    snaps,
		history:  opts.History,
		appliers: opts.Appliers,
		logger:   logger.With("component", "recovery"),
	}
}

// Recover restores id from the snapshot chosen by strategy. A nil strategy
// means Latest. Errors unwrap to state.ErrRecovery, except a storage failure
// with nothing retained, which is returned as the *state.PersistenceError.
func (m *Manager) Recover(ctx context.Context, id string, strategy Strategy) (*state.State, error) {
	if strategy == nil {
		strategy = Latest()
	}

	chosen, err := m.Select(ctx, id, strategy)
	if err != nil {
		return nil, err
	}

	target := chosen
	if pit, ok := strategy.(PointInTime); ok {
		target = m.rollForward(id, chosen, pit.Until())
	}

	restored, err := m.store.Restore(ctx, id, target)
	if err != nil {
		return nil, err
	}

	m.logger.Info("context recovered",
		"context_id", id,
		"strategy", strategy.Name(),
		"snapshot_id", chosen.ID,
		"snapshot_version", chosen.Version(),
		"replayed_to", target.Version(),
		"version", restored.Version)
	return restored, nil
}

// Select returns the snapshot strategy picks for id without restoring it.
// Retained snapshots are tried first, then persisted ones.
func (m *Manager) Select(ctx context.Context, id string, strategy Strategy) (*state.Snapshot, error) {
	retained := m.snaps.List(id)
	if chosen := strategy.Select(retained); chosen != nil {
		return chosen.Clone(), nil
	}

	stored, err := m.snaps.Load(ctx, id)
	if err != nil {
		if len(retained) == 0 {
			return nil, err
		}
		m.logger.Warn("could not load persisted snapshots",
			"context_id", id,
			"error", err)
	}

	all := merge(retained, stored)
	if len(all) == 0 {
		return nil, &state.RecoveryError{ContextID: id, Reason: state.ErrNoValidSnapshot}
	}
	chosen := strategy.Select(all)
	if chosen == nil {
		return nil, &state.RecoveryError{ContextID: id, Reason: state.ErrSnapshotNotFound}
	}
	return chosen.Clone(), nil
}

// merge returns retained plus the stored snapshots it does not hold, ordered
// by timestamp.
func merge(retained, stored []*state.Snapshot) []*state.Snapshot {
	if len(stored) == 0 {
		return retained
	}
	seen := make(map[string]bool, len(retained))
	for _, s := range retained {
		seen[s.ID] = true
	}
	out := append([]*state.Snapshot(nil), retained...)
	for _, s := range stored {
		if !seen[s.ID] {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b *state.Snapshot) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.Version(), b.Version()))
	})
	return out
}

// rollForward replays the contiguous history committed after snap up to
// until. It returns snap unchanged when nothing could be replayed.
func (m *Manager) rollForward(id string, snap *state.Snapshot, until time.Time) *state.Snapshot {
	if m.history == nil {
		return snap
	}

	cur := snap.State
	next := snap.Version() + 1
	replayed := 0
	for sc := range m.history.Range(id, next, ^uint64(0)) {
		if sc.ResultingVersion != next || sc.IsRestore() || sc.Timestamp.After(until) {
			break
		}
		work := cur.Clone()
		if err := state.ApplyChanges(work, sc.Changes, m.appliers); err != nil {
			m.logger.Warn("stopping history replay",
				"context_id", id,
				"version", sc.ResultingVersion,
				"error", err)
			break
		}
		work.Version = sc.ResultingVersion
		work.UpdatedAt = sc.Timestamp
		cur = work
		next++
		replayed++
	}
	if replayed == 0 {
		return snap
	}

	out := snap.Clone()
	out.State = cur
	if out.Metadata == nil {
		out.Metadata = make(map[string]string)
	}
	out.Metadata[MetadataRolledForward] = strconv.FormatUint(cur.Version, 10)

	m.logger.Debug("replayed history after snapshot",
		"context_id", id,
		"snapshot_id", snap.ID,
		"entries", replayed,
		"version", cur.Version)
	return out
}
