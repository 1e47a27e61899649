// ABOUTME: Canonical per-context state with atomic apply, version bump and history append
// ABOUTME: Per-context locking, copy-then-swap commits and conflict construction for stale updates

package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-context/internal/history"
	"github.com/2389/coven-context/internal/state"
)

// Resolver adjudicates a conflict raised by a stale update.
type Resolver func(ctx context.Context, c *state.Conflict) (*state.Resolution, error)

// CommitFunc is told about every committed transition. old is nil when the
// commit created the context. It runs under the context's write lock and
// must not block.
type CommitFunc func(old, new *state.State)

// Options configures a Store.
type Options struct {
	// History receives one entry per commit. Defaults to a log of
	// history.DefaultCapacity entries per context.
	History *history.Log
	// Resolve handles stale updates. When nil every conflict is unresolvable.
	Resolve Resolver
	// OnCommit is invoked after each commit.
	OnCommit CommitFunc
	// Appliers handle custom changes by kind.
	Appliers state.Appliers
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	mu      sync.RWMutex
	state   *state.State
	deleted bool
}

// Store holds the live state of every context.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	history  *history.Log
	resolve  Resolver
	onCommit CommitFunc
	appliers state.Appliers
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hist := opts.History
	if hist == nil {
		hist = history.New(history.DefaultCapacity, logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries:  make(map[string]*entry),
		history:  hist,
		resolve:  opts.Resolve,
		onCommit: opts.OnCommit,
		appliers: maps.Clone(opts.Appliers),
		logger:   logger.With("component", "statestore"),
		now:      now,
	}
}

// History returns the log the store appends to.
func (s *Store) History() *history.Log {
	return s.history
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Create initializes a version 0 context with empty data.
func (s *Store) Create(id string, metadata map[string]string) (*state.State, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: context id is required", state.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		return nil, fmt.Errorf("%w: %q", state.ErrAlreadyExists, id)
	}

	st := state.New(id, s.now())
	maps.Copy(st.Metadata, metadata)
	s.entries[id] = &entry{state: st}

	s.logger.Debug("context created", "context_id", id)
	return st.Clone(), nil
}

// Get returns a copy of the current state of id.
func (s *Store) Get(id string) (*state.State, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %q", state.ErrNotFound, id)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.deleted || e.state == nil {
		return nil, fmt.Errorf("%w: %q", state.ErrNotFound, id)
	}
	return e.state.Clone(), nil
}

// IDs returns the ids of every live context, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.entries))
}

// Delete removes the state and history of id. The id stays taken until its
// history is gone, so a context re-created under it starts with none.
func (s *Store) Delete(id string) error {
	e := s.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %q", state.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("%w: %q", state.ErrNotFound, id)
	}
	e.deleted = true
	e.state = nil
	s.history.Purge(id)

	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.logger.Debug("context deleted", "context_id", id)
	return nil
}

// Apply commits upd to id. When upd.BaseVersion is behind the current version
// the update is routed to the resolver. A base ahead of the current version, a
// failed resolution and a resolution that keeps the committed state all return
// a *state.ConflictError and leave the context untouched.
func (s *Store) Apply(ctx context.Context, id string, upd state.Update) (*state.State, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	e := s.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %q", state.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted || e.state == nil {
		return nil, fmt.Errorf("%w: %q", state.ErrNotFound, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	upd = upd.Clone()
	if upd.Timestamp.IsZero() {
		upd.Timestamp = now
	}

	cur := e.state
	var next *state.State
	var committed []state.Change

	if upd.BaseVersion > cur.Version {
		// The caller claims a version that was never committed.
		return nil, &state.ConflictError{
			Reason:   state.ErrUnresolvable,
			Conflict: s.buildConflict(id, cur, upd, now),
			Err:      fmt.Errorf("base version %d is ahead of version %d", upd.BaseVersion, cur.Version),
		}
	}

	if upd.BaseVersion == cur.Version {
		next = cur.Clone()
		if err := state.ApplyChanges(next, upd.Changes, s.appliers); err != nil {
			return nil, err
		}
		committed = upd.Changes
	} else {
		c := s.buildConflict(id, cur, upd, now)
		res, err := s.resolveConflict(ctx, c)
		if err != nil {
			return nil, err
		}
		if len(res.Changes) == 0 {
			return nil, &state.ConflictError{
				Reason:   state.ErrUnresolvable,
				Conflict: c,
				Err:      state.ErrSuperseded,
			}
		}
		committed = res.FlatChanges()
		next = res.State.Clone()
		if next == nil {
			next = cur.Clone()
			if err := state.ApplyChanges(next, committed, s.appliers); err != nil {
				return nil, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next.ID = id
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = now

	if err := s.history.Append(state.StateChange{
		ContextID:        id,
		Changes:          committed,
		ResultingVersion: next.Version,
		Timestamp:        now,
	}); err != nil {
		return nil, fmt.Errorf("recording history: %w", err)
	}

	e.state = next
	s.commit(cur, next)

	s.logger.Debug("update committed",
		"context_id", id,
		"version", next.Version,
		"changes", len(committed))
	return next.Clone(), nil
}

func (s *Store) commit(old, next *state.State) {
	if s.onCommit == nil {
		return
	}
	s.onCommit(old.Clone(), next.Clone())
}

// buildConflict describes a stale update against cur. Must be called with the
// entry lock held.
func (s *Store) buildConflict(id string, cur *state.State, upd state.Update, now time.Time) *state.Conflict {
	var committed []state.StateChange
	if upd.BaseVersion < cur.Version {
		committed = s.history.Since(id, upd.BaseVersion)
	}

	typ := state.ConflictVersion
	if n := len(committed); n > 0 &&
		committed[0].ResultingVersion == upd.BaseVersion+1 &&
		committed[n-1].ResultingVersion == cur.Version {
		typ = state.ConflictConcurrent
	}

	states := []*state.State{cur.Clone()}
	proposed := cur.Clone()
	if err := state.ApplyChanges(proposed, upd.Changes, s.appliers); err == nil {
		proposed.Version = cur.Version + 1
		proposed.UpdatedAt = now
		states = append(states, proposed)
	}

	incoming := state.StateChange{
		ContextID:        id,
		Changes:          state.CloneChanges(upd.Changes),
		ResultingVersion: cur.Version + 1,
		Timestamp:        upd.Timestamp,
	}

	return &state.Conflict{
		ID:               uuid.NewString(),
		Type:             typ,
		ContextID:        id,
		BaseVersion:      upd.BaseVersion,
		CurrentVersion:   cur.Version,
		Update:           upd.Clone(),
		CandidateStates:  states,
		CandidateChanges: append(committed, incoming),
		Timestamp:        now,
	}
}

func (s *Store) resolveConflict(ctx context.Context, c *state.Conflict) (*state.Resolution, error) {
	// Replaying a change list that already committed after the base is never
	// applied twice, whatever the strategies would say.
	for _, sc := range c.Committed() {
		if state.SameChanges(sc.Changes, c.Update.Changes) {
			s.logger.Info("duplicate update rejected",
				"context_id", c.ContextID,
				"base_version", c.BaseVersion,
				"duplicate_of", sc.ResultingVersion)
			return nil, &state.ConflictError{
				Reason:   state.ErrUnresolvable,
				Conflict: c,
				Err:      fmt.Errorf("changes already committed at version %d", sc.ResultingVersion),
			}
		}
	}

	if s.resolve == nil {
		return nil, &state.ConflictError{Reason: state.ErrUnresolvable, Conflict: c}
	}

	res, err := s.resolve(ctx, c)
	if err != nil {
		s.logger.Info("conflict not resolved",
			"context_id", c.ContextID,
			"conflict_id", c.ID,
			"type", c.TypeName(),
			"error", err)
		if _, ok := state.Conflicted(err); ok {
			return nil, err
		}
		return nil, &state.ConflictError{Reason: state.ErrStrategyFailed, Conflict: c, Err: err}
	}
	if res == nil {
		return nil, &state.ConflictError{Reason: state.ErrStrategyFailed, Conflict: c, Err: fmt.Errorf("empty resolution")}
	}
	return res, nil
}

// Restore replaces the live state of id with the state captured in snap. The
// restored version is one past the greater of the current and snapshot
// versions, and a restore marker is appended to history. The context is
// created when it does not exist. On failure the previous state is kept.
func (s *Store) Restore(ctx context.Context, id string, snap *state.Snapshot) (*state.State, error) {
	if snap == nil || snap.State == nil {
		return nil, &state.RecoveryError{ContextID: id, Reason: state.ErrNoValidSnapshot}
	}

	e, created := s.lockForRestore(id)
	defer e.mu.Unlock()

	abandon := func() {
		if !created {
			return
		}
		e.deleted = true
		s.mu.Lock()
		if s.entries[id] == e {
			delete(s.entries, id)
		}
		s.mu.Unlock()
	}

	if e.deleted {
		return nil, &state.RecoveryError{ContextID: id, Reason: state.ErrSwapFailed, Err: state.ErrNotFound}
	}

	restored := snap.State.Clone()
	var curVersion uint64
	if e.state != nil {
		curVersion = e.state.Version
	}
	now := s.now().UTC()
	restored.ID = id
	restored.Version = max(curVersion, snap.Version()) + 1
	restored.UpdatedAt = now

	if err := ctx.Err(); err != nil {
		abandon()
		return nil, &state.RecoveryError{ContextID: id, Reason: state.ErrSwapFailed, Err: err}
	}

	marker := state.StateChange{
		ContextID: id,
		Changes: []state.Change{state.Custom(state.CustomKindRestore, map[string]any{
			"snapshot_id":      snap.ID,
			"snapshot_version": snap.Version(),
		})},
		ResultingVersion: restored.Version,
		Timestamp:        now,
	}
	if err := s.history.Append(marker); err != nil {
		abandon()
		return nil, &state.RecoveryError{ContextID: id, Reason: state.ErrSwapFailed, Err: err}
	}

	old := e.state
	e.state = restored
	s.commit(old, restored)

	s.logger.Info("context restored",
		"context_id", id,
		"snapshot_id", snap.ID,
		"snapshot_version", snap.Version(),
		"version", restored.Version)
	return restored.Clone(), nil
}

// lockForRestore returns the write-locked entry of id, inserting a new one
// when id is unknown. A new entry is locked before it becomes visible.
func (s *Store) lockForRestore(id string) (*entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		e.mu.Lock()
		s.entries[id] = e
		s.mu.Unlock()
		return e, true
	}
	s.mu.Unlock()

	e.mu.Lock()
	return e, false
}
