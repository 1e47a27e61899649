// ABOUTME: Tests for the per-context state store
// ABOUTME: Covers commits, conflicts, duplicates, cancellation, restore and concurrent writers

package statestore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-context/internal/history"
	"github.com/2389/coven-context/internal/state"
)

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

type commitRecorder struct {
	mu      sync.Mutex
	commits [][2]*state.State
}

func (r *commitRecorder) record(old, new *state.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, [2]*state.State{old, new})
}

func (r *commitRecorder) all() [][2]*state.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]*state.State(nil), r.commits...)
}

func acceptProposed(_ context.Context, c *state.Conflict) (*state.Resolution, error) {
	p := c.Proposed()
	if p == nil {
		return nil, errors.New("changes do not apply")
	}
	return &state.Resolution{State: p, Changes: []state.StateChange{c.Incoming()}}, nil
}

func newTestStore(t *testing.T, resolve Resolver) (*Store, *commitRecorder) {
	t.Helper()
	rec := &commitRecorder{}
	s := New(Options{
		History:  history.New(10, nil),
		Resolve:  resolve,
		OnCommit: rec.record,
		Now:      func() time.Time { return testNow },
	})
	return s, rec
}

func set(base uint64, path string, value any) state.Update {
	return state.Update{BaseVersion: base, Changes: []state.Change{state.Set(path, value)}}
}

func TestStore_Create(t *testing.T) {
	s, _ := newTestStore(t, nil)

	st, err := s.Create("c1", map[string]string{"owner": "ops"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Version)
	assert.Empty(t, st.Data)
	assert.Equal(t, "ops", st.Metadata["owner"])
	assert.Equal(t, testNow, st.CreatedAt)

	_, err = s.Create("c1", nil)
	assert.ErrorIs(t, err, state.ErrAlreadyExists)

	_, err = s.Create("", nil)
	assert.ErrorIs(t, err, state.ErrInvalidState)
}

func TestStore_ApplyCommits(t *testing.T) {
	s, rec := newTestStore(t, nil)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)

	st, err := s.Apply(t.Context(), "c1", set(0, "user.name", "Alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, "Alice", st.Data["user.name"])

	latest, ok := s.History().Latest("c1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), latest.ResultingVersion)
	assert.Equal(t, []state.Change{state.Set("user.name", "Alice")}, latest.Changes)

	commits := rec.all()
	require.Len(t, commits, 1)
	assert.Equal(t, uint64(0), commits[0][0].Version)
	assert.Equal(t, uint64(1), commits[0][1].Version)
}

func TestStore_ApplyUnknownContext(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Apply(t.Context(), "nope", set(0, "k", 1))
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestStore_ApplyInvalidLeavesStateUntouched(t *testing.T) {
	s, rec := newTestStore(t, nil)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "name", "Alice"))
	require.NoError(t, err)

	_, err = s.Apply(t.Context(), "c1", state.Update{
		BaseVersion: 1,
		Changes: []state.Change{
			state.Set("other", 1),
			state.Append("name", "Bob"),
		},
	})
	assert.ErrorIs(t, err, state.ErrInvalidState)

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version)
	assert.NotContains(t, st.Data, "other")
	assert.Equal(t, 1, s.History().Len("c1"))
	assert.Len(t, rec.all(), 1)

	_, err = s.Apply(t.Context(), "c1", state.Update{BaseVersion: 1})
	assert.ErrorIs(t, err, state.ErrInvalidState)
}

func TestStore_StaleUpdateWithoutResolverIsUnresolvable(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "user.name", "Alice"))
	require.NoError(t, err)

	_, err = s.Apply(t.Context(), "c1", set(0, "user.role", "Admin"))
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrConflict)
	assert.ErrorIs(t, err, state.ErrUnresolvable)

	c, ok := state.Conflicted(err)
	require.True(t, ok)
	assert.Equal(t, state.ConflictConcurrent, c.Type)
	assert.Equal(t, uint64(0), c.BaseVersion)
	assert.Equal(t, uint64(1), c.CurrentVersion)
	require.Len(t, c.Committed(), 1)
	assert.Equal(t, uint64(2), c.Incoming().ResultingVersion)
	require.NotNil(t, c.Proposed())
	assert.Equal(t, "Admin", c.Proposed().Data["user.role"])

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version)
}

func TestStore_StaleUpdateResolved(t *testing.T) {
	s, rec := newTestStore(t, acceptProposed)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "user.name", "Alice"))
	require.NoError(t, err)

	st, err := s.Apply(t.Context(), "c1", set(0, "user.role", "Admin"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Version)
	assert.Equal(t, "Alice", st.Data["user.name"])
	assert.Equal(t, "Admin", st.Data["user.role"])
	assert.Len(t, rec.all(), 2)

	latest, _ := s.History().Latest("c1")
	assert.Equal(t, uint64(2), latest.ResultingVersion)
}

func TestStore_SupersededUpdateReturnsConflict(t *testing.T) {
	keep := func(_ context.Context, c *state.Conflict) (*state.Resolution, error) {
		return &state.Resolution{State: c.Current(), Metadata: map[string]string{"outcome": "superseded"}}, nil
	}
	s, rec := newTestStore(t, keep)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "k", "first"))
	require.NoError(t, err)

	_, err = s.Apply(t.Context(), "c1", set(0, "k", "second"))
	assert.ErrorIs(t, err, state.ErrSuperseded)
	assert.ErrorIs(t, err, state.ErrUnresolvable)
	c, ok := state.Conflicted(err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.CurrentVersion)

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, "first", st.Data["k"])
	assert.Len(t, rec.all(), 1)
}

func TestStore_BaseAheadIsRejectedBeforeResolution(t *testing.T) {
	var calls int
	accept := func(ctx context.Context, c *state.Conflict) (*state.Resolution, error) {
		calls++
		return acceptProposed(ctx, c)
	}
	s, rec := newTestStore(t, accept)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)

	_, err = s.Apply(t.Context(), "c1", set(99, "k", "v"))
	assert.ErrorIs(t, err, state.ErrUnresolvable)
	c, ok := state.Conflicted(err)
	require.True(t, ok)
	assert.Equal(t, state.ConflictVersion, c.Type)
	assert.Equal(t, uint64(99), c.BaseVersion)
	assert.Zero(t, calls)

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Version)
	assert.Empty(t, rec.all())
}

func TestStore_ResolverErrorIsStrategyFailure(t *testing.T) {
	boom := errors.New("boom")
	s, _ := newTestStore(t, func(context.Context, *state.Conflict) (*state.Resolution, error) {
		return nil, boom
	})
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "a", 1))
	require.NoError(t, err)

	_, err = s.Apply(t.Context(), "c1", set(0, "b", 1))
	assert.ErrorIs(t, err, state.ErrStrategyFailed)
	assert.ErrorIs(t, err, boom)
	_, ok := state.Conflicted(err)
	assert.True(t, ok)
}

func TestStore_DuplicateStaleUpdateIsRejected(t *testing.T) {
	s, _ := newTestStore(t, acceptProposed)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)

	upd := state.Update{BaseVersion: 0, Changes: []state.Change{state.Increment("hits", 1)}}
	_, err = s.Apply(t.Context(), "c1", upd)
	require.NoError(t, err)

	_, err = s.Apply(t.Context(), "c1", upd)
	assert.ErrorIs(t, err, state.ErrUnresolvable)

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, int64(1), st.Data["hits"])
}

func TestStore_VersionConflicts(t *testing.T) {
	var seen []*state.Conflict
	record := func(_ context.Context, c *state.Conflict) (*state.Resolution, error) {
		seen = append(seen, c)
		return nil, &state.ConflictError{Reason: state.ErrUnresolvable, Conflict: c}
	}
	s := New(Options{History: history.New(1, nil), Resolve: record})
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	for v := uint64(0); v < 3; v++ {
		_, err = s.Apply(t.Context(), "c1", set(v, fmt.Sprintf("k%d", v), v))
		require.NoError(t, err)
	}

	// History since the base has been evicted.
	_, err = s.Apply(t.Context(), "c1", set(0, "y", 1))
	assert.ErrorIs(t, err, state.ErrUnresolvable)

	require.Len(t, seen, 1)
	assert.Equal(t, state.ConflictVersion, seen[0].Type)
	assert.Empty(t, seen[0].Committed())
}

func TestStore_CancelledApplyLeavesState(t *testing.T) {
	s, rec := newTestStore(t, nil)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = s.Apply(ctx, "c1", set(0, "k", 1))
	assert.ErrorIs(t, err, context.Canceled)

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Version)
	assert.Equal(t, 0, s.History().Len("c1"))
	assert.Empty(t, rec.all())
}

func TestStore_CancelDuringResolutionLeavesState(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	s, _ := newTestStore(t, func(rctx context.Context, c *state.Conflict) (*state.Resolution, error) {
		cancel()
		return acceptProposed(rctx, c)
	})
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "a", 1))
	require.NoError(t, err)

	_, err = s.Apply(ctx, "c1", set(0, "b", 1))
	assert.ErrorIs(t, err, context.Canceled)

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, 1, s.History().Len("c1"))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "list", []any{"a"}))
	require.NoError(t, err)

	st, err := s.Get("c1")
	require.NoError(t, err)
	st.Data["list"].([]any)[0] = "mutated"
	st.Version = 99

	again, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again.Version)
	assert.Equal(t, "a", again.Data["list"].([]any)[0])
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "k", 1))
	require.NoError(t, err)

	require.NoError(t, s.Delete("c1"))
	_, err = s.Get("c1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	assert.Equal(t, 0, s.History().Len("c1"))
	assert.ErrorIs(t, s.Delete("c1"), state.ErrNotFound)

	// The id can be reused.
	st, err := s.Create("c1", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Version)
}

func TestStore_RecreatedContextKeepsItsHistory(t *testing.T) {
	s, _ := newTestStore(t, nil)
	for range 50 {
		_, err := s.Create("c1", nil)
		require.NoError(t, err)
		_, err = s.Apply(t.Context(), "c1", set(0, "k", 1))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Delete("c1"))
		}()
		for {
			if _, err := s.Create("c1", nil); err == nil {
				break
			}
			runtime.Gosched()
		}
		_, err = s.Apply(t.Context(), "c1", set(0, "k", 2))
		require.NoError(t, err)
		wg.Wait()

		st, err := s.Get("c1")
		require.NoError(t, err)
		assert.Equal(t, int(st.Version), s.History().Len("c1"))
		require.NoError(t, s.Delete("c1"))
	}
}

func TestStore_IDs(t *testing.T) {
	s, _ := newTestStore(t, nil)
	for _, id := range []string{"b", "a", "c"} {
		_, err := s.Create(id, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, s.IDs())
}

func TestStore_RestoreBumpsPastBothVersions(t *testing.T) {
	s, rec := newTestStore(t, nil)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "k", "old"))
	require.NoError(t, err)

	snapState, err := s.Get("c1")
	require.NoError(t, err)
	snap := &state.Snapshot{ID: "s1", ContextID: "c1", Timestamp: testNow, State: snapState}

	for v := uint64(1); v < 4; v++ {
		_, err = s.Apply(t.Context(), "c1", set(v, "k", fmt.Sprintf("v%d", v)))
		require.NoError(t, err)
	}

	restored, err := s.Restore(t.Context(), "c1", snap)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), restored.Version)
	assert.Equal(t, "old", restored.Data["k"])

	marker, ok := s.History().Latest("c1")
	require.True(t, ok)
	assert.True(t, marker.IsRestore())
	assert.Equal(t, uint64(5), marker.ResultingVersion)

	commits := rec.all()
	assert.Equal(t, uint64(5), commits[len(commits)-1][1].Version)

	// A snapshot newer than the live state still moves the version forward.
	ahead := snap.Clone()
	ahead.State.Version = 40
	restored, err = s.Restore(t.Context(), "c1", ahead)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), restored.Version)
}

func TestStore_RestoreCreatesMissingContext(t *testing.T) {
	s, rec := newTestStore(t, nil)
	snapState := state.New("c9", testNow)
	snapState.Version = 3
	snapState.Data["k"] = "v"

	restored, err := s.Restore(t.Context(), "c9", &state.Snapshot{ID: "s1", ContextID: "c9", State: snapState})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), restored.Version)

	commits := rec.all()
	require.Len(t, commits, 1)
	assert.Nil(t, commits[0][0])

	got, err := s.Get("c9")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Data["k"])
}

func TestStore_CancelledRestoreKeepsState(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), "c1", set(0, "k", "live"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	snap := &state.Snapshot{ID: "s1", ContextID: "c1", State: state.New("c1", testNow)}
	_, err = s.Restore(ctx, "c1", snap)
	assert.ErrorIs(t, err, state.ErrSwapFailed)
	assert.ErrorIs(t, err, state.ErrRecovery)

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, "live", st.Data["k"])

	// A cancelled restore of an unknown id leaves nothing behind.
	_, err = s.Restore(ctx, "ghost", snap)
	assert.ErrorIs(t, err, state.ErrSwapFailed)
	_, err = s.Get("ghost")
	assert.ErrorIs(t, err, state.ErrNotFound)
	assert.NotContains(t, s.IDs(), "ghost")
}

func TestStore_ConcurrentWritersProduceOneChain(t *testing.T) {
	s, rec := newTestStore(t, acceptProposed)
	_, err := s.Create("c1", nil)
	require.NoError(t, err)

	const writers = 20
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.Apply(context.Background(), "c1", set(0, fmt.Sprintf("k%d", i), i))
			assert.NoError(t, err)
		}(i)
	}
	close(start)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writers did not finish")
	}

	st, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), st.Version)
	assert.Len(t, st.Data, writers)

	commits := rec.all()
	require.Len(t, commits, writers)
	for i, c := range commits {
		assert.Equal(t, uint64(i+1), c[1].Version)
	}
}

func TestStore_DistinctContextsDoNotBlock(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	s, _ := newTestStore(t, func(ctx context.Context, c *state.Conflict) (*state.Resolution, error) {
		close(blocked)
		<-release
		return acceptProposed(ctx, c)
	})
	for _, id := range []string{"slow", "fast"} {
		_, err := s.Create(id, nil)
		require.NoError(t, err)
	}
	_, err := s.Apply(t.Context(), "slow", set(0, "a", 1))
	require.NoError(t, err)

	go func() {
		_, _ = s.Apply(context.Background(), "slow", set(0, "b", 1))
	}()
	<-blocked

	_, err = s.Apply(t.Context(), "fast", set(0, "a", 1))
	assert.NoError(t, err)
	_, err = s.Get("fast")
	assert.NoError(t, err)

	close(release)
}
