// ABOUTME: Built-in conflict strategies: last-writer-wins, merge-by-path and reject
// ABOUTME: Each works on the committed and proposed candidates carried by the conflict

package conflict

import (
	"fmt"

	"github.com/2389/coven-context/internal/state"
)

type lastWriterWins struct{}

func (lastWriterWins) Priority() int { return PriorityLastWriterWins }

// CanResolve claims concurrent conflicts only. A version conflict has lost
// the history since its base, so the incoming update may already be in it.
func (lastWriterWins) CanResolve(c *state.Conflict) bool {
	return c.Type == state.ConflictConcurrent && c.Proposed() != nil
}

// Resolve accepts the incoming update when its timestamp is later than every
// committed entry since the base. Otherwise the committed state stands.
func (lastWriterWins) Resolve(c *state.Conflict) (*state.Resolution, error) {
	incoming := c.Incoming()
	for _, sc := range c.Committed() {
		if !incoming.Timestamp.After(sc.Timestamp) {
			return &state.Resolution{
				State:    c.Current(),
				Metadata: map[string]string{"outcome": "superseded"},
			}, nil
		}
	}
	return &state.Resolution{
		State:    c.Proposed(),
		Changes:  []state.StateChange{incoming},
		Metadata: map[string]string{"outcome": "accepted"},
	}, nil
}

type mergeByPath struct{}

func (mergeByPath) Priority() int { return PriorityMergeByPath }

func (mergeByPath) CanResolve(c *state.Conflict) bool {
	if c.Type != state.ConflictConcurrent || c.Proposed() == nil {
		return false
	}
	for _, ch := range c.Update.Changes {
		if ch.Kind != state.ChangeSet && ch.Kind != state.ChangeAppend {
			return false
		}
	}
	for _, sc := range c.Committed() {
		if sc.IsRestore() {
			return false
		}
	}
	return true
}

// Resolve applies the incoming changes when no path they touch was touched by
// a commit since the base. An overlap fails as a schema conflict.
func (mergeByPath) Resolve(c *state.Conflict) (*state.Resolution, error) {
	touched := make(map[string]uint64)
	for _, sc := range c.Committed() {
		for _, ch := range sc.Changes {
			if path, ok := ch.TouchedPath(); ok {
				touched[path] = sc.ResultingVersion
			}
		}
	}

	for _, ch := range c.Update.Changes {
		if v, ok := touched[ch.Path]; ok {
			return nil, &state.ConflictError{
				Reason:   state.ErrStrategyFailed,
				Conflict: c.WithType(state.ConflictSchema, ""),
				Err:      fmt.Errorf("path %q also changed at version %d", ch.Path, v),
			}
		}
	}

	return &state.Resolution{
		State:    c.Proposed(),
		Changes:  []state.StateChange{c.Incoming()},
		Metadata: map[string]string{"outcome": "merged"},
	}, nil
}

type reject struct{}

func (reject) Priority() int { return PriorityReject }

func (reject) CanResolve(*state.Conflict) bool { return true }

func (reject) Resolve(c *state.Conflict) (*state.Resolution, error) {
	return nil, &state.ConflictError{Reason: state.ErrUnresolvable, Conflict: c}
}
