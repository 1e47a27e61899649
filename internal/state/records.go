// ABOUTME: History entries, snapshots, conflicts and resolutions
// ABOUTME: Immutable records exchanged between the store, history, resolver and recovery

package state

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// StateChange is the history entry for one committed update.
type StateChange struct {
	ContextID        string    `json:"context_id"`
	Changes          []Change  `json:"changes"`
	ResultingVersion uint64    `json:"resulting_version"`
	Timestamp        time.Time `json:"timestamp"`
}

// Clone returns a deep copy of sc.
func (sc StateChange) Clone() StateChange {
	sc.Changes = CloneChanges(sc.Changes)
	return sc
}

// IsRestore reports whether sc records a recovery swap rather than data changes.
func (sc StateChange) IsRestore() bool {
	for _, c := range sc.Changes {
		if c.Kind == ChangeCustom && c.CustomKind == CustomKindRestore {
			return true
		}
	}
	return false
}

// Snapshot is an immutable point-in-time copy of a context.
type Snapshot struct {
	ID        string            `json:"id"`
	ContextID string            `json:"context_id"`
	Timestamp time.Time         `json:"timestamp"`
	State     *State            `json:"state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Version returns the version of the captured state.
func (s *Snapshot) Version() uint64 {
	if s == nil || s.State == nil {
		return 0
	}
	return s.State.Version
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.State = s.State.Clone()
	out.Metadata = maps.Clone(s.Metadata)
	return &out
}

// ConflictType classifies a conflict.
type ConflictType int

const (
	// ConflictConcurrent means another update committed from the same base.
	ConflictConcurrent ConflictType = iota + 1
	// ConflictVersion means the base version cannot be related to current history.
	ConflictVersion
	// ConflictSchema means both sides touched the same path.
	ConflictSchema
	// ConflictCustom is raised by extension strategies; Conflict.Name says which.
	ConflictCustom
)

func (t ConflictType) String() string {
	switch t {
	case ConflictConcurrent:
		return "concurrent"
	case ConflictVersion:
		return "version"
	case ConflictSchema:
		return "schema"
	case ConflictCustom:
		return "custom"
	default:
		return fmt.Sprintf("ConflictType(%d)", int(t))
	}
}

// Conflict describes a stale update that could not be applied directly.
type Conflict struct {
	ID             string
	Type           ConflictType
	Name           string // set for ConflictCustom
	ContextID      string
	BaseVersion    uint64
	CurrentVersion uint64
	Update         Update

	// CandidateStates holds the committed state first and, when the incoming
	// changes apply cleanly on top of it, the proposed state second.
	CandidateStates []*State
	// CandidateChanges holds the retained history entries committed after
	// BaseVersion followed by the pending incoming entry.
	CandidateChanges []StateChange

	Timestamp time.Time
}

// TypeName returns the custom name for ConflictCustom and the type otherwise.
func (c *Conflict) TypeName() string {
	if c.Type == ConflictCustom && c.Name != "" {
		return c.Name
	}
	return c.Type.String()
}

// Current returns the committed state the update conflicted with.
func (c *Conflict) Current() *State {
	if len(c.CandidateStates) == 0 {
		return nil
	}
	return c.CandidateStates[0]
}

// Proposed returns the committed state with the incoming changes applied,
// or nil when they do not apply.
func (c *Conflict) Proposed() *State {
	if len(c.CandidateStates) < 2 {
		return nil
	}
	return c.CandidateStates[1]
}

// Committed returns the history entries committed after the base version.
func (c *Conflict) Committed() []StateChange {
	if len(c.CandidateChanges) == 0 {
		return nil
	}
	return c.CandidateChanges[:len(c.CandidateChanges)-1]
}

// Incoming returns the pending entry built from the stale update.
func (c *Conflict) Incoming() StateChange {
	if len(c.CandidateChanges) == 0 {
		return StateChange{}
	}
	return c.CandidateChanges[len(c.CandidateChanges)-1]
}

// Clone returns a deep copy of c.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.Update = c.Update.Clone()
	out.CandidateStates = make([]*State, len(c.CandidateStates))
	for i, s := range c.CandidateStates {
		out.CandidateStates[i] = s.Clone()
	}
	out.CandidateChanges = make([]StateChange, len(c.CandidateChanges))
	for i, sc := range c.CandidateChanges {
		out.CandidateChanges[i] = sc.Clone()
	}
	return &out
}

// WithType returns a copy of c reclassified as t.
func (c *Conflict) WithType(t ConflictType, name string) *Conflict {
	out := c.Clone()
	out.Type = t
	out.Name = name
	return out
}

// Resolution is the outcome chosen by a conflict strategy. An empty Changes
// list means the committed state stands and nothing is written.
type Resolution struct {
	State    *State
	Changes  []StateChange
	Metadata map[string]string
}

// FlatChanges returns every change of the resolution in commit order.
func (r *Resolution) FlatChanges() []Change {
	var out []Change
	for _, sc := range r.Changes {
		out = append(out, CloneChanges(sc.Changes)...)
	}
	return slices.Clip(out)
}
