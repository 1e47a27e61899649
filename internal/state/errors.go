// ABOUTME: Error taxonomy for context management
// ABOUTME: Sentinels for errors.Is plus typed errors carrying conflict and recovery detail

package state

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a context id is unknown.
	ErrNotFound = errors.New("context not found")

	// ErrAlreadyExists is returned when creating a context whose id is taken.
	ErrAlreadyExists = errors.New("context already exists")

	// ErrInvalidState is returned for malformed updates and changes that do
	// not fit the current data, such as appending to a non-list.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict is the parent of every conflict failure.
	ErrConflict = errors.New("conflict")
	// ErrUnresolvable means no strategy accepted the conflict.
	ErrUnresolvable = errors.New("unresolvable conflict")
	// ErrStrategyFailed means the chosen strategy could not produce a resolution.
	ErrStrategyFailed = errors.New("conflict strategy failed")
	// ErrSuperseded means the resolution kept the committed state and
	// discarded the update.
	ErrSuperseded = errors.New("update superseded")

	// ErrRecovery is the parent of every recovery failure.
	ErrRecovery = errors.New("recovery failed")
	// ErrSnapshotNotFound means snapshots exist but none satisfied the strategy.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrNoValidSnapshot means there are no usable snapshots for the context.
	ErrNoValidSnapshot = errors.New("no valid snapshot")
	// ErrSwapFailed means the restored state could not replace the live state.
	ErrSwapFailed = errors.New("state swap failed")

	// ErrPersistence wraps failures of the snapshot storage collaborator.
	ErrPersistence = errors.New("persistence error")

	// ErrSync wraps subscriber notification failures.
	ErrSync = errors.New("sync error")
)

// ConflictError is returned by apply when a stale update cannot be resolved.
// It carries the Conflict so the caller can retry from a fresh base version.
type ConflictError struct {
	Reason   error // ErrUnresolvable or ErrStrategyFailed
	Conflict *Conflict
	Err      error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%v", e.Reason)
	if e.Conflict != nil {
		msg = fmt.Sprintf("%s: %s conflict on %q (base %d, current %d)",
			msg, e.Conflict.TypeName(), e.Conflict.ContextID, e.Conflict.BaseVersion, e.Conflict.CurrentVersion)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() []error {
	errs := []error{ErrConflict}
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// RecoveryError is returned by recover.
type RecoveryError struct {
	ContextID string
	Reason    error // ErrSnapshotNotFound, ErrNoValidSnapshot or ErrSwapFailed
	Err       error
}

func (e *RecoveryError) Error() string {
	msg := fmt.Sprintf("recovering %q: %v", e.ContextID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecoveryError) Unwrap() []error {
	errs := []error{ErrRecovery}
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// PersistenceError wraps an error from the snapshot storage collaborator.
type PersistenceError struct {
	Op         string
	ContextID  string
	SnapshotID string
	Err        error
}

func (e *PersistenceError) Error() string {
	if e.SnapshotID != "" {
		return fmt.Sprintf("persistence %s %s/%s: %v", e.Op, e.ContextID, e.SnapshotID, e.Err)
	}
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.ContextID, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPersistence}
	}
	return []error{ErrPersistence, e.Err}
}

// SyncError reports a subscriber that failed to handle a notification.
// It never affects the commit that produced the notification.
type SyncError struct {
	ContextID  string
	Version    uint64
	Subscriber string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("notifying subscriber %s of %q v%d: %v", e.Subscriber, e.ContextID, e.Version, e.Err)
}

func (e *SyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSync}
	}
	return []error{ErrSync, e.Err}
}

// Conflicted extracts the Conflict from err, if any.
func Conflicted(err error) (*Conflict, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) && ce.Conflict != nil {
		return ce.Conflict, true
	}
	return nil, false
}
