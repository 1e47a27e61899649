// Package state defines the data model shared by every context component.
//
// # Overview
//
// A context is a named unit of versioned application state. Its live value is a
// State owned exclusively by the state store; everything else (history entries,
// snapshots, subscriber notifications) works on deep copies produced by Clone.
//
// Core types:
//
//   - State: id, monotonically increasing version, Data, timestamps, metadata
//   - Change: one mutation primitive (set, remove, increment, append, custom)
//   - Update: ordered changes plus the base version the caller observed
//   - StateChange: immutable history entry describing a committed update
//   - Snapshot: immutable point-in-time copy of a State
//   - Conflict / Resolution: input and output of conflict strategies
//
// # Values
//
// Data values must be JSON compatible: nil, bool, string, numbers,
// []any, map[string]any, []string and map[string]string. Anything else is
// rejected with ErrInvalidState so that copies are always deep.
//
// # Change semantics
//
//   - Set replaces the value at a path.
//   - Remove deletes a path; removing a missing path is a no-op.
//   - Increment adds to a numeric value. A missing or non-numeric value is
//     treated as 0 first. Integers stay int64 while the amount is integral.
//   - Append adds to a list. A missing path starts a new list; appending to a
//     non-list value fails with ErrInvalidState.
//   - Custom is applied by a CustomFunc registered for its kind; unknown kinds
//     fail with ErrInvalidState.
//
// # Errors
//
// Every failure maps to one sentinel (ErrNotFound, ErrAlreadyExists,
// ErrInvalidState, ErrConflict, ErrRecovery, ErrPersistence, ErrSync) and the
// typed errors ConflictError, RecoveryError, PersistenceError and SyncError
// unwrap to them, so callers match with errors.Is and errors.As.
package state
