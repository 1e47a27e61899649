// Package statestore owns the live, versioned state of every context.
//
// Each context has its own entry lock, so operations on distinct contexts never
// contend. Reads take the entry's read lock and return copies. Writes hold the
// entry's write lock for validate, apply, version bump and history append, and
// build the next state on a copy that only replaces the live one once every
// step has succeeded. A cancelled or failed write therefore leaves the entry
// exactly as it was.
//
// Stale updates (base version behind or ahead of the current version) are
// turned into a state.Conflict and handed to the configured resolver. The
// commit hook is invoked under the entry lock so hook order matches commit
// order; hooks must only enqueue work.
package statestore
