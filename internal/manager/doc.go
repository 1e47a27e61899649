// Package manager is the entry point for everything that reads or mutates
// shared context.
//
// New builds the components once and passes them to each other explicitly:
// the history log is shared by the store, the snapshot manager and the
// recovery manager; the store routes stale updates through the sync manager
// to the conflict registry and hands every commit to the sync manager for
// delivery; snapshot storage failures are reported through the sync manager
// as well. Nothing is read from package-level state.
//
// Besides the create/update/get/delete and recovery operations the Manager
// offers the active-context helpers used by command handlers, and
// RestoreFromStorage, which rebuilds live state from persisted snapshots at
// startup.
package manager
