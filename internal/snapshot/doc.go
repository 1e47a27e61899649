// Package snapshot captures and retains point-in-time copies of contexts.
//
// # Retention
//
// Each context keeps at most MaxPerContext snapshots in memory, oldest first.
// Capturing past the limit evicts the oldest snapshot. Every retained snapshot
// pins its version in the history log so roll-forward recovery can rely on it.
//
// # Persistence
//
// When a BlobStore is configured, captured snapshots are written in the
// background with exponential backoff. Writes for one context run in capture
// order on a single goroutine and never under a state lock. When retries are
// exhausted the failure is logged and passed to Options.OnDegraded; live
// reads and writes are unaffected.
//
// # Scheduling
//
// Run captures every context whose version moved since its last snapshot, on
// a fixed interval, with bounded concurrency.
package snapshot
