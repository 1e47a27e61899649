// Package recovery restores contexts from snapshots.
//
// A Strategy picks one snapshot from the ordered list retained for a context.
// Manager.Recover asks the snapshot manager for that list, falls back to
// durable storage when memory has nothing suitable, and swaps the selected
// state into the state store. The restored version is always one past both
// the live and the snapshot version, and the swap is recorded in history.
//
// Point-in-time strategies additionally replay retained history committed
// after the snapshot, up to the target time. Replay stops at the first gap or
// restore marker, so eviction degrades to plain snapshot recovery.
package recovery
