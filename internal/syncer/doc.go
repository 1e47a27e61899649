// Package syncer propagates committed state to local subscribers.
//
// The store's commit hook calls Synchronize while it still holds the
// context's write lock. Synchronize only enqueues a SyncEvent on the context's
// FIFO queue, so queue order is commit order. A per-context drainer goroutine
// delivers queued events outside every lock, one at a time, to the
// subscribers registered when the event is delivered, in subscription order.
// Subscribers therefore see strictly increasing versions for a context and
// never hold up a writer.
//
// A subscriber that fails or panics is logged and reported on the Errors
// channel as a *state.SyncError. Its failure never reaches the writer.
//
// Errors concerning a context that are not tied to one commit (an
// unresolved conflict, a snapshot that could not be persisted) are queued
// with ReportError and delivered through Subscriber.OnError in the same
// order as state events.
//
// Watch offers the same stream as a buffered channel. Slow channel readers
// lose events rather than stall delivery; they catch up through the store.
package syncer
