// Package history keeps the bounded, ordered record of committed changes for
// each context.
//
// Every context has its own log holding at most Capacity entries ordered by
// resulting version. Appending past capacity evicts the oldest entry that is
// not pinned; snapshot managers pin the entry matching a retained snapshot's
// version so that eviction never drops it. Gaps therefore only appear through
// eviction, and recovery must tolerate them.
//
// Range returns an iter.Seq that reads the log each time it is ranged over, so
// the same sequence can be replayed and never observes a half-applied append.
package history
