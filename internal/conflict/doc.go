// Package conflict adjudicates stale updates.
//
// A Registry holds an ordered list of strategies. Built-in strategies are named
// by Kind; extensions are registered under a name. Resolve asks every strategy
// whether it can handle the conflict and invokes the one with the highest
// priority, the first registered winning ties. When no strategy claims the
// conflict the Reject fallback fails it as unresolvable, so the store never
// silently picks a winner.
//
// Built-ins:
//
//   - LastWriterWins keeps whichever side carries the later logical timestamp.
//     It only claims concurrent conflicts, where the history since the base
//     is complete.
//   - MergeByPath applies the incoming Set and Append changes when they touch
//     paths disjoint from everything committed since the base version.
//   - Reject always fails with state.ErrUnresolvable.
package conflict
