// ABOUTME: Bounded per-context history of committed state changes
// ABOUTME: Oldest unpinned entries are evicted first; ranges are lazy and restartable

package history

import (
	"container/list"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/2389/coven-context/internal/state"
)

// DefaultCapacity is the number of entries kept per context when none is configured.
const DefaultCapacity = 1000

// ErrOutOfOrder is returned when an entry does not advance the context's version.
var ErrOutOfOrder = errors.New("history entry out of order")

// contextLog holds the entries of a single context, oldest at front.
type contextLog struct {
	mu      sync.RWMutex
	entries *list.List
	pins    map[uint64]int
	evicted uint64
}

// Log is the history of every context.
type Log struct {
	mu       sync.RWMutex
	capacity int
	logs     map[string]*contextLog
	logger   *slog.Logger
}

// New creates a log keeping capacity entries per context. Pass nil logger for default.
func New(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		capacity: capacity,
		logs:     make(map[string]*contextLog),
		logger:   logger.With("component", "history"),
	}
}

// Capacity returns the per-context entry limit.
func (l *Log) Capacity() int {
	return l.capacity
}

func (l *Log) get(id string) *contextLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logs[id]
}

func (l *Log) getOrCreate(id string) *contextLog {
	if cl := l.get(id); cl != nil {
		return cl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cl, ok := l.logs[id]; ok {
		return cl
	}
	cl := &contextLog{
		entries: list.New(),
		pins:    make(map[uint64]int),
	}
	l.logs[id] = cl
	return cl
}

// Append records entry. The entry is copied, so later changes to the caller's
// value are not observed. Versions must strictly increase per context.
func (l *Log) Append(entry state.StateChange) error {
	cl := l.getOrCreate(entry.ContextID)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if back := cl.entries.Back(); back != nil {
		last := back.Value.(state.StateChange)
		if entry.ResultingVersion <= last.ResultingVersion {
			return fmt.Errorf("%w: %q version %d after %d",
				ErrOutOfOrder, entry.ContextID, entry.ResultingVersion, last.ResultingVersion)
		}
	}

	cl.entries.PushBack(entry.Clone())
	if cl.entries.Len() > l.capacity {
		l.evictOldest(entry.ContextID, cl)
	}
	return nil
}

// evictOldest removes the oldest unpinned entry other than the newest one.
// Must be called with cl.mu held. When every older entry is pinned the log is
// allowed to exceed capacity.
func (l *Log) evictOldest(id string, cl *contextLog) {
	newest := cl.entries.Back()
	for e := cl.entries.Front(); e != nil && e != newest; e = e.Next() {
		sc := e.Value.(state.StateChange)
		if cl.pins[sc.ResultingVersion] > 0 {
			continue
		}
		cl.entries.Remove(e)
		cl.evicted++
		return
	}
	l.logger.Debug("history over capacity, all entries pinned",
		"context_id", id,
		"len", cl.entries.Len())
}

// Range returns the retained entries of id whose resulting version lies in
// [from, to], ascending. The sequence reads the log each time it is ranged.
func (l *Log) Range(id string, from, to uint64) iter.Seq[state.StateChange] {
	return func(yield func(state.StateChange) bool) {
		for _, sc := range l.collect(id, from, to) {
			if !yield(sc) {
				return
			}
		}
	}
}

// Since returns the retained entries of id committed after version.
func (l *Log) Since(id string, version uint64) []state.StateChange {
	if version == ^uint64(0) {
		return nil
	}
	return l.collect(id, version+1, ^uint64(0))
}

func (l *Log) collect(id string, from, to uint64) []state.StateChange {
	cl := l.get(id)
	if cl == nil || from > to {
		return nil
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	var out []state.StateChange
	for e := cl.entries.Front(); e != nil; e = e.Next() {
		sc := e.Value.(state.StateChange)
		if sc.ResultingVersion < from {
			continue
		}
		if sc.ResultingVersion > to {
			break
		}
		out = append(out, sc.Clone())
	}
	return out
}

// Latest returns the newest retained entry of id.
func (l *Log) Latest(id string) (state.StateChange, bool) {
	cl := l.get(id)
	if cl == nil {
		return state.StateChange{}, false
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	back := cl.entries.Back()
	if back == nil {
		return state.StateChange{}, false
	}
	return back.Value.(state.StateChange).Clone(), true
}

// Len returns the number of retained entries of id.
func (l *Log) Len(id string) int {
	cl := l.get(id)
	if cl == nil {
		return 0
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.entries.Len()
}

// Evicted returns how many entries of id were dropped for capacity.
func (l *Log) Evicted(id string) uint64 {
	cl := l.get(id)
	if cl == nil {
		return 0
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.evicted
}

// Pin protects the entry of id with the given resulting version from eviction.
// Pins are counted; each Pin needs a matching Unpin.
func (l *Log) Pin(id string, version uint64) {
	cl := l.getOrCreate(id)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.pins[version]++
}

// Unpin releases one Pin of version.
func (l *Log) Unpin(id string, version uint64) {
	cl := l.get(id)
	if cl == nil {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.pins[version] <= 1 {
		delete(cl.pins, version)
	} else {
		cl.pins[version]--
	}

	for cl.entries.Len() > l.capacity {
		before := cl.entries.Len()
		l.evictOldest(id, cl)
		if cl.entries.Len() == before {
			return
		}
	}
}

// Purge drops every entry and pin of id.
func (l *Log) Purge(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.logs, id)
}
