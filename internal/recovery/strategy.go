// ABOUTME: Snapshot selection strategies for recovery
// ABOUTME: Latest, exact version, nearest lower version, point in time and by id

package recovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-context/internal/state"
)

// Strategy selects the snapshot to restore. Select returns nil when no
// snapshot qualifies. snaps is ordered oldest first and must not be modified.
type Strategy interface {
	Name() string
	Select(snaps []*state.Snapshot) *state.Snapshot
}

// PointInTime is implemented by strategies that want history replayed after
// the selected snapshot up to Until.
type PointInTime interface {
	Until() time.Time
}

// newer reports whether a should be preferred over b when both qualify.
func newer(a, b *state.Snapshot) bool {
	if b == nil {
		return true
	}
	if a.Version() != b.Version() {
		return a.Version() > b.Version()
	}
	return !a.Timestamp.Before(b.Timestamp)
}

type latest struct{}

// Latest selects the snapshot with the highest version.
func Latest() Strategy { return latest{} }

func (latest) Name() string { return "latest" }

func (latest) Select(snaps []*state.Snapshot) *state.Snapshot {
	var best *state.Snapshot
	for _, s := range snaps {
		if newer(s, best) {
			best = s
		}
	}
	return best
}

type specificVersion struct{ version uint64 }

// SpecificVersion selects a snapshot of exactly version.
func SpecificVersion(version uint64) Strategy { return specificVersion{version} }

func (s specificVersion) Name() string { return fmt.Sprintf("version(%d)", s.version) }

func (s specificVersion) Select(snaps []*state.Snapshot) *state.Snapshot {
	var best *state.Snapshot
	for _, snap := range snaps {
		if snap.Version() == s.version && newer(snap, best) {
			best = snap
		}
	}
	return best
}

type nearestLower struct{ version uint64 }

// NearestLowerVersion selects the highest snapshot version not above version.
func NearestLowerVersion(version uint64) Strategy { return nearestLower{version} }

func (s nearestLower) Name() string { return fmt.Sprintf("nearest_lower(%d)", s.version) }

func (s nearestLower) Select(snaps []*state.Snapshot) *state.Snapshot {
	var best *state.Snapshot
	for _, snap := range snaps {
		if snap.Version() <= s.version && newer(snap, best) {
			best = snap
		}
	}
	return best
}

type timeBased struct{ at time.Time }

// TimeBased selects the newest snapshot taken at or before at and replays
// history up to at. The target is compared in UTC.
func TimeBased(at time.Time) Strategy { return timeBased{at.UTC()} }

func (s timeBased) Name() string { return "time(" + s.at.Format(time.RFC3339Nano) + ")" }

func (s timeBased) Until() time.Time { return s.at }

func (s timeBased) Select(snaps []*state.Snapshot) *state.Snapshot {
	var best *state.Snapshot
	for _, snap := range snaps {
		if snap.Timestamp.After(s.at) {
			continue
		}
		if best == nil || snap.Timestamp.After(best.Timestamp) ||
			(snap.Timestamp.Equal(best.Timestamp) && snap.Version() >= best.Version()) {
			best = snap
		}
	}
	return best
}

type byID struct{ id string }

// ByID selects the snapshot with the given snapshot id.
func ByID(snapshotID string) Strategy { return byID{snapshotID} }

func (s byID) Name() string { return "id(" + s.id + ")" }

func (s byID) Select(snaps []*state.Snapshot) *state.Snapshot {
	for _, snap := range snaps {
		if snap.ID == s.id {
			return snap
		}
	}
	return nil
}

// Parse reads a strategy from its command-line form: "latest",
// "version:N", "nearest:N", "time:RFC3339" or "id:SNAPSHOT".
func Parse(s string) (Strategy, error) {
	kind, arg, _ := strings.Cut(s, ":")
	switch kind {
	case "", "latest":
		return Latest(), nil
	case "version", "nearest":
		v, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %w", arg, err)
		}
		if kind == "version" {
			return SpecificVersion(v), nil
		}
		return NearestLowerVersion(v), nil
	case "time":
		at, err := time.Parse(time.RFC3339Nano, arg)
		if err != nil {
			return nil, fmt.Errorf("invalid time %q: %w", arg, err)
		}
		return TimeBased(at), nil
	case "id":
		if arg == "" {
			return nil, fmt.Errorf("snapshot id is required")
		}
		return ByID(arg), nil
	default:
		return nil, fmt.Errorf("unknown recovery strategy %q", kind)
	}
}
