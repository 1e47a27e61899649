// ABOUTME: Ordered registry of conflict strategies with deterministic selection
// ABOUTME: Highest priority wins, first registered breaks ties, Reject is the fallback

package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"

	"github.com/2389/coven-context/internal/state"
)

// Strategy resolves the conflicts it claims.
type Strategy interface {
	CanResolve(c *state.Conflict) bool
	Resolve(c *state.Conflict) (*state.Resolution, error)
	Priority() int
}

// Kind names a built-in strategy.
type Kind int

const (
	LastWriterWins Kind = iota + 1
	MergeByPath
	Reject
)

var kindNames = map[Kind]string{
	LastWriterWins: "last_writer_wins",
	MergeByPath:    "merge_by_path",
	Reject:         "reject",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the built-in named s.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown conflict strategy %q", s)
}

// Builtin returns the strategy for k.
func Builtin(k Kind) (Strategy, error) {
	switch k {
	case LastWriterWins:
		return lastWriterWins{}, nil
	case MergeByPath:
		return mergeByPath{}, nil
	case Reject:
		return reject{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %v", k)
	}
}

// MetadataStrategy is the resolution metadata key naming the strategy used.
const MetadataStrategy = "strategy"

type registered struct {
	name     string
	strategy Strategy
}

// Registry selects a strategy for each conflict.
type Registry struct {
	mu         sync.RWMutex
	strategies []registered
	names      map[string]struct{}
	logger     *slog.Logger
}

// NewRegistry creates a registry holding only the Reject fallback.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		names:  make(map[string]struct{}),
		logger: logger.With("component", "conflict"),
	}
}

// NewRegistryWith creates a registry with the given built-ins registered in order.
func NewRegistryWith(logger *slog.Logger, kinds ...Kind) (*Registry, error) {
	r := NewRegistry(logger)
	for _, k := range kinds {
		if err := r.RegisterBuiltin(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterBuiltin adds the built-in k under its own name.
func (r *Registry) RegisterBuiltin(k Kind) error {
	s, err := Builtin(k)
	if err != nil {
		return err
	}
	return r.Register(k.String(), s)
}

// Register adds s under name. Names are unique.
func (r *Registry) Register(name string, s Strategy) error {
	if name == "" || s == nil {
		return fmt.Errorf("strategy name and implementation are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[name]; ok {
		return fmt.Errorf("conflict strategy %q already registered", name)
	}
	r.names[name] = struct{}{}
	r.strategies = append(r.strategies, registered{name: name, strategy: s})
	return nil
}

// Names returns the registered strategy names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.name
	}
	return out
}

// Select returns the strategy that would handle c.
func (r *Registry) Select(c *state.Conflict) (string, Strategy) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *registered
	for i := range r.strategies {
		cand := &r.strategies[i]
		if !cand.strategy.CanResolve(c) {
			continue
		}
		// Strictly greater keeps the earlier registration on ties.
		if best == nil || cand.strategy.Priority() > best.strategy.Priority() {
			best = cand
		}
	}
	if best == nil {
		return Reject.String(), reject{}
	}
	return best.name, best.strategy
}

// Resolve adjudicates c with the selected strategy. Strategies receive a copy
// of c. Failures are returned as *state.ConflictError.
func (r *Registry) Resolve(ctx context.Context, c *state.Conflict) (*state.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, &state.ConflictError{Reason: state.ErrStrategyFailed, Conflict: c, Err: err}
	}

	name, s := r.Select(c)
	res, err := s.Resolve(c.Clone())
	if err != nil {
		r.logger.Debug("strategy failed",
			"strategy", name,
			"context_id", c.ContextID,
			"conflict_id", c.ID,
			"error", err)
		if _, ok := state.Conflicted(err); ok {
			return nil, err
		}
		return nil, &state.ConflictError{Reason: state.ErrStrategyFailed, Conflict: c, Err: fmt.Errorf("%s: %w", name, err)}
	}
	if res == nil {
		return nil, &state.ConflictError{Reason: state.ErrStrategyFailed, Conflict: c, Err: fmt.Errorf("%s returned no resolution", name)}
	}

	out := *res
	out.Metadata = maps.Clone(res.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	if _, ok := out.Metadata[MetadataStrategy]; !ok {
		out.Metadata[MetadataStrategy] = name
	}

	r.logger.Debug("conflict resolved",
		"strategy", name,
		"context_id", c.ContextID,
		"conflict_id", c.ID,
		"type", c.TypeName(),
		"commits", len(out.Changes))
	return &out, nil
}

// Built-in priorities. Extensions pick their own.
const (
	PriorityMergeByPath    = 20
	PriorityLastWriterWins = 10
	PriorityReject         = math.MinInt
)
