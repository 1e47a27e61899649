// ABOUTME: Versioned context state and its deep-copy helpers
// ABOUTME: Live state, snapshots and notifications never share mutable values

package state

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// Data is the keyed payload of a context. Keys are exposed in lexical order.
type Data map[string]any

// Keys returns the keys of d in lexical order.
func (d Data) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of d.
func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// State is the canonical value of one context.
type State struct {
	ID        string            `json:"id"`
	Version   uint64            `json:"version"`
	Data      Data              `json:"data"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New returns a version 0 state with empty data.
func New(id string, now time.Time) *State {
	now = now.UTC()
	return &State{
		ID:        id,
		Version:   0,
		Data:      Data{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
}

// Clone returns a deep copy of s. Clone of nil is nil.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Data = s.Data.Clone()
	out.Metadata = maps.Clone(s.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return &out
}

// Get returns the value stored at path.
func (s *State) Get(path string) (any, bool) {
	v, ok := s.Data[path]
	return v, ok
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Data:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}

// ValidateValue reports whether v can be stored in Data.
func ValidateValue(v any) error {
	switch t := v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		[]string, map[string]string:
		return nil
	case map[string]any:
		for k, inner := range t {
			if err := ValidateValue(inner); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case Data:
		return ValidateValue(map[string]any(t))
	case []any:
		for i, inner := range t {
			if err := ValidateValue(inner); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported value type %T", ErrInvalidState, v)
	}
}
