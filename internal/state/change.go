// ABOUTME: Change primitives, updates, and the rules for applying them to state data
// ABOUTME: Covers set/remove/increment/append semantics and custom change appliers

package state

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"time"
)

// ChangeKind identifies a mutation primitive.
type ChangeKind int

const (
	ChangeSet ChangeKind = iota + 1
	ChangeRemove
	ChangeIncrement
	ChangeAppend
	ChangeCustom
)

var changeKindNames = map[ChangeKind]string{
	ChangeSet:       "set",
	ChangeRemove:    "remove",
	ChangeIncrement: "increment",
	ChangeAppend:    "append",
	ChangeCustom:    "custom",
}

func (k ChangeKind) String() string {
	if name, ok := changeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k ChangeKind) MarshalText() ([]byte, error) {
	name, ok := changeKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown change kind %d", int(k))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a kind name.
func (k *ChangeKind) UnmarshalText(text []byte) error {
	for kind, name := range changeKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", string(text))
}

// CustomKindRestore marks the history entry written by a recovery swap.
const CustomKindRestore = "context.restore"

// Change is a single mutation. Path is used by every kind except custom;
// custom changes carry CustomKind and Payload instead.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Path       string     `json:"path,omitempty"`
	Value      any        `json:"value,omitempty"`
	Amount     float64    `json:"amount,omitempty"`
	CustomKind string     `json:"custom_kind,omitempty"`
	Payload    any        `json:"payload,omitempty"`
}

// Set replaces the value at path.
func Set(path string, value any) Change {
	return Change{Kind: ChangeSet, Path: path, Value: value}
}

// Remove deletes path.
func Remove(path string) Change {
	return Change{Kind: ChangeRemove, Path: path}
}

// Increment adds amount to the number at path.
func Increment(path string, amount float64) Change {
	return Change{Kind: ChangeIncrement, Path: path, Amount: amount}
}

// Append adds value to the list at path.
func Append(path string, value any) Change {
	return Change{Kind: ChangeAppend, Path: path, Value: value}
}

// Custom builds a change applied by the CustomFunc registered for kind.
func Custom(kind string, payload any) Change {
	return Change{Kind: ChangeCustom, CustomKind: kind, Payload: payload}
}

// Validate checks the shape of c without looking at any state.
func (c Change) Validate() error {
	switch c.Kind {
	case ChangeSet, ChangeAppend:
		if c.Path == "" {
			return fmt.Errorf("%w: %s change requires a path", ErrInvalidState, c.Kind)
		}
		if err := ValidateValue(c.Value); err != nil {
			return fmt.Errorf("%w: %s %q: %v", ErrInvalidState, c.Kind, c.Path, err)
		}
	case ChangeRemove:
		if c.Path == "" {
			return fmt.Errorf("%w: remove change requires a path", ErrInvalidState)
		}
	case ChangeIncrement:
		if c.Path == "" {
			return fmt.Errorf("%w: increment change requires a path", ErrInvalidState)
		}
		if math.IsNaN(c.Amount) || math.IsInf(c.Amount, 0) {
			return fmt.Errorf("%w: increment %q by non-finite amount", ErrInvalidState, c.Path)
		}
	case ChangeCustom:
		if c.CustomKind == "" {
			return fmt.Errorf("%w: custom change requires a kind", ErrInvalidState)
		}
		if err := ValidateValue(c.Payload); err != nil {
			return fmt.Errorf("%w: custom %q payload: %v", ErrInvalidState, c.CustomKind, err)
		}
	default:
		return fmt.Errorf("%w: unknown change kind %d", ErrInvalidState, int(c.Kind))
	}
	return nil
}

// Clone returns a deep copy of c.
func (c Change) Clone() Change {
	c.Value = cloneValue(c.Value)
	c.Payload = cloneValue(c.Payload)
	return c
}

// TouchedPath returns the data path c writes to. Custom changes have none.
func (c Change) TouchedPath() (string, bool) {
	if c.Kind == ChangeCustom {
		return "", false
	}
	return c.Path, true
}

// Update is an ordered list of changes computed against BaseVersion.
type Update struct {
	Changes     []Change `json:"changes"`
	BaseVersion uint64   `json:"base_version"`
	// Timestamp is the logical time of the update, compared by
	// last-writer-wins. Zero means the time it was submitted.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Validate checks every change in u.
func (u Update) Validate() error {
	if len(u.Changes) == 0 {
		return fmt.Errorf("%w: update has no changes", ErrInvalidState)
	}
	for i, c := range u.Changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy of u.
func (u Update) Clone() Update {
	u.Changes = CloneChanges(u.Changes)
	return u
}

// CloneChanges deep-copies a change list.
func CloneChanges(changes []Change) []Change {
	if changes == nil {
		return nil
	}
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = c.Clone()
	}
	return out
}

// SameChanges reports whether two change lists are identical.
func SameChanges(a, b []Change) bool {
	return reflect.DeepEqual(a, b)
}

// CustomFunc applies a custom change payload to data in place.
type CustomFunc func(data Data, payload any) error

// Appliers maps custom change kinds to their CustomFunc.
type Appliers map[string]CustomFunc

// ApplyChanges applies changes to s.Data in list order. It mutates s, so
// callers apply to a Clone and discard it when an error is returned.
func ApplyChanges(s *State, changes []Change, customs Appliers) error {
	if s.Data == nil {
		s.Data = Data{}
	}
	for i, c := range changes {
		if err := applyChange(s.Data, c, customs); err != nil {
			return fmt.Errorf("change %d (%s): %w", i, c.Kind, err)
		}
	}
	return nil
}

func applyChange(data Data, c Change, customs Appliers) error {
	switch c.Kind {
	case ChangeSet:
		data[c.Path] = cloneValue(c.Value)
	case ChangeRemove:
		delete(data, c.Path)
	case ChangeIncrement:
		n, err := increment(data[c.Path], c.Amount)
		if err != nil {
			return fmt.Errorf("%w: increment %q: %v", ErrInvalidState, c.Path, err)
		}
		data[c.Path] = n
	case ChangeAppend:
		list, err := appendValue(data[c.Path], c.Path, c.Value)
		if err != nil {
			return err
		}
		data[c.Path] = list
	case ChangeCustom:
		fn, ok := customs[c.CustomKind]
		if !ok {
			return fmt.Errorf("%w: no applier registered for custom change %q", ErrInvalidState, c.CustomKind)
		}
		if err := fn(data, cloneValue(c.Payload)); err != nil {
			return fmt.Errorf("%w: custom change %q: %v", ErrInvalidState, c.CustomKind, err)
		}
	default:
		return fmt.Errorf("%w: unknown change kind %d", ErrInvalidState, int(c.Kind))
	}
	return nil
}

// increment treats missing and non-numeric values as 0. Integer results that
// would leave the int64 range are refused.
func increment(current any, amount float64) (any, error) {
	i, f, isInt, ok := numeric(current)
	if !ok {
		i, f, isInt = 0, 0, true
	}
	if isInt && amount == math.Trunc(amount) && math.Abs(amount) < math.MaxInt64 {
		d := int64(amount)
		if (d > 0 && i > math.MaxInt64-d) || (d < 0 && i < math.MinInt64-d) {
			return nil, fmt.Errorf("%d%+d overflows int64", i, d)
		}
		return i + d, nil
	}
	return f + amount, nil
}

func numeric(v any) (int64, float64, bool, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), float64(n), true, true
	case int8:
		return int64(n), float64(n), true, true
	case int16:
		return int64(n), float64(n), true, true
	case int32:
		return int64(n), float64(n), true, true
	case int64:
		return n, float64(n), true, true
	case uint:
		return uintNumeric(uint64(n))
	case uint8:
		return int64(n), float64(n), true, true
	case uint16:
		return int64(n), float64(n), true, true
	case uint32:
		return int64(n), float64(n), true, true
	case uint64:
		return uintNumeric(n)
	case float32:
		return 0, float64(n), false, true
	case float64:
		return 0, n, false, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, float64(i), true, true
		}
		if f, err := n.Float64(); err == nil {
			return 0, f, false, true
		}
	}
	return 0, 0, false, false
}

func uintNumeric(n uint64) (int64, float64, bool, bool) {
	if n > math.MaxInt64 {
		return 0, float64(n), false, true
	}
	return int64(n), float64(n), true, true
}

func appendValue(current any, path string, value any) (any, error) {
	switch list := current.(type) {
	case nil:
		return []any{cloneValue(value)}, nil
	case []any:
		return append(slices.Clip(list), cloneValue(value)), nil
	case []string:
		out := make([]any, 0, len(list)+1)
		for _, s := range list {
			out = append(out, s)
		}
		return append(out, cloneValue(value)), nil
	default:
		return nil, fmt.Errorf("%w: append to non-list path %q (%T)", ErrInvalidState, path, current)
	}
}
