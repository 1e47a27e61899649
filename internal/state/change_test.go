// ABOUTME: Tests for change validation and application semantics
// ABOUTME: Covers set/remove/increment/append/custom rules and copy isolation

package state

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestState() *State {
	return New("ctx-1", testTime)
}

func TestApplyChanges_Set(t *testing.T) {
	s := newTestState()
	require.NoError(t, ApplyChanges(s, []Change{Set("user.name", "Alice")}, nil))

	v, ok := s.Get("user.name")
	require.True(t, ok)
	assert.Equal(t, "Alice", v)
}

func TestApplyChanges_RemoveMissingIsNoop(t *testing.T) {
	s := newTestState()
	require.NoError(t, ApplyChanges(s, []Change{Remove("nothing")}, nil))
	assert.Empty(t, s.Data)
}

func TestApplyChanges_Increment(t *testing.T) {
	tests := []struct {
		name    string
		initial any
		present bool
		amount  float64
		want    any
		wantErr bool
	}{
		{name: "missing starts at zero", amount: 2, want: int64(2)},
		{name: "non-numeric starts at zero", initial: "abc", present: true, amount: 3, want: int64(3)},
		{name: "int stays integer", initial: 5, present: true, amount: 1, want: int64(6)},
		{name: "int with fraction becomes float", initial: int64(5), present: true, amount: 0.5, want: 5.5},
		{name: "float stays float", initial: 1.25, present: true, amount: 1, want: 2.25},
		{name: "json number", initial: json.Number("10"), present: true, amount: -4, want: int64(6)},
		{name: "overflow refused", initial: int64(math.MaxInt64), present: true, amount: 1, want: int64(math.MaxInt64), wantErr: true},
		{name: "underflow refused", initial: int64(math.MinInt64), present: true, amount: -1, want: int64(math.MinInt64), wantErr: true},
		{name: "up to the limit", initial: int64(math.MaxInt64 - 1), present: true, amount: 1, want: int64(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState()
			if tt.present {
				s.Data["n"] = tt.initial
			}
			err := ApplyChanges(s, []Change{Increment("n", tt.amount)}, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidState)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, s.Data["n"])
		})
	}
}

func TestApplyChanges_Append(t *testing.T) {
	s := newTestState()
	require.NoError(t, ApplyChanges(s, []Change{
		Append("tags", "a"),
		Append("tags", "b"),
	}, nil))
	assert.Equal(t, []any{"a", "b"}, s.Data["tags"])
}

func TestApplyChanges_AppendToStringList(t *testing.T) {
	s := newTestState()
	s.Data["tags"] = []string{"a"}
	require.NoError(t, ApplyChanges(s, []Change{Append("tags", "b")}, nil))
	assert.Equal(t, []any{"a", "b"}, s.Data["tags"])
}

func TestApplyChanges_AppendToNonListFails(t *testing.T) {
	s := newTestState()
	s.Data["name"] = "Alice"

	err := ApplyChanges(s, []Change{Append("name", "Bob")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestApplyChanges_Custom(t *testing.T) {
	customs := Appliers{
		"upper": func(data Data, payload any) error {
			key, ok := payload.(string)
			if !ok {
				return errors.New("payload must be a key")
			}
			data[key] = "UPPER"
			return nil
		},
	}

	s := newTestState()
	require.NoError(t, ApplyChanges(s, []Change{Custom("upper", "k")}, customs))
	assert.Equal(t, "UPPER", s.Data["k"])

	err := ApplyChanges(s, []Change{Custom("upper", 42)}, customs)
	assert.ErrorIs(t, err, ErrInvalidState)

	err = ApplyChanges(s, []Change{Custom("unknown", nil)}, customs)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUpdateValidate(t *testing.T) {
	tests := []struct {
		name    string
		update  Update
		wantErr bool
	}{
		{name: "empty", update: Update{}, wantErr: true},
		{name: "set without path", update: Update{Changes: []Change{Set("", 1)}}, wantErr: true},
		{name: "unsupported value", update: Update{Changes: []Change{Set("k", struct{}{})}}, wantErr: true},
		{name: "nested unsupported value", update: Update{Changes: []Change{Set("k", map[string]any{"x": []any{make(chan int)}})}}, wantErr: true},
		{name: "custom without kind", update: Update{Changes: []Change{Custom("", nil)}}, wantErr: true},
		{name: "unknown kind", update: Update{Changes: []Change{{Kind: ChangeKind(99), Path: "k"}}}, wantErr: true},
		{name: "valid", update: Update{Changes: []Change{Set("k", map[string]any{"a": []any{1, "x"}}), Remove("j")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidState)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateClone_IsDeep(t *testing.T) {
	s := newTestState()
	s.Data["profile"] = map[string]any{"roles": []any{"admin"}}
	s.Metadata["owner"] = "ops"

	c := s.Clone()
	c.Data["profile"].(map[string]any)["roles"].([]any)[0] = "guest"
	c.Metadata["owner"] = "dev"

	assert.Equal(t, "admin", s.Data["profile"].(map[string]any)["roles"].([]any)[0])
	assert.Equal(t, "ops", s.Metadata["owner"])
}

func TestSetClonesValue(t *testing.T) {
	value := map[string]any{"a": 1}
	s := newTestState()
	require.NoError(t, ApplyChanges(s, []Change{Set("k", value)}, nil))

	value["a"] = 2
	assert.Equal(t, 1, s.Data["k"].(map[string]any)["a"])
}

func TestDataKeys_Sorted(t *testing.T) {
	d := Data{"b": 1, "a": 2, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, d.Keys())
}

func TestChangeKind_JSON(t *testing.T) {
	raw, err := json.Marshal(Increment("hits", 2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"increment","path":"hits","amount":2}`, string(raw))

	var c Change
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.Equal(t, ChangeIncrement, c.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"explode"}`), &c))
}
