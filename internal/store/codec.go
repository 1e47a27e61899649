// ABOUTME: Checksummed JSON encoding of snapshot records
// ABOUTME: A blake2b-256 digest of the payload detects truncated or tampered blobs

package store

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/coven-context/internal/state"
)

// recordFormat is the current envelope version.
const recordFormat = 1

// ErrCorrupt is returned when a record fails its checksum or cannot be parsed.
var ErrCorrupt = errors.New("corrupt snapshot record")

type record struct {
	Format   int             `json:"format"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

func checksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// EncodeSnapshot serializes snap into a checksummed record.
func EncodeSnapshot(snap *state.Snapshot) ([]byte, error) {
	if snap == nil || snap.State == nil {
		return nil, errors.New("encoding empty snapshot")
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}

	return json.Marshal(record{
		Format:   recordFormat,
		Checksum: checksum(payload),
		Payload:  payload,
	})
}

// DecodeSnapshot parses and verifies a record produced by EncodeSnapshot.
// Numbers in the state data decode as json.Number.
func DecodeSnapshot(blob []byte) (*state.Snapshot, error) {
	var rec record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Format != recordFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrCorrupt, rec.Format)
	}
	if checksum(rec.Payload) != rec.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	dec := json.NewDecoder(bytes.NewReader(rec.Payload))
	dec.UseNumber()

	var snap state.Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.State == nil || snap.ID == "" || snap.ContextID == "" {
		return nil, fmt.Errorf("%w: missing snapshot fields", ErrCorrupt)
	}
	if snap.State.Data == nil {
		snap.State.Data = state.Data{}
	}
	if snap.State.Metadata == nil {
		snap.State.Metadata = map[string]string{}
	}
	return &snap, nil
}
