// Package snapshot defines the durable full-state envelope and the one
// canonical codec for it. Everything that writes or reads a snapshot goes
// through Encode/Decode; there is no second payload shape.
package snapshot

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind distinguishes debounced automatic snapshots from explicit saves.
type Kind string

const (
	KindAuto   Kind = "auto"
	KindManual Kind = "manual"
)

var ErrBadEnvelope = errors.New("malformed snapshot envelope")

// Snapshot is a self-describing full-state capture. Applying State to a fresh
// document replica reconstructs the captured document completely; no update
// log is replayed on the read side.
type Snapshot struct {
	DocumentID string `msgpack:"documentId"`
	Version    int64  `msgpack:"version"` // HLC timestamp, monotonic per writer
	CreatedBy  string `msgpack:"createdBy"`
	Kind       Kind   `msgpack:"kind"`
	CreatedAt  int64  `msgpack:"createdAt"` // Unix millis
	State      []byte `msgpack:"state"`
}

// Encode serializes a snapshot into its transport form: msgpack wrapped in
// standard base64.
func Encode(s *Snapshot) (string, error) {
	if s.DocumentID == "" {
		return "", fmt.Errorf("%w: empty document id", ErrBadEnvelope)
	}
	if len(s.State) == 0 {
		return "", fmt.Errorf("%w: empty state", ErrBadEnvelope)
	}
	data, err := msgpack.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode is the single decode path for snapshot payloads, wherever they were
// read from. Corrupt or foreign payloads return ErrBadEnvelope.
func Decode(encoded string) (*Snapshot, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	s := &Snapshot{}
	if err := msgpack.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if s.DocumentID == "" || len(s.State) == 0 {
		return nil, fmt.Errorf("%w: incomplete envelope", ErrBadEnvelope)
	}
	if s.Kind != KindAuto && s.Kind != KindManual {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadEnvelope, s.Kind)
	}
	return s, nil
}
