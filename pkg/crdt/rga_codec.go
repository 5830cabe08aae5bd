package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type rgaState struct {
	Vertices map[string]*Vertex `msgpack:"vertices"`
	Head     string             `msgpack:"head"`
}

// Bytes serializes the full RGA state.
func (r *RGA) Bytes() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return msgpack.Marshal(&rgaState{
		Vertices: r.Vertices,
		Head:     r.Head,
	})
}

// RGAFromBytes deserializes an RGA state. The returned replica has no clock
// bound; callers that keep editing it must call SetClock.
func RGAFromBytes(data []byte) (*RGA, error) {
	state := &rgaState{}
	if err := msgpack.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	if state.Head == "" || state.Vertices == nil {
		return nil, fmt.Errorf("%w: missing head", ErrBadState)
	}
	if _, ok := state.Vertices[state.Head]; !ok {
		return nil, fmt.Errorf("%w: head vertex absent", ErrBadState)
	}
	return &RGA{
		Vertices: state.Vertices,
		Head:     state.Head,
		edges:    make(map[string][]*Vertex),
	}, nil
}
