package crdt

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// LWWRegister is a last-write-wins register. Ties on the timestamp are broken
// by comparing values so that replicas never disagree.
type LWWRegister struct {
	Val []byte `msgpack:"val"`
	TS  int64  `msgpack:"ts"`
}

func (r *LWWRegister) Type() Type { return TypeLWW }

func (r *LWWRegister) Value() any { return r.Val }

// OpLWWSet sets the register value at a timestamp.
type OpLWWSet struct {
	Value     []byte
	Timestamp int64
}

func (OpLWWSet) Type() Type { return TypeLWW }

func (r *LWWRegister) Apply(op Op) error {
	setOp, ok := op.(OpLWWSet)
	if !ok {
		return ErrInvalidOp
	}
	r.assign(setOp.Value, setOp.Timestamp)
	return nil
}

func (r *LWWRegister) assign(val []byte, ts int64) {
	if ts > r.TS || (ts == r.TS && string(val) > string(r.Val)) {
		r.Val = val
		r.TS = ts
	}
}

func (r *LWWRegister) Merge(other CRDT) error {
	o, ok := other.(*LWWRegister)
	if !ok {
		return fmt.Errorf("cannot merge %T into LWWRegister", other)
	}
	r.assign(o.Val, o.TS)
	return nil
}

func (r *LWWRegister) Bytes() ([]byte, error) {
	return msgpack.Marshal(r)
}

// LWWMap is a grow-only map of string keys to LWW registers. Deleting keys is
// not needed for document metadata, which only ever gains fields.
type LWWMap struct {
	mu      sync.RWMutex
	Entries map[string]*LWWRegister
}

func NewLWWMap() *LWWMap {
	return &LWWMap{Entries: make(map[string]*LWWRegister)}
}

func (m *LWWMap) Type() Type { return TypeMap }

// Value returns a plain map snapshot of the entries.
func (m *LWWMap) Value() any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.Entries))
	for k, v := range m.Entries {
		out[k] = string(v.Val)
	}
	return out
}

// OpMapSet sets a key at a timestamp.
type OpMapSet struct {
	Key       string
	Value     []byte
	Timestamp int64
}

func (OpMapSet) Type() Type { return TypeMap }

func (m *LWWMap) Apply(op Op) error {
	setOp, ok := op.(OpMapSet)
	if !ok {
		return ErrInvalidOp
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.Entries[setOp.Key]
	if !ok {
		reg = &LWWRegister{}
		m.Entries[setOp.Key] = reg
	}
	reg.assign(setOp.Value, setOp.Timestamp)
	return nil
}

// Get returns the value stored at key.
func (m *LWWMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.Entries[key]
	if !ok {
		return "", false
	}
	return string(reg.Val), true
}

func (m *LWWMap) Merge(other CRDT) error {
	o, ok := other.(*LWWMap)
	if !ok {
		return fmt.Errorf("cannot merge %T into LWWMap", other)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, remote := range o.Entries {
		local, ok := m.Entries[k]
		if !ok {
			m.Entries[k] = &LWWRegister{Val: remote.Val, TS: remote.TS}
			continue
		}
		local.assign(remote.Val, remote.TS)
	}
	return nil
}

type lwwMapState struct {
	Entries map[string]*LWWRegister `msgpack:"entries"`
}

func (m *LWWMap) Bytes() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return msgpack.Marshal(&lwwMapState{Entries: m.Entries})
}

// LWWMapFromBytes deserializes an LWWMap state.
func LWWMapFromBytes(data []byte) (*LWWMap, error) {
	state := &lwwMapState{}
	if err := msgpack.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	if state.Entries == nil {
		state.Entries = make(map[string]*LWWRegister)
	}
	return &LWWMap{Entries: state.Entries}, nil
}
