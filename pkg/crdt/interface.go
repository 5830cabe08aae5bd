package crdt

import "errors"

// Type identifies a CRDT implementation.
type Type byte

const (
	TypeLWW Type = 0x01
	TypeRGA Type = 0x02
	TypeMap Type = 0x03
)

var (
	ErrInvalidOp     = errors.New("operation not valid for this CRDT type")
	ErrBadState      = errors.New("malformed CRDT state")
	ErrUnknownAnchor = errors.New("anchor vertex not found")
)

// CRDT is the common contract of every replicated type in this package.
// Merge must be commutative, associative and idempotent: applying the same
// remote state twice, or two states in either order, yields the same result.
type CRDT interface {
	// Type returns the CRDT type tag.
	Type() Type

	// Value returns the user-facing value.
	Value() any

	// Apply applies a locally generated operation.
	Apply(op Op) error

	// Merge folds another replica's state into this one. The other state is
	// usually the result of deserializing wire bytes.
	Merge(other CRDT) error

	// Bytes serializes the full state.
	Bytes() ([]byte, error)
}

// Op is a locally generated operation against a CRDT.
type Op interface {
	Type() Type
}
