// Package store is the durable snapshot collaborator: a keyed store holding
// opaque base64 snapshot payloads per document id. The engine only depends on
// the two operations below; both are asynchronous, fallible, and safe to
// retry. Last writer wins at the row level; conflict resolution lives in the
// CRDT merge, not here.
package store

import (
	"context"
	"errors"

	"github.com/shinyes/yep_collab/pkg/snapshot"
)

var ErrNotFound = errors.New("no snapshot for document")

// Store persists and retrieves document snapshots.
type Store interface {
	// InsertSnapshot appends a snapshot row and returns its storage id.
	InsertSnapshot(ctx context.Context, documentID, encoded string, kind snapshot.Kind) (string, error)

	// GetLatestSnapshot returns the most recently inserted snapshot payload
	// for documentID, or ErrNotFound.
	GetLatestSnapshot(ctx context.Context, documentID string) (string, error)

	// Close releases the store.
	Close() error
}
