package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shinyes/yep_collab/pkg/snapshot"
)

// MemoryStore is an in-process Store for tests and the demo.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]string)}
}

func (s *MemoryStore) InsertSnapshot(ctx context.Context, documentID, encoded string, kind snapshot.Kind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[documentID] = append(s.snaps[documentID], encoded)
	return fmt.Sprintf("%s/%d", documentID, len(s.snaps[documentID])-1), nil
}

func (s *MemoryStore) GetLatestSnapshot(ctx context.Context, documentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.snaps[documentID]
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return rows[len(rows)-1], nil
}

// Count returns how many snapshots have been inserted for documentID.
func (s *MemoryStore) Count(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps[documentID])
}

func (s *MemoryStore) Close() error { return nil }
