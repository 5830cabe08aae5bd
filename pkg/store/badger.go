package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/shinyes/yep_collab/pkg/snapshot"
)

// BadgerStore keeps snapshots in a local Badger database. Rows are keyed
// snap/<hex(documentID)>/<sequence> with a zero-padded monotonic sequence, so
// the latest snapshot is the first hit of a reverse prefix scan. Hex encoding
// keeps the key separator out of the id: document ids are arbitrary caller
// strings, and a raw "a/b" must not land inside "a"'s key range.
type BadgerStore struct {
	db *badger.DB

	mu      sync.Mutex
	lastSeq int64
}

const defaultBadgerValueLogFileSize = 128 * 1024 * 1024 // 128MB

type badgerConfig struct {
	valueLogFileSize int64
}

// BadgerOption customizes how Badger is opened.
type BadgerOption func(*badgerConfig) error

// WithBadgerValueLogFileSize sets max bytes per value log (vlog) file.
func WithBadgerValueLogFileSize(sizeBytes int64) BadgerOption {
	return func(cfg *badgerConfig) error {
		if sizeBytes <= 0 {
			return fmt.Errorf("badger value log file size must be > 0, got %d", sizeBytes)
		}
		cfg.valueLogFileSize = sizeBytes
		return nil
	}
}

// NewBadgerStore opens a Badger-backed snapshot store at path.
func NewBadgerStore(path string, options ...BadgerOption) (*BadgerStore, error) {
	cfg := badgerConfig{
		valueLogFileSize: defaultBadgerValueLogFileSize,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(&cfg); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(path)
	opts = opts.WithValueLogFileSize(cfg.valueLogFileSize)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// nextSeq returns a strictly increasing sequence even when inserts land in
// the same nanosecond.
func (s *BadgerStore) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func snapPrefix(documentID string) []byte {
	return []byte(fmt.Sprintf("snap/%s/", hex.EncodeToString([]byte(documentID))))
}

func (s *BadgerStore) InsertSnapshot(ctx context.Context, documentID, encoded string, kind snapshot.Kind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if documentID == "" {
		return "", fmt.Errorf("empty document id")
	}
	// Zero padding keeps lexicographic order equal to numeric order.
	key := fmt.Sprintf("%s%020d", snapPrefix(documentID), s.nextSeq())
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(encoded))
	})
	if err != nil {
		return "", fmt.Errorf("insert snapshot %s: %w", documentID, err)
	}
	return key, nil
}

func (s *BadgerStore) GetLatestSnapshot(ctx context.Context, documentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var encoded string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = snapPrefix(documentID)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the whole prefix range.
		seek := append(snapPrefix(documentID), 0xFF)
		it.Seek(seek)
		if !it.Valid() {
			return nil
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		encoded = string(val)
		found = true
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	if !found {
		return "", ErrNotFound
	}
	return encoded, nil
}
