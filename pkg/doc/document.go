// Package doc holds the in-memory collaborative document: an RGA text body
// plus an LWW metadata map, merged state-wise so that updates arriving out of
// order, duplicated, or overlapping with local edits always converge.
package doc

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_collab/pkg/crdt"
	"github.com/shinyes/yep_collab/pkg/hlc"
)

// Origin classifies where an update came from. Replay marks the historic
// snapshot applied at session start; persistence must not re-save it.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
	OriginReplay
)

var ErrDestroyed = errors.New("document destroyed")

// UpdateListener receives the document's encoded state after every successful
// mutation, together with the origin of the change.
type UpdateListener func(update []byte, origin Origin)

// Document is one in-memory replica of a collaborative document.
type Document struct {
	mu        sync.Mutex
	id        string
	clock     *hlc.Clock
	content   *crdt.RGA
	meta      *crdt.LWWMap
	listeners map[int]UpdateListener
	nextID    int
	destroyed bool
}

// New creates a fresh replica for documentID. createdBy is recorded in the
// metadata map; merging two replicas of the same document keeps the earlier
// writer via LWW.
func New(documentID, createdBy string) *Document {
	clock := hlc.New()
	d := &Document{
		id:        documentID,
		clock:     clock,
		content:   crdt.NewRGA(clock),
		meta:      crdt.NewLWWMap(),
		listeners: make(map[int]UpdateListener),
	}
	ts := clock.Now()
	_ = d.meta.Apply(crdt.OpMapSet{Key: "documentId", Value: []byte(documentID), Timestamp: ts})
	_ = d.meta.Apply(crdt.OpMapSet{Key: "createdBy", Value: []byte(createdBy), Timestamp: ts})
	_ = d.meta.Apply(crdt.OpMapSet{Key: "createdAt", Value: []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)), Timestamp: ts})
	return d
}

// NewReplica creates a replica without seeding any metadata. Relays use it as
// a pure merge target so they never compete with clients over authorship
// fields.
func NewReplica(documentID string) *Document {
	clock := hlc.New()
	return &Document{
		id:        documentID,
		clock:     clock,
		content:   crdt.NewRGA(clock),
		meta:      crdt.NewLWWMap(),
		listeners: make(map[int]UpdateListener),
	}
}

// ID returns the caller-supplied document id.
func (d *Document) ID() string { return d.id }

// Text returns the visible document text.
func (d *Document) Text() string {
	return d.content.String()
}

// Metadata returns a metadata field.
func (d *Document) Metadata(key string) (string, bool) {
	return d.meta.Get(key)
}

// Len returns the visible text length in runes.
func (d *Document) Len() int {
	return d.content.Len()
}

// InsertText inserts text before rune index idx (idx == Len appends).
func (d *Document) InsertText(idx int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	anchor, _, err := d.content.VisibleID(idx - 1)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("insert at %d: %w", idx, err)
	}
	// One vertex per rune keeps deletion granularity at a single character
	// and chains each rune to the previous one, so a typed run stays
	// contiguous through concurrent merges.
	for _, r := range text {
		id, err := d.content.InsertAfter(anchor, string(r))
		if err != nil {
			d.mu.Unlock()
			return err
		}
		anchor = id
	}
	d.mu.Unlock()

	d.notify(OriginLocal)
	return nil
}

// DeleteText tombstones n runes starting at rune index idx.
func (d *Document) DeleteText(idx, n int) error {
	if n <= 0 {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	for i := 0; i < n; i++ {
		// Indices shift as vertices are tombstoned, so always delete at idx.
		id, _, err := d.content.VisibleID(idx)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("delete at %d: %w", idx, err)
		}
		if err := d.content.Remove(id); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.mu.Unlock()

	d.notify(OriginLocal)
	return nil
}

// SetMetadata writes a metadata field.
func (d *Document) SetMetadata(key, value string) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	err := d.meta.Apply(crdt.OpMapSet{Key: key, Value: []byte(value), Timestamp: d.clock.Now()})
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.notify(OriginLocal)
	return nil
}

type docState struct {
	Content []byte `msgpack:"content"`
	Meta    []byte `msgpack:"meta"`
}

// EncodeState serializes the full document state. The result is safe to apply
// to any replica of the same document, including a fresh one.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}

	content, err := d.content.Bytes()
	if err != nil {
		return nil, err
	}
	meta, err := d.meta.Bytes()
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&docState{Content: content, Meta: meta})
}

// ApplyUpdate merges an encoded remote state into this replica. Malformed or
// foreign-format payloads are rejected with an error and leave the replica on
// its last good state; they never panic.
func (d *Document) ApplyUpdate(data []byte, origin Origin) error {
	state := &docState{}
	if err := msgpack.Unmarshal(data, state); err != nil {
		return fmt.Errorf("%w: %v", crdt.ErrBadState, err)
	}
	remoteContent, err := crdt.RGAFromBytes(state.Content)
	if err != nil {
		return err
	}
	remoteMeta, err := crdt.LWWMapFromBytes(state.Meta)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	// Fold the remote clock in first so later local edits dominate everything
	// this replica has seen.
	d.clock.Observe(remoteContent.MaxTimestamp())
	if err := d.content.Merge(remoteContent); err != nil {
		d.mu.Unlock()
		return err
	}
	if err := d.meta.Merge(remoteMeta); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	d.notify(origin)
	return nil
}

// OnUpdate registers a listener and returns its unsubscribe function.
func (d *Document) OnUpdate(fn UpdateListener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Document) notify(origin Origin) {
	d.mu.Lock()
	if d.destroyed || len(d.listeners) == 0 {
		d.mu.Unlock()
		return
	}
	fns := make([]UpdateListener, 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	update, err := d.EncodeState()
	if err != nil {
		log.Printf("[Doc:%s] encode for notify failed: %v", d.id, err)
		return
	}
	for _, fn := range fns {
		fn(update, origin)
	}
}

// Destroy releases the replica. Further mutations return ErrDestroyed; calling
// Destroy again is a no-op.
func (d *Document) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.listeners = make(map[int]UpdateListener)
}
