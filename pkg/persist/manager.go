// Package persist debounces document mutations into durable full-state
// snapshots and seeds fresh sessions from the latest stored snapshot.
package persist

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shinyes/yep_collab/pkg/doc"
	"github.com/shinyes/yep_collab/pkg/hlc"
	"github.com/shinyes/yep_collab/pkg/snapshot"
	"github.com/shinyes/yep_collab/pkg/store"
)

const (
	// DefaultDebounce bounds both write amplification (no save per keystroke)
	// and staleness (a quiet document is durable within the window).
	DefaultDebounce = 3 * time.Second

	saveTimeout = 10 * time.Second
)

var ErrNotAttached = errors.New("persistence manager not attached")

// Options configures a Manager.
type Options struct {
	// Debounce is the quiet period after the last mutation before an
	// automatic save. 0 means DefaultDebounce.
	Debounce time.Duration

	// CreatedBy is recorded on every snapshot this manager writes.
	CreatedBy string
}

// Manager watches one document and writes snapshots to the store.
type Manager struct {
	store     store.Store
	debounce  time.Duration
	createdBy string
	clock     *hlc.Clock

	mu          sync.Mutex
	doc         *doc.Document
	documentID  string
	timer       *time.Timer
	unsubscribe func()
	loaded      bool
	detached    bool
}

// NewManager creates a manager writing to st.
func NewManager(st store.Store, opts Options) *Manager {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Manager{
		store:     st,
		debounce:  debounce,
		createdBy: opts.CreatedBy,
		clock:     hlc.New(),
	}
}

// Attach installs the update listener on d. Until LoadLatest completes the
// listener records nothing, so a half-loaded local document can never clobber
// a good durable snapshot.
func (m *Manager) Attach(d *doc.Document, documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.doc = d
	m.documentID = documentID
	m.detached = false
	m.unsubscribe = d.OnUpdate(func(_ []byte, origin doc.Origin) {
		m.onUpdate(origin)
	})
}

func (m *Manager) onUpdate(origin doc.Origin) {
	if origin == doc.OriginReplay {
		// Historic snapshot being applied at session start.
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached || !m.loaded {
		return
	}
	m.scheduleLocked()
}

// scheduleLocked (re)arms the debounce timer. A new mutation during the quiet
// period pushes the save out again.
func (m *Manager) scheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		if err := m.save(snapshot.KindAuto); err != nil {
			log.Printf("[Persist:%s] auto save failed, will retry next window: %v", m.documentID, err)
			m.mu.Lock()
			if !m.detached {
				m.scheduleLocked()
			}
			m.mu.Unlock()
		}
	})
}

// LoadLatest seeds d from the newest stored snapshot, then releases the
// auto-save guard. Missing or corrupt snapshots leave the document fresh and
// editable; they never block the session.
func (m *Manager) LoadLatest(ctx context.Context, d *doc.Document, documentID string) error {
	defer func() {
		m.mu.Lock()
		m.loaded = true
		m.mu.Unlock()
	}()

	encoded, err := m.store.GetLatestSnapshot(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		log.Printf("[Persist:%s] load latest failed, starting fresh: %v", documentID, err)
		return nil
	}

	snap, err := snapshot.Decode(encoded)
	if err != nil {
		log.Printf("[Persist:%s] corrupt snapshot skipped: %v", documentID, err)
		return nil
	}
	if snap.DocumentID != documentID {
		// The envelope names its document; a store serving another document's
		// row must never seed this one.
		log.Printf("[Persist:%s] snapshot for %q skipped, starting fresh", documentID, snap.DocumentID)
		return nil
	}
	m.clock.Observe(snap.Version)
	if err := d.ApplyUpdate(snap.State, doc.OriginReplay); err != nil {
		log.Printf("[Persist:%s] snapshot state rejected, starting fresh: %v", documentID, err)
		return nil
	}
	return nil
}

// ManualSave writes a snapshot immediately, outside the debounce window.
func (m *Manager) ManualSave(ctx context.Context) error {
	return m.save(snapshot.KindManual)
}

func (m *Manager) save(kind snapshot.Kind) error {
	m.mu.Lock()
	d := m.doc
	documentID := m.documentID
	m.mu.Unlock()
	if d == nil {
		return ErrNotAttached
	}

	state, err := d.EncodeState()
	if err != nil {
		return err
	}
	encoded, err := snapshot.Encode(&snapshot.Snapshot{
		DocumentID: documentID,
		Version:    m.clock.Now(),
		CreatedBy:  m.createdBy,
		Kind:       kind,
		CreatedAt:  time.Now().UnixMilli(),
		State:      state,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if _, err := m.store.InsertSnapshot(ctx, documentID, encoded, kind); err != nil {
		return err
	}
	return nil
}

// Detach cancels any pending save and removes the update listener. Safe to
// call repeatedly.
func (m *Manager) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detached = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.doc = nil
}
