// Package session ties one document's lifecycle together: replica creation,
// snapshot replay, persistence, the websocket provider and awareness, with a
// registry ensuring one live session per room.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinyes/yep_collab/pkg/awareness"
	"github.com/shinyes/yep_collab/pkg/doc"
	"github.com/shinyes/yep_collab/pkg/identity"
	"github.com/shinyes/yep_collab/pkg/persist"
	"github.com/shinyes/yep_collab/pkg/store"
	syncp "github.com/shinyes/yep_collab/pkg/sync"
)

// State is the session lifecycle phase.
type State int

const (
	// StateIdle: created but waiting for an identity before touching
	// storage or network.
	StateIdle State = iota
	StateInitializing
	StateActive
	StateTearingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing-down"
	default:
		return "closed"
	}
}

var (
	ErrClosed     = errors.New("session closed")
	ErrNoIdentity = errors.New("session has no identity yet")
)

// Session is one live (document, user) collaboration handle.
type Session struct {
	documentID string
	room       string

	mu        sync.Mutex
	state     State
	identity  identity.Identity
	doc       *doc.Document
	awareness *awareness.Awareness
	provider  *syncp.Provider
	persist   *persist.Manager

	controller *Controller
}

// DocumentID returns the caller-supplied document id.
func (s *Session) DocumentID() string { return s.documentID }

// Room returns the derived room id this session synchronizes in.
func (s *Session) Room() string { return s.room }

// State returns the lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Document returns the replica, or nil before initialization.
func (s *Session) Document() *doc.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Awareness returns the presence channel, or nil before initialization.
func (s *Session) Awareness() *awareness.Awareness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awareness
}

// Provider returns the synchronization provider, or nil before
// initialization.
func (s *Session) Provider() *syncp.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// SetIdentity attaches the user identity to a deferred session and starts
// it. No-op once the session runs; sessions never switch users mid-flight.
func (s *Session) SetIdentity(ctx context.Context, id identity.Identity) error {
	if !id.Valid() {
		return fmt.Errorf("invalid identity: %+v", id)
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		if s.State() == StateClosed || s.State() == StateTearingDown {
			return ErrClosed
		}
		return nil
	}
	s.identity = id
	s.mu.Unlock()
	return s.start(ctx)
}

// start runs the ordered bring-up: replica, snapshot replay, persistence
// guard release, then the network. Loading strictly precedes connecting so
// an empty fresh replica can never be saved over a good snapshot.
func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = StateInitializing
	id := s.identity
	s.mu.Unlock()

	// The replica starts unseeded: replayed history must keep its original
	// author, so creation metadata is only stamped when no history exists.
	d := doc.NewReplica(s.documentID)
	aw := awareness.New(uuid.NewString())

	var pm *persist.Manager
	if s.controller.opts.Store != nil {
		pm = persist.NewManager(s.controller.opts.Store, persist.Options{
			Debounce:  s.controller.opts.Debounce,
			CreatedBy: id.ID,
		})
		pm.Attach(d, s.documentID)
		if err := pm.LoadLatest(ctx, d, s.documentID); err != nil {
			pm.Detach()
			d.Destroy()
			return err
		}
	}
	if _, ok := d.Metadata("createdBy"); !ok {
		_ = d.SetMetadata("documentId", s.documentID)
		_ = d.SetMetadata("createdBy", id.ID)
		_ = d.SetMetadata("createdAt", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}

	var provider *syncp.Provider
	if s.controller.opts.ServerURL != "" {
		var err error
		provider, err = syncp.NewProvider(syncp.Options{
			URL:            s.controller.opts.ServerURL,
			Room:           s.room,
			Document:       d,
			Awareness:      aw,
			UserID:         id.ID,
			DisplayName:    id.DisplayName,
			ConnectTimeout: s.controller.opts.ConnectTimeout,
			OnNotReady: func() {
				log.Printf("[Session:%s] server not reachable yet, still editable locally", s.room)
			},
		})
		if err != nil {
			if pm != nil {
				pm.Detach()
			}
			d.Destroy()
			return err
		}
	}

	s.mu.Lock()
	if s.state != StateInitializing {
		// Closed while we were setting up.
		s.mu.Unlock()
		if provider != nil {
			provider.Destroy()
		}
		if pm != nil {
			pm.Detach()
		}
		d.Destroy()
		return ErrClosed
	}
	s.doc = d
	s.awareness = aw
	s.provider = provider
	s.persist = pm
	s.state = StateActive
	s.mu.Unlock()

	aw.SetLocal(awareness.Presence{
		UserID:    id.ID,
		Name:      id.DisplayName,
		AvatarRef: id.AvatarRef,
	})
	if provider != nil {
		provider.Connect()
	}
	return nil
}

// Save writes a manual snapshot immediately, outside the debounce window.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	pm := s.persist
	state := s.state
	s.mu.Unlock()
	if state == StateIdle {
		return ErrNoIdentity
	}
	if state != StateActive {
		return ErrClosed
	}
	if pm == nil {
		return persist.ErrNotAttached
	}
	return pm.ManualSave(ctx)
}

// Close tears the session down in dependency order: network first, then
// persistence, then the replica. Idempotent; concurrent callers see a
// consistent terminal state.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateTearingDown || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateTearingDown
	provider := s.provider
	pm := s.persist
	d := s.doc
	s.provider = nil
	s.persist = nil
	s.mu.Unlock()

	if provider != nil {
		// Destroy stops the watchdog, flips status synchronously and
		// removes the document listener before the socket finishes closing.
		provider.Destroy()
	}
	if pm != nil {
		pm.Detach()
	}
	if d != nil {
		d.Destroy()
	}

	s.controller.remove(s)

	s.mu.Lock()
	s.state = StateClosed
	s.doc = nil
	s.awareness = nil
	s.mu.Unlock()
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// ServerURL is the relay websocket endpoint. Empty means offline
	// sessions: local editing and persistence without synchronization.
	ServerURL string

	// Store persists snapshots. Nil disables persistence.
	Store store.Store

	// Debounce overrides the auto-save quiet period. 0 means default.
	Debounce time.Duration

	// ConnectTimeout overrides the provider watchdog window. 0 means default.
	ConnectTimeout time.Duration
}

// Controller owns every live session of this process, at most one per room.
type Controller struct {
	opts ControllerOptions

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewController(opts ControllerOptions) *Controller {
	return &Controller{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for documentID. Re-opening a room that is already
// Active is an idempotent no-op returning the existing session: UI callers
// re-initialize freely and must not pay a disconnect/reconnect cycle for it.
// A session that never got past Idle or is mid-teardown is replaced, torn
// down first, so stale listeners can never fire into the new binding. A zero
// identity defers startup until SetIdentity.
func (c *Controller) Open(ctx context.Context, documentID string, id identity.Identity) (*Session, error) {
	room := RoomID(documentID)

	s := &Session{
		documentID: documentID,
		room:       room,
		state:      StateIdle,
		controller: c,
	}
	c.mu.Lock()
	existing := c.sessions[room]
	if existing != nil && existing.State() == StateActive {
		c.mu.Unlock()
		return existing, nil
	}
	c.sessions[room] = s
	c.mu.Unlock()
	if existing != nil {
		existing.Close()
	}

	if !id.Valid() {
		return s, nil
	}
	if err := s.SetIdentity(ctx, id); err != nil {
		c.remove(s)
		return nil, err
	}
	return s, nil
}

// Get returns the live session for documentID, if any.
func (c *Controller) Get(documentID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[RoomID(documentID)]
	return s, ok
}

func (c *Controller) remove(s *Session) {
	c.mu.Lock()
	if c.sessions[s.room] == s {
		delete(c.sessions, s.room)
	}
	c.mu.Unlock()
}

// CloseAll tears down every live session.
func (c *Controller) CloseAll() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
