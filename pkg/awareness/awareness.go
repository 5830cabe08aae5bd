// Package awareness carries ephemeral per-client presence (identity, color,
// cursor) for one room. Nothing here is ever persisted or replayed: a client
// joining late only learns the current state of currently connected peers.
package awareness

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Presence is one client's ephemeral record. ClientID is the per-connection
// identifier, not the stable user identity: a user reconnecting gets a new
// ClientID.
type Presence struct {
	ClientID  string `msgpack:"clientId"`
	UserID    string `msgpack:"userId"`
	Name      string `msgpack:"name"`
	AvatarRef string `msgpack:"avatarRef,omitempty"`
	Color     string `msgpack:"color"`
	Cursor    []byte `msgpack:"cursor,omitempty"`
	UpdatedAt int64  `msgpack:"updatedAt"`
	Left      bool   `msgpack:"left,omitempty"`
}

// palette holds the display colors handed out to collaborators. Assignment is
// a pure function of the stable user id, so a user keeps one color across
// sessions and reconnects.
var palette = []string{
	"#e06c75", "#98c379", "#e5c07b", "#61afef", "#c678dd",
	"#56b6c2", "#d19a66", "#7f848e", "#f28fad", "#8bd5ca",
}

// ColorFor returns the deterministic display color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Awareness tracks the local presence and every known peer in the room.
type Awareness struct {
	mu        sync.Mutex
	clientID  string
	local     *Presence
	states    map[string]Presence
	listeners map[int]func(others []Presence)
	onLocal   func(Presence)
	nextID    int
}

// New creates an awareness channel for the given ephemeral client id.
func New(clientID string) *Awareness {
	return &Awareness{
		clientID:  clientID,
		states:    make(map[string]Presence),
		listeners: make(map[int]func(others []Presence)),
	}
}

// ClientID returns the ephemeral client id.
func (a *Awareness) ClientID() string { return a.clientID }

// SetLocal updates the local presence record and hands it to the transport
// hook. Color is assigned once from the stable user id and never reassigned.
func (a *Awareness) SetLocal(p Presence) {
	a.mu.Lock()
	p.ClientID = a.clientID
	p.UpdatedAt = time.Now().UnixMilli()
	if a.local != nil && a.local.Color != "" {
		p.Color = a.local.Color
	} else if p.Color == "" {
		p.Color = ColorFor(p.UserID)
	}
	a.local = &p
	a.states[a.clientID] = p
	hook := a.onLocal
	a.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	a.notify()
}

// Local returns a copy of the local presence, if set.
func (a *Awareness) Local() (Presence, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil {
		return Presence{}, false
	}
	return *a.local, true
}

// OnLocalChange installs the transport hook invoked with every local
// presence update. The synchronization provider uses it to piggyback
// presence on the document connection.
func (a *Awareness) OnLocalChange(fn func(Presence)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLocal = fn
}

// ApplyRemote folds a peer's presence into the channel. Stale updates (older
// than what is already known for that client) are silently superseded; Left
// tombstones remove the record.
func (a *Awareness) ApplyRemote(p Presence) {
	a.mu.Lock()
	if p.ClientID == "" || p.ClientID == a.clientID {
		a.mu.Unlock()
		return
	}
	if known, ok := a.states[p.ClientID]; ok && p.UpdatedAt < known.UpdatedAt {
		a.mu.Unlock()
		return
	}
	if p.Left {
		delete(a.states, p.ClientID)
	} else {
		a.states[p.ClientID] = p
	}
	a.mu.Unlock()

	a.notify()
}

// Others returns every known presence except the local one, in a stable
// order.
func (a *Awareness) Others() []Presence {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.othersLocked()
}

func (a *Awareness) othersLocked() []Presence {
	out := make([]Presence, 0, len(a.states))
	for id, p := range a.states {
		if id == a.clientID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// OnChange registers a listener for the "other users" view and returns its
// unsubscribe function.
func (a *Awareness) OnChange(fn func(others []Presence)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *Awareness) notify() {
	a.mu.Lock()
	others := a.othersLocked()
	fns := make([]func([]Presence), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(others)
	}
}

// Clear wipes every remote record, keeping only the local one. Called when
// the connection drops: peers will re-announce themselves after reconnect.
func (a *Awareness) Clear() {
	a.mu.Lock()
	for id := range a.states {
		if id != a.clientID {
			delete(a.states, id)
		}
	}
	a.mu.Unlock()

	a.notify()
}
