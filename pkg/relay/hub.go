// Package relay is the server side of the synchronization protocol: it
// accepts websocket clients, keeps a merged replica per room, answers the
// state handshake, and fans updates and presence out to the room.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shinyes/yep_collab/pkg/awareness"
	"github.com/shinyes/yep_collab/pkg/doc"
	syncp "github.com/shinyes/yep_collab/pkg/sync"
)

const (
	clientQueueSize = 64
	writeTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay trusts its fronting proxy for origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub owns every active room of one relay instance.
type Hub struct {
	log      *zap.Logger
	presence Presence

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	id      string
	doc     *doc.Document
	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id     string
	userID string
	name   string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func NewHub(log *zap.Logger, presence Presence) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if presence == nil {
		presence = NewMemoryPresence()
	}
	return &Hub{
		log:      log,
		presence: presence,
		rooms:    make(map[string]*room),
	}
}

func (h *Hub) getRoom(id string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = &room{
			id:      id,
			doc:     doc.NewReplica(id),
			clients: make(map[string]*client),
		}
		h.rooms[id] = r
		h.log.Info("room opened", zap.String("room", id))
	}
	return r
}

// Members returns who the presence registry believes is in the room.
func (h *Hub) Members(ctx context.Context, roomID string) ([]awareness.Presence, error) {
	return h.presence.Members(ctx, roomID)
}

// RoomState returns the merged state of a room, if the room is active.
func (h *Hub) RoomState(roomID string) ([]byte, bool) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	state, err := r.doc.EncodeState()
	if err != nil {
		return nil, false
	}
	return state, true
}

// ServeWS upgrades the request and runs the connection until it drops.
func (h *Hub) ServeWS(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	roomID := q.Get("room")
	clientID := q.Get("client")
	if roomID == "" || clientID == "" {
		http.Error(w, "room and client are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("room", roomID), zap.Error(err))
		return
	}

	c := &client{
		id:     clientID,
		userID: q.Get("user"),
		name:   q.Get("name"),
		conn:   conn,
		send:   make(chan []byte, clientQueueSize),
	}
	h.serve(h.getRoom(roomID), c)
}

func (h *Hub) serve(r *room, c *client) {
	defer c.conn.Close()
	log := h.log.With(zap.String("room", r.id), zap.String("client", c.id))

	// The first frame must be the sync request; the merged room state goes
	// back before the client is registered, so no broadcast can outrun the
	// handshake answer.
	if err := h.handshake(r, c); err != nil {
		log.Warn("handshake failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	if prev, ok := r.clients[c.id]; ok {
		prev.close()
	}
	r.clients[c.id] = c
	r.mu.Unlock()
	log.Info("client joined")

	go c.writePump()
	h.readPump(r, c, log)

	h.leave(r, c, log)
}

func (h *Hub) handshake(r *room, c *client) error {
	msg, err := readFrame(c.conn)
	if err != nil {
		return err
	}
	if msg.Type != syncp.MsgSyncRequest {
		return errUnexpectedFrame(msg.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.ApplyUpdate(msg.Payload, doc.OriginRemote); err != nil {
		return err
	}
	state, err := r.doc.EncodeState()
	if err != nil {
		return err
	}
	frame, err := syncp.EncodeMessage(&syncp.Message{Type: syncp.MsgSyncState, Room: r.id, Payload: state})
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (h *Hub) readPump(r *room, c *client, log *zap.Logger) {
	for {
		msg, err := readFrame(c.conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case syncp.MsgUpdate:
			r.mu.Lock()
			err := r.doc.ApplyUpdate(msg.Payload, doc.OriginRemote)
			r.mu.Unlock()
			if err != nil {
				// The sender stays connected; its next good state heals this.
				log.Warn("update rejected", zap.Error(err))
				continue
			}
			h.broadcast(r, c.id, msg)
		case syncp.MsgAwareness:
			if msg.Presence == nil {
				continue
			}
			if err := h.presence.Set(context.Background(), r.id, *msg.Presence); err != nil {
				log.Warn("presence store failed", zap.Error(err))
			}
			h.broadcast(r, c.id, msg)
		default:
			log.Warn("dropping unexpected frame", zap.Uint8("type", uint8(msg.Type)))
		}
	}
}

// broadcast fans a frame out to every room member except the sender. Slow
// consumers are dropped rather than allowed to stall the room.
func (h *Hub) broadcast(r *room, senderID string, msg *syncp.Message) {
	frame, err := syncp.EncodeMessage(msg)
	if err != nil {
		return
	}
	r.mu.Lock()
	var stalled []*client
	for id, member := range r.clients {
		if id == senderID {
			continue
		}
		select {
		case member.send <- frame:
		default:
			// Take it out of the room under the lock so no later broadcast
			// touches the closed queue.
			delete(r.clients, id)
			stalled = append(stalled, member)
		}
	}
	r.mu.Unlock()

	for _, member := range stalled {
		h.log.Warn("dropping stalled client", zap.String("room", r.id), zap.String("client", member.id))
		member.close()
	}
}

func (h *Hub) leave(r *room, c *client, log *zap.Logger) {
	r.mu.Lock()
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
	}
	empty := len(r.clients) == 0
	r.mu.Unlock()
	c.close()

	if err := h.presence.Remove(context.Background(), r.id, c.id); err != nil {
		log.Warn("presence remove failed", zap.Error(err))
	}
	// Tell the remaining members the peer is gone.
	h.broadcast(r, c.id, &syncp.Message{
		Type:     syncp.MsgAwareness,
		Room:     r.id,
		ClientID: c.id,
		Presence: &awareness.Presence{ClientID: c.id, UpdatedAt: time.Now().UnixMilli(), Left: true},
	})
	log.Info("client left", zap.Bool("roomEmpty", empty))
}

// Shutdown closes every connection. The room replicas are discarded; clients
// re-seed them through handshakes on reconnect.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		for _, c := range r.clients {
			c.close()
			c.conn.Close()
		}
		r.clients = make(map[string]*client)
		r.mu.Unlock()
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func (c *client) writePump() {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
	// Channel closed: the client was kicked or the room shut down.
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	c.conn.Close()
}

func readFrame(conn *websocket.Conn) (*syncp.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return syncp.DecodeMessage(data)
}

type errUnexpectedFrame syncp.MsgType

func (e errUnexpectedFrame) Error() string {
	return "unexpected frame type during handshake"
}
