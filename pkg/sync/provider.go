// Package sync owns the websocket connection of one (document, client) pair:
// the initial state exchange, bidirectional update relay, presence piggyback,
// and connection status reporting.
package sync

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/shinyes/yep_collab/pkg/awareness"
	"github.com/shinyes/yep_collab/pkg/doc"
)

const (
	// DefaultConnectTimeout is the watchdog window: if no connected signal
	// arrives within it, the provider reports "not ready" without touching
	// the in-flight dial.
	DefaultConnectTimeout = 15 * time.Second

	handshakeTimeout = 10 * time.Second
	sendQueueSize    = 64
)

var ErrNoTransport = errors.New("transport endpoint not configured")

// Options configures a Provider.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host/collab/ws.
	URL string
	// Room is the derived room id scoping which clients synchronize.
	Room string

	Document  *doc.Document
	Awareness *awareness.Awareness

	// Identity fields passed as connection parameters for the remote peer's
	// benefit. Authorization happens before the upgrade, outside this layer.
	UserID      string
	DisplayName string

	// ConnectTimeout overrides the watchdog window. 0 means default.
	ConnectTimeout time.Duration

	// OnNotReady fires once per Connect if the watchdog window elapses
	// without a connected signal.
	OnNotReady func()

	Dialer *websocket.Dialer
}

// Provider relays document updates and presence over one websocket
// connection. Construction never dials: the caller registers its listeners
// first and then calls Connect, which establishes the connection
// asynchronously, so no frame can arrive before a handler exists.
type Provider struct {
	opts Options

	mu              sync.Mutex
	status          Status
	statusListeners map[int]func(Status)
	nextID          int
	desired         bool
	conn            *websocket.Conn
	quit            chan struct{}
	watchdog        *time.Timer
	notReady        bool

	sendCh   chan *Message
	unsubDoc func()
}

// NewProvider wires a provider to a document and awareness channel. It does
// not touch the network.
func NewProvider(opts Options) (*Provider, error) {
	if opts.URL == "" {
		return nil, ErrNoTransport
	}
	if opts.Room == "" || opts.Document == nil || opts.Awareness == nil {
		return nil, fmt.Errorf("room, document and awareness are required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	p := &Provider{
		opts:            opts,
		statusListeners: make(map[int]func(Status)),
		sendCh:          make(chan *Message, sendQueueSize),
	}

	p.unsubDoc = opts.Document.OnUpdate(func(update []byte, origin doc.Origin) {
		if origin != doc.OriginLocal {
			return
		}
		p.enqueue(&Message{Type: MsgUpdate, Room: opts.Room, ClientID: opts.Awareness.ClientID(), Payload: update})
	})
	opts.Awareness.OnLocalChange(func(presence awareness.Presence) {
		p.enqueue(&Message{Type: MsgAwareness, Room: opts.Room, ClientID: presence.ClientID, Presence: &presence})
	})

	return p, nil
}

// Status returns the current connection status.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// NotReady reports whether the watchdog fired for the current Connect.
func (p *Provider) NotReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notReady
}

// OnStatus registers a status listener and returns its unsubscribe function.
func (p *Provider) OnStatus(fn func(Status)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.statusListeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.statusListeners, id)
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	fns := make([]func(Status), 0, len(p.statusListeners))
	for _, fn := range p.statusListeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Connect starts establishing the connection. Idempotent while a connection
// is desired. The watchdog arms here and only observes; it never cancels the
// dial.
func (p *Provider) Connect() {
	p.mu.Lock()
	if p.desired {
		p.mu.Unlock()
		return
	}
	p.desired = true
	p.notReady = false
	p.quit = make(chan struct{})
	quit := p.quit
	p.watchdog = time.AfterFunc(p.opts.ConnectTimeout, p.watchdogFired)
	p.mu.Unlock()

	go p.run(quit)
}

func (p *Provider) watchdogFired() {
	p.mu.Lock()
	if !p.desired || p.status == StatusConnected {
		p.mu.Unlock()
		return
	}
	p.notReady = true
	fn := p.opts.OnNotReady
	p.mu.Unlock()

	log.Printf("[Provider:%s] no connection within %s, reporting not ready", p.opts.Room, p.opts.ConnectTimeout)
	if fn != nil {
		fn()
	}
}

func (p *Provider) isDesired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

func (p *Provider) run(quit chan struct{}) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // retry for as long as the session is desired

	for p.isDesired() {
		p.setStatus(StatusConnecting)

		conn, err := p.dial()
		if err == nil {
			err = p.handshake(conn)
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			log.Printf("[Provider:%s] connect failed: %v", p.opts.Room, err)
			p.setStatus(StatusDisconnected)
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-quit:
				return
			}
		}
		bo.Reset()

		p.mu.Lock()
		if !p.desired {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conn = conn
		p.mu.Unlock()

		p.setStatus(StatusConnected)
		p.stopWatchdog()
		p.announcePresence()

		done := make(chan struct{})
		go p.writeLoop(conn, done)
		p.readLoop(conn) // blocks until the connection drops
		close(done)
		conn.Close()

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()

		// Peers will re-announce after reconnect; wipe what we knew.
		p.opts.Awareness.Clear()

		if !p.isDesired() {
			return
		}
		// Unexpected drop while the session is still desired: reconnect.
		log.Printf("[Provider:%s] connection lost, reconnecting", p.opts.Room)
		p.setStatus(StatusDisconnected)
	}
}

func (p *Provider) dial() (*websocket.Conn, error) {
	u, err := url.Parse(p.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("bad transport url: %w", err)
	}
	q := u.Query()
	q.Set("room", p.opts.Room)
	q.Set("client", p.opts.Awareness.ClientID())
	q.Set("user", p.opts.UserID)
	q.Set("name", p.opts.DisplayName)
	u.RawQuery = q.Encode()

	conn, _, err := p.opts.Dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake performs the one state exchange per connect: we send our full
// state, the relay answers with the room's merged state. Rejoining after an
// offline stretch therefore recovers missed updates through the CRDT merge,
// never by overwrite.
func (p *Provider) handshake(conn *websocket.Conn) error {
	state, err := p.opts.Document.EncodeState()
	if err != nil {
		return err
	}
	frame, err := EncodeMessage(&Message{
		Type:     MsgSyncRequest,
		Room:     p.opts.Room,
		ClientID: p.opts.Awareness.ClientID(),
		Payload:  state,
	})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Time{})

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	// Tolerate presence frames racing ahead of the sync answer.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			return err
		}
		switch msg.Type {
		case MsgSyncState:
			if err := p.opts.Document.ApplyUpdate(msg.Payload, doc.OriginRemote); err != nil {
				return fmt.Errorf("handshake state rejected: %w", err)
			}
			return nil
		case MsgAwareness:
			if msg.Presence != nil {
				p.opts.Awareness.ApplyRemote(*msg.Presence)
			}
		default:
			return fmt.Errorf("unexpected handshake frame type %d", msg.Type)
		}
	}
}

// announcePresence re-sends the local presence after (re)connect so peers on
// the new connection learn about us.
func (p *Provider) announcePresence() {
	if presence, ok := p.opts.Awareness.Local(); ok {
		p.enqueue(&Message{Type: MsgAwareness, Room: p.opts.Room, ClientID: presence.ClientID, Presence: &presence})
	}
}

// enqueue queues an outbound frame, dropping it when the queue is full.
// Frames carry full states, so a dropped update is recovered by any later
// one or by the next handshake.
func (p *Provider) enqueue(msg *Message) {
	select {
	case p.sendCh <- msg:
	default:
		log.Printf("[Provider:%s] send queue full, dropping frame type %d", p.opts.Room, msg.Type)
	}
}

func (p *Provider) writeLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-p.sendCh:
			frame, err := EncodeMessage(msg)
			if err != nil {
				log.Printf("[Provider:%s] encode frame failed: %v", p.opts.Room, err)
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// The read loop observes the same failure and drives
				// reconnection.
				return
			}
		}
	}
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			log.Printf("[Provider:%s] dropping malformed frame: %v", p.opts.Room, err)
			continue
		}
		switch msg.Type {
		case MsgUpdate, MsgSyncState:
			if err := p.opts.Document.ApplyUpdate(msg.Payload, doc.OriginRemote); err != nil {
				// Keep the last good state and the connection.
				log.Printf("[Provider:%s] remote update rejected: %v", p.opts.Room, err)
			}
		case MsgAwareness:
			if msg.Presence != nil {
				p.opts.Awareness.ApplyRemote(*msg.Presence)
			}
		}
	}
}

func (p *Provider) stopWatchdog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
}

// Disconnect is the requested teardown path: status flips to disconnected
// synchronously, before the socket teardown completes, and no reconnection
// is attempted.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	if !p.desired {
		p.mu.Unlock()
		return
	}
	p.desired = false
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
	if p.quit != nil {
		close(p.quit)
		p.quit = nil
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	p.setStatus(StatusDisconnected)
	if conn != nil {
		conn.Close()
	}
	p.opts.Awareness.Clear()
}

// Destroy disconnects and detaches from the document. Safe to call multiple
// times; the provider cannot be reused afterwards.
func (p *Provider) Destroy() {
	p.Disconnect()
	p.mu.Lock()
	unsub := p.unsubDoc
	p.unsubDoc = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
