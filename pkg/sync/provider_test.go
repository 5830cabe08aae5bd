package sync_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shinyes/yep_collab/pkg/awareness"
	"github.com/shinyes/yep_collab/pkg/doc"
	"github.com/shinyes/yep_collab/pkg/relay"
	syncp "github.com/shinyes/yep_collab/pkg/sync"
)

func newTestRelay(t *testing.T) (string, func()) {
	t.Helper()
	hub := relay.NewHub(nil, nil)
	srv := httptest.NewServer(relay.NewRouter(hub, nil))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"
	return wsURL, func() {
		hub.Shutdown()
		srv.Close()
	}
}

func newClient(t *testing.T, url, room, user string) (*doc.Document, *awareness.Awareness, *syncp.Provider) {
	t.Helper()
	d := doc.New(room, user)
	a := awareness.New(uuid.NewString())
	p, err := syncp.NewProvider(syncp.Options{
		URL:       url,
		Room:      room,
		Document:  d,
		Awareness: a,
		UserID:    user,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return d, a, p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConstructionDoesNotDial(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, _, p := newClient(t, url, "room-a", "u1")
	defer p.Destroy()

	time.Sleep(150 * time.Millisecond)
	if n := hits.Load(); n != 0 {
		t.Fatalf("construction dialed %d times before Connect", n)
	}
	if p.Status() != syncp.StatusDisconnected {
		t.Fatalf("status before Connect = %v", p.Status())
	}
}

func TestTwoClientsConverge(t *testing.T) {
	url, stop := newTestRelay(t)
	defer stop()

	docA, _, provA := newClient(t, url, "room-conv", "alice")
	defer provA.Destroy()
	docB, _, provB := newClient(t, url, "room-conv", "bob")
	defer provB.Destroy()

	if err := docA.InsertText(0, "hello"); err != nil {
		t.Fatal(err)
	}

	provA.Connect()
	waitFor(t, "A connected", func() bool { return provA.Status() == syncp.StatusConnected })
	provB.Connect()

	// B joined after A's edit: the handshake must deliver it.
	waitFor(t, "B received pre-join edit", func() bool { return docB.Text() == "hello" })

	if err := docB.InsertText(5, " world"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "A received B's edit", func() bool { return docA.Text() == "hello world" })

	if err := docA.DeleteText(0, 6); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delete propagated", func() bool { return docB.Text() == "world" })
}

func TestPresencePropagation(t *testing.T) {
	url, stop := newTestRelay(t)
	defer stop()

	_, awA, provA := newClient(t, url, "room-pres", "alice")
	defer provA.Destroy()
	_, awB, provB := newClient(t, url, "room-pres", "bob")
	defer provB.Destroy()

	awA.SetLocal(awareness.Presence{UserID: "alice", Name: "Alice"})
	awB.SetLocal(awareness.Presence{UserID: "bob", Name: "Bob"})

	provA.Connect()
	provB.Connect()

	waitFor(t, "A sees B", func() bool {
		others := awA.Others()
		return len(others) == 1 && others[0].Name == "Bob"
	})
	waitFor(t, "B sees A", func() bool {
		others := awB.Others()
		return len(others) == 1 && others[0].Name == "Alice"
	})

	// A peer disconnecting must vanish from the others view via tombstone.
	provB.Disconnect()
	waitFor(t, "A sees B leave", func() bool { return len(awA.Others()) == 0 })
}

func TestDisconnectFlipsStatusSynchronously(t *testing.T) {
	url, stop := newTestRelay(t)
	defer stop()

	_, aw, prov := newClient(t, url, "room-disc", "alice")
	defer prov.Destroy()
	aw.SetLocal(awareness.Presence{UserID: "alice", Name: "Alice"})

	prov.Connect()
	waitFor(t, "connected", func() bool { return prov.Status() == syncp.StatusConnected })

	prov.Disconnect()
	if got := prov.Status(); got != syncp.StatusDisconnected {
		t.Fatalf("status immediately after Disconnect = %v", got)
	}

	// No reconnection may follow a requested disconnect.
	time.Sleep(300 * time.Millisecond)
	if got := prov.Status(); got != syncp.StatusDisconnected {
		t.Fatalf("provider reconnected after Disconnect: %v", got)
	}
}

func TestReconnectAfterDroppedConnection(t *testing.T) {
	hub := relay.NewHub(nil, nil)
	router := relay.NewRouter(hub, nil)
	var drops atomic.Int32
	drops.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/collab/ws") && drops.Add(-1) >= 0 {
			// Accept and immediately drop the first attempt.
			up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
			if conn, err := up.Upgrade(w, r, nil); err == nil {
				conn.Close()
			}
			return
		}
		router.ServeHTTP(w, r)
	}))
	defer srv.Close()
	defer hub.Shutdown()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"
	d, _, prov := newClient(t, url, "room-retry", "alice")
	defer prov.Destroy()

	if err := d.InsertText(0, "offline edit"); err != nil {
		t.Fatal(err)
	}

	prov.Connect()
	waitFor(t, "connected after retry", func() bool { return prov.Status() == syncp.StatusConnected })

	state, ok := hub.RoomState("room-retry")
	if !ok {
		t.Fatal("room not seeded after reconnect")
	}
	replica := doc.NewReplica("room-retry")
	if err := replica.ApplyUpdate(state, doc.OriginRemote); err != nil {
		t.Fatal(err)
	}
	if replica.Text() != "offline edit" {
		t.Fatalf("relay state after reconnect = %q", replica.Text())
	}
}

func TestWatchdogReportsNotReady(t *testing.T) {
	d := doc.New("room-wd", "alice")
	a := awareness.New(uuid.NewString())
	notReady := make(chan struct{}, 1)
	p, err := syncp.NewProvider(syncp.Options{
		URL:            "ws://127.0.0.1:9/collab/ws",
		Room:           "room-wd",
		Document:       d,
		Awareness:      a,
		ConnectTimeout: 50 * time.Millisecond,
		OnNotReady:     func() { notReady <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()

	p.Connect()
	select {
	case <-notReady:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
	if !p.NotReady() {
		t.Fatal("NotReady not latched")
	}
	if p.Status() == syncp.StatusConnected {
		t.Fatal("connected to a dead endpoint")
	}
}

func TestMalformedRemoteFramesKeepConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := syncp.DecodeMessage(data)
		if err != nil || req.Type != syncp.MsgSyncRequest {
			return
		}
		// Echo the client's own state as the handshake answer.
		ack, _ := syncp.EncodeMessage(&syncp.Message{Type: syncp.MsgSyncState, Payload: req.Payload})
		if err := conn.WriteMessage(websocket.BinaryMessage, ack); err != nil {
			return
		}

		// A garbage update must be rejected without dropping the connection.
		junk, _ := syncp.EncodeMessage(&syncp.Message{Type: syncp.MsgUpdate, Payload: []byte("not a state")})
		conn.WriteMessage(websocket.BinaryMessage, junk)

		other := doc.New("room-junk", "server")
		other.InsertText(0, "recovered")
		state, _ := other.EncodeState()
		good, _ := syncp.EncodeMessage(&syncp.Message{Type: syncp.MsgUpdate, Payload: state})
		conn.WriteMessage(websocket.BinaryMessage, good)

		// Hold the connection open until the test finishes.
		conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	d, _, prov := newClient(t, url, "room-junk", "alice")
	defer prov.Destroy()

	prov.Connect()
	waitFor(t, "good update applied after junk", func() bool { return d.Text() == "recovered" })
	if prov.Status() != syncp.StatusConnected {
		t.Fatalf("connection dropped on malformed frame: %v", prov.Status())
	}
}
