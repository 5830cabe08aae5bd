// demo runs two collaboration sessions in one process against an embedded
// relay: both sessions edit the same document, converge over the wire, see
// each other's presence, and the first session persists snapshots to a
// throwaway badger store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/shinyes/yep_collab/pkg/identity"
	"github.com/shinyes/yep_collab/pkg/relay"
	"github.com/shinyes/yep_collab/pkg/session"
	"github.com/shinyes/yep_collab/pkg/store"
	syncp "github.com/shinyes/yep_collab/pkg/sync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	listen := flag.String("listen", "127.0.0.1:8090", "embedded relay listen address")
	docID := flag.String("doc", "Demo Document", "document id to collaborate on")
	dataDir := flag.String("data", "", "snapshot directory (default: temp dir)")
	verbose := flag.Bool("verbose", false, "show component logs")
	flag.Parse()

	if !*verbose {
		log.SetOutput(io.Discard)
	}

	hub := relay.NewHub(nil, nil)
	srv := &http.Server{Addr: *listen, Handler: relay.NewRouter(hub, nil)}
	go srv.ListenAndServe()
	defer srv.Close()
	defer hub.Shutdown()
	url := "ws://" + *listen + "/collab/ws"
	fmt.Printf("embedded relay on %s\n", url)

	dir := *dataDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "yep_collab_demo")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}
	st, err := store.NewBadgerStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	// Alice persists; Bob is a second, storage-less client.
	ctrlA := session.NewController(session.ControllerOptions{
		ServerURL: url,
		Store:     st,
		Debounce:  500 * time.Millisecond,
	})
	defer ctrlA.CloseAll()
	ctrlB := session.NewController(session.ControllerOptions{ServerURL: url})
	defer ctrlB.CloseAll()

	anon, err := identity.Anonymous()
	if err != nil {
		return err
	}
	sessA, err := ctrlA.Open(ctx, *docID, identity.Identity{ID: "user-alice", DisplayName: "Alice"})
	if err != nil {
		return err
	}
	sessB, err := ctrlB.Open(ctx, *docID, anon)
	if err != nil {
		return err
	}
	fmt.Printf("room: %s\nclients: Alice, %s\n\n", sessA.Room(), anon.DisplayName)

	if err := waitConnected(sessA, sessB); err != nil {
		return err
	}

	if err := sessA.Document().InsertText(0, "Hello"); err != nil {
		return err
	}
	if err := waitText(sessB, "Hello"); err != nil {
		return err
	}
	fmt.Printf("%s sees Alice's edit: %q\n", anon.DisplayName, sessB.Document().Text())

	if err := sessB.Document().InsertText(sessB.Document().Len(), ", world"); err != nil {
		return err
	}
	if err := waitText(sessA, "Hello, world"); err != nil {
		return err
	}
	fmt.Printf("Alice converged: %q\n", sessA.Document().Text())

	for _, p := range sessA.Awareness().Others() {
		fmt.Printf("Alice sees peer %s (color %s)\n", p.Name, p.Color)
	}

	if err := sessA.Save(ctx); err != nil {
		return err
	}
	fmt.Printf("snapshot saved to %s\n", dir)

	sessB.Close()
	sessA.Close()

	// Reopen from storage only: the text must survive without the relay.
	restored, err := ctrlA.Open(ctx, *docID, identity.Identity{ID: "user-alice", DisplayName: "Alice"})
	if err != nil {
		return err
	}
	defer restored.Close()
	fmt.Printf("restored from snapshot: %q\n", restored.Document().Text())
	return nil
}

func waitConnected(sessions ...*session.Session) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ok := true
		for _, s := range sessions {
			if s.Provider().Status() != syncp.StatusConnected {
				ok = false
			}
		}
		if ok {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("sessions never connected")
}

func waitText(s *session.Session, want string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Document().Text() == want {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("document never reached %q, last %q", want, s.Document().Text())
}
