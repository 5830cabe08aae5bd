package awareness

import (
	"testing"
	"time"
)

func TestOthersExcludesSelf(t *testing.T) {
	a := New("client-a")
	a.SetLocal(Presence{UserID: "u1", Name: "Alice"})
	a.ApplyRemote(Presence{ClientID: "client-b", UserID: "u2", Name: "Bob", UpdatedAt: time.Now().UnixMilli()})

	others := a.Others()
	if len(others) != 1 {
		t.Fatalf("expected 1 other, got %d", len(others))
	}
	if others[0].ClientID != "client-b" {
		t.Fatalf("own record leaked into others view: %+v", others)
	}

	// An echo of our own record from the wire must be ignored.
	a.ApplyRemote(Presence{ClientID: "client-a", UserID: "u1", Name: "Echo", UpdatedAt: time.Now().UnixMilli()})
	if len(a.Others()) != 1 {
		t.Fatal("self echo changed others view")
	}
}

func TestColorStablePerUser(t *testing.T) {
	if ColorFor("user-1") != ColorFor("user-1") {
		t.Fatal("color not deterministic")
	}

	a := New("client-a")
	a.SetLocal(Presence{UserID: "u1", Name: "Alice"})
	first, _ := a.Local()
	a.SetLocal(Presence{UserID: "u1", Name: "Alice renamed"})
	second, _ := a.Local()
	if first.Color == "" || first.Color != second.Color {
		t.Fatalf("color reassigned mid-session: %q -> %q", first.Color, second.Color)
	}
}

func TestStaleUpdateSuperseded(t *testing.T) {
	a := New("client-a")
	a.ApplyRemote(Presence{ClientID: "client-b", Name: "new", UpdatedAt: 200})
	a.ApplyRemote(Presence{ClientID: "client-b", Name: "stale", UpdatedAt: 100})

	others := a.Others()
	if len(others) != 1 || others[0].Name != "new" {
		t.Fatalf("stale update won: %+v", others)
	}
}

func TestLeaveTombstoneRemovesRecord(t *testing.T) {
	a := New("client-a")
	a.ApplyRemote(Presence{ClientID: "client-b", Name: "Bob", UpdatedAt: 100})
	a.ApplyRemote(Presence{ClientID: "client-b", UpdatedAt: 200, Left: true})
	if len(a.Others()) != 0 {
		t.Fatal("left peer still visible")
	}
}

func TestOnChangeAndClear(t *testing.T) {
	a := New("client-a")
	var last []Presence
	calls := 0
	unsubscribe := a.OnChange(func(others []Presence) {
		last = others
		calls++
	})

	a.ApplyRemote(Presence{ClientID: "client-b", Name: "Bob", UpdatedAt: 100})
	if calls == 0 || len(last) != 1 {
		t.Fatalf("listener not fired: calls=%d others=%d", calls, len(last))
	}

	a.Clear()
	if len(last) != 0 {
		t.Fatal("clear did not empty others view")
	}

	unsubscribe()
	before := calls
	a.ApplyRemote(Presence{ClientID: "client-c", Name: "Eve", UpdatedAt: 100})
	if calls != before {
		t.Fatal("listener fired after unsubscribe")
	}
}

func TestLocalChangeHook(t *testing.T) {
	a := New("client-a")
	var sent []Presence
	a.OnLocalChange(func(p Presence) { sent = append(sent, p) })

	a.SetLocal(Presence{UserID: "u1", Name: "Alice"})
	if len(sent) != 1 {
		t.Fatalf("expected 1 outbound presence, got %d", len(sent))
	}
	if sent[0].ClientID != "client-a" || sent[0].Color == "" {
		t.Fatalf("outbound presence incomplete: %+v", sent[0])
	}
}
