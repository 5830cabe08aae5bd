package snapshot

import (
	"testing"

	"github.com/shinyes/yep_collab/pkg/doc"
)

func TestSnapshotRoundTrip(t *testing.T) {
	// Reachable document states: empty, single edit, concurrent merge.
	a := doc.New("demo-1", "alice")
	b := doc.New("demo-1", "bob")
	if err := a.InsertText(0, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := b.InsertText(0, " world"); err != nil {
		t.Fatal(err)
	}
	stateB, err := b.EncodeState()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ApplyUpdate(stateB, doc.OriginRemote); err != nil {
		t.Fatal(err)
	}

	docs := map[string]*doc.Document{
		"empty":  doc.New("demo-1", "alice"),
		"edited": b,
		"merged": a,
	}
	for name, d := range docs {
		state, err := d.EncodeState()
		if err != nil {
			t.Fatalf("%s: encode state: %v", name, err)
		}
		encoded, err := Encode(&Snapshot{
			DocumentID: "demo-1",
			Version:    42,
			CreatedBy:  "alice",
			Kind:       KindAuto,
			CreatedAt:  1700000000000,
			State:      state,
		})
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}

		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if got.DocumentID != "demo-1" || got.Version != 42 || got.Kind != KindAuto {
			t.Fatalf("%s: envelope fields lost: %+v", name, got)
		}

		// The decoded state must rebuild the same document on a fresh replica.
		fresh := doc.New("demo-1", "restore")
		if err := fresh.ApplyUpdate(got.State, doc.OriginReplay); err != nil {
			t.Fatalf("%s: replay: %v", name, err)
		}
		if fresh.Text() != d.Text() {
			t.Fatalf("%s: reconstruction mismatch: %q vs %q", name, fresh.Text(), d.Text())
		}
	}
}

func TestDecodeRejectsCorruptPayloads(t *testing.T) {
	cases := map[string]string{
		"not base64":    "%%% not base64 %%%",
		"foreign bytes": "anVzdCBzb21lIGJ5dGVz", // valid base64, not msgpack
		"empty":         "",
	}
	for name, payload := range cases {
		if _, err := Decode(payload); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestEncodeRejectsIncompleteSnapshot(t *testing.T) {
	if _, err := Encode(&Snapshot{DocumentID: "", State: []byte("x")}); err == nil {
		t.Fatal("expected error for missing document id")
	}
	if _, err := Encode(&Snapshot{DocumentID: "d", State: nil}); err == nil {
		t.Fatal("expected error for empty state")
	}
}
