package crdt

import (
	"math/rand"
	"testing"

	"github.com/shinyes/yep_collab/pkg/hlc"
)

func TestRGABasic(t *testing.T) {
	r := NewRGA(hlc.New())

	idA, err := r.InsertAfter(r.Head, "A")
	if err != nil {
		t.Fatalf("insert A failed: %v", err)
	}
	if got := r.String(); got != "A" {
		t.Fatalf("expected A, got %q", got)
	}

	if _, err := r.InsertAfter(idA, "B"); err != nil {
		t.Fatalf("insert B failed: %v", err)
	}
	if got := r.String(); got != "AB" {
		t.Fatalf("expected AB, got %q", got)
	}

	if err := r.Remove(idA); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if got := r.String(); got != "B" {
		t.Fatalf("expected B after tombstone, got %q", got)
	}
}

func TestRGAUnknownAnchor(t *testing.T) {
	r := NewRGA(hlc.New())
	if _, err := r.InsertAfter("nope", "X"); err == nil {
		t.Fatal("expected error for unknown anchor")
	}
}

func TestRGAVisibleID(t *testing.T) {
	r := NewRGA(hlc.New())
	anchor := r.Head
	for _, s := range []string{"a", "b", "c"} {
		id, err := r.InsertAfter(anchor, s)
		if err != nil {
			t.Fatalf("insert %s: %v", s, err)
		}
		anchor = id
	}

	id, _, err := r.VisibleID(1)
	if err != nil {
		t.Fatalf("VisibleID(1): %v", err)
	}
	if r.Vertices[id].Value != "b" {
		t.Fatalf("expected vertex b, got %q", r.Vertices[id].Value)
	}
	if _, _, err := r.VisibleID(3); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestRGAConcurrentInsertConverges(t *testing.T) {
	// Two replicas created independently for the same document share the
	// fixed head, so they can merge without a common ancestor exchange.
	r1 := NewRGA(hlc.New())
	r2 := NewRGA(hlc.New())

	if _, err := r1.InsertAfter(r1.Head, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := r2.InsertAfter(r2.Head, "B"); err != nil {
		t.Fatal(err)
	}

	if err := r1.Merge(r2); err != nil {
		t.Fatalf("merge r2 into r1: %v", err)
	}
	if err := r2.Merge(r1); err != nil {
		t.Fatalf("merge r1 into r2: %v", err)
	}

	if r1.String() != r2.String() {
		t.Fatalf("replicas diverged: %q vs %q", r1.String(), r2.String())
	}
	if len(r1.String()) != 2 {
		t.Fatalf("expected both inserts present, got %q", r1.String())
	}
}

func TestRGAMergeIdempotent(t *testing.T) {
	r1 := NewRGA(hlc.New())
	r2 := NewRGA(hlc.New())
	if _, err := r2.InsertAfter(r2.Head, "X"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := r1.Merge(r2); err != nil {
			t.Fatalf("merge #%d: %v", i, err)
		}
	}
	if got := r1.String(); got != "X" {
		t.Fatalf("duplicate merge changed result: %q", got)
	}
}

func cloneRGA(t *testing.T, r *RGA) *RGA {
	t.Helper()
	data, err := r.Bytes()
	if err != nil {
		t.Fatalf("clone encode: %v", err)
	}
	c, err := RGAFromBytes(data)
	if err != nil {
		t.Fatalf("clone decode: %v", err)
	}
	c.SetClock(hlc.New())
	return c
}

// randomEdits applies n random inserts/removes to r.
func randomEdits(t *testing.T, rng *rand.Rand, r *RGA, n int, alphabet string) {
	t.Helper()
	for i := 0; i < n; i++ {
		length := r.Len()
		if length > 0 && rng.Intn(4) == 0 {
			id, _, err := r.VisibleID(rng.Intn(length))
			if err != nil {
				t.Fatalf("VisibleID: %v", err)
			}
			if err := r.Remove(id); err != nil {
				t.Fatalf("remove: %v", err)
			}
			continue
		}
		anchor := r.Head
		if length > 0 {
			id, _, err := r.VisibleID(rng.Intn(length))
			if err != nil {
				t.Fatalf("VisibleID: %v", err)
			}
			anchor = id
		}
		ch := string(alphabet[rng.Intn(len(alphabet))])
		if _, err := r.InsertAfter(anchor, ch); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestRGAMergeCommutative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 25; round++ {
		base := NewRGA(hlc.New())
		randomEdits(t, rng, base, 5, "base")

		a := cloneRGA(t, base)
		b := cloneRGA(t, base)
		randomEdits(t, rng, a, 8, "abc")
		randomEdits(t, rng, b, 8, "xyz")

		// Merge in both orders on independent copies.
		ab := cloneRGA(t, a)
		if err := ab.Merge(b); err != nil {
			t.Fatalf("round %d: merge b into a: %v", round, err)
		}
		ba := cloneRGA(t, b)
		if err := ba.Merge(a); err != nil {
			t.Fatalf("round %d: merge a into b: %v", round, err)
		}

		if ab.String() != ba.String() {
			t.Fatalf("round %d: merge not commutative: %q vs %q", round, ab.String(), ba.String())
		}
	}
}

func TestRGAFromBytesRejectsGarbage(t *testing.T) {
	if _, err := RGAFromBytes([]byte("definitely not msgpack")); err == nil {
		t.Fatal("expected decode error")
	}
}
