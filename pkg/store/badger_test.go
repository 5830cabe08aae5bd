package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shinyes/yep_collab/pkg/snapshot"
)

func TestBadgerStoreLatestWins(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.GetLatestSnapshot(ctx, "demo-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.InsertSnapshot(ctx, "demo-1", "first", snapshot.KindAuto); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, err := s.InsertSnapshot(ctx, "demo-1", "second", snapshot.KindManual)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a storage id")
	}
	// Another document must not leak into demo-1's scan.
	if _, err := s.InsertSnapshot(ctx, "demo-2", "other", snapshot.KindAuto); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetLatestSnapshot(ctx, "demo-1")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if got != "second" {
		t.Fatalf("expected second, got %q", got)
	}
}

func TestBadgerStoreSeparatorInDocumentID(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// Document ids are arbitrary caller strings. "a/b" extends "a" with the
	// key separator and must stay outside "a"'s range.
	ctx := context.Background()
	if _, err := s.InsertSnapshot(ctx, "a", "state-of-a", snapshot.KindAuto); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertSnapshot(ctx, "a/b", "state-of-a-slash-b", snapshot.KindAuto); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLatestSnapshot(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got != "state-of-a" {
		t.Fatalf(`document "a" was served another document's snapshot: got %q`, got)
	}
	got, err = s.GetLatestSnapshot(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if got != "state-of-a-slash-b" {
		t.Fatalf(`document "a/b" got %q`, got)
	}
	if _, err := s.GetLatestSnapshot(ctx, "a/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf(`expected ErrNotFound for "a/", got %v`, err)
	}
}

func TestMemoryStoreLatestWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetLatestSnapshot(ctx, "demo-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.InsertSnapshot(ctx, "demo-1", "a", snapshot.KindAuto); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertSnapshot(ctx, "demo-1", "b", snapshot.KindAuto); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLatestSnapshot(ctx, "demo-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "b" {
		t.Fatalf("expected b, got %q", got)
	}
	if s.Count("demo-1") != 2 {
		t.Fatalf("expected 2 rows, got %d", s.Count("demo-1"))
	}
}
