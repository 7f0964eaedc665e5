package image

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCacheStorePublishAndGet(t *testing.T) {
	s := newCacheStore(t.TempDir())

	entry := CacheEntry{
		Tag:        "analytics",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		StorageRef: "containers-storage:localhost/microvm-sandbox:analytics",
		Packages:   []string{"numpy", "pandas"},
		BaseImage:  "docker.io/library/python:3.12-slim",
	}
	if err := s.publish(entry); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, ok := s.get("analytics")
	if !ok {
		t.Fatal("entry not found after publish")
	}
	if got.StorageRef != entry.StorageRef || len(got.Packages) != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestCacheStoreListEmptyAndMissing(t *testing.T) {
	s := newCacheStore(filepath.Join(t.TempDir(), "never-created"))

	entries, err := s.list()
	if err != nil {
		t.Fatalf("list on missing dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len = %d, want 0", len(entries))
	}
}

func TestCacheStoreListOrderedByCreation(t *testing.T) {
	s := newCacheStore(t.TempDir())

	base := time.Now().UTC()
	for i, tag := range []string{"c", "a", "b"} {
		err := s.publish(CacheEntry{
			Tag:       tag,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("publish %s: %v", tag, err)
		}
	}

	entries, err := s.list()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].Tag != "c" || entries[1].Tag != "a" || entries[2].Tag != "b" {
		t.Errorf("order = %s,%s,%s, want creation order c,a,b",
			entries[0].Tag, entries[1].Tag, entries[2].Tag)
	}
}

func TestCacheStoreLastWriterWins(t *testing.T) {
	s := newCacheStore(t.TempDir())

	if err := s.publish(CacheEntry{Tag: "x", StorageRef: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.publish(CacheEntry{Tag: "x", StorageRef: "second"}); err != nil {
		t.Fatal(err)
	}

	got, ok := s.get("x")
	if !ok || got.StorageRef != "second" {
		t.Errorf("got (%+v, %v), want the later write", got, ok)
	}

	entries, _ := s.list()
	if len(entries) != 1 {
		t.Errorf("len = %d, want 1 (republish replaces, not duplicates)", len(entries))
	}
}

func TestCacheStoreIgnoresTornAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s := newCacheStore(dir)

	if err := s.publish(CacheEntry{Tag: "good"}); err != nil {
		t.Fatal(err)
	}
	// Simulated leftovers: a temp file mid-write and junk.
	if err := os.WriteFile(filepath.Join(dir, "entries", ".bad-123"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "entries", "corrupt.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := s.list()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Tag != "good" {
		t.Errorf("entries = %+v, want only the valid one", entries)
	}
}

func TestCacheStoreClearIdempotent(t *testing.T) {
	s := newCacheStore(t.TempDir())

	if _, err := s.clear(); err != nil {
		t.Fatalf("clear on empty: %v", err)
	}

	if err := s.publish(CacheEntry{Tag: "a"}); err != nil {
		t.Fatal(err)
	}
	removed, err := s.clear()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(removed) != 1 {
		t.Errorf("removed = %d, want 1", len(removed))
	}
	if _, err := s.clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}
