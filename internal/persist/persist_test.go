package persist

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	pages := []PageEntry{
		{Key: "default:main", TargetID: "tgt-1", LastSeen: time.Now()},
		{Key: "default:login", TargetID: "tgt-2", LastSeen: time.Now()},
	}

	if err := store.Save(pages); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := filepath.Glob(filepath.Join(dir, ".pages-*.tmp")); err != nil {
		t.Fatalf("glob failed: %v", err)
	}

	loaded, err := store.Load(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(loaded))
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(t.TempDir())
	pages, err := store.Load(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Load of missing file should not error, got %v", err)
	}
	if pages != nil {
		t.Errorf("expected nil pages, got %v", pages)
	}
}

func TestStoreLoadPrunesExpired(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	fresh := PageEntry{Key: "default:fresh", TargetID: "tgt-1", LastSeen: time.Now()}
	stale := PageEntry{Key: "default:stale", TargetID: "tgt-2", LastSeen: time.Now().Add(-8 * 24 * time.Hour)}

	if err := store.Save([]PageEntry{fresh, stale}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Key != "default:fresh" {
		t.Fatalf("expected only fresh entry to survive, got %v", loaded)
	}
}

func TestDebouncedSaverCoalesces(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	calls := 0
	snapshot := func() []PageEntry {
		calls++
		return []PageEntry{{Key: "default:p", TargetID: "tgt-1", LastSeen: time.Now()}}
	}

	saver := NewDebouncedSaver(store, 20*time.Millisecond, snapshot)
	saver.Trigger()
	saver.Trigger()
	saver.Trigger()

	time.Sleep(60 * time.Millisecond)

	if calls != 1 {
		t.Errorf("expected exactly 1 snapshot call from coalesced triggers, got %d", calls)
	}

	loaded, err := store.Load(time.Hour)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 page persisted, got %d", len(loaded))
	}
}

func TestDebouncedSaverFlush(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	snapshot := func() []PageEntry {
		return []PageEntry{{Key: "default:p", TargetID: "tgt-1", LastSeen: time.Now()}}
	}

	saver := NewDebouncedSaver(store, time.Hour, snapshot)
	saver.Trigger()

	if err := saver.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	loaded, err := store.Load(time.Hour)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected flush to have persisted immediately, got %d pages", len(loaded))
	}
}
