package agentsession

import (
	"context"
	"testing"
)

func TestGetOrCreateGroupAssignsIncrementingLabels(t *testing.T) {
	r := NewRegistry(t.TempDir())

	g1 := r.GetOrCreateGroup("session-a")
	g2 := r.GetOrCreateGroup("session-b")
	g1Again := r.GetOrCreateGroup("session-a")

	if g1.Label != "Session 1" || g2.Label != "Session 2" {
		t.Fatalf("expected incrementing labels, got %q and %q", g1.Label, g2.Label)
	}
	if g1Again != g1 {
		t.Fatalf("expected GetOrCreateGroup to reuse the existing group")
	}
}

func TestAddTabToSessionAndLookup(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.AddTabToSession("tab-1", "session-a")

	if got := r.GetSessionForTab("tab-1"); got != "session-a" {
		t.Errorf("expected session-a, got %q", got)
	}
	if got := r.GetSessionForTab("unknown"); got != "" {
		t.Errorf("expected empty string for unknown tab, got %q", got)
	}
}

func TestCloseSessionReturnsTabsAndClearsBookkeeping(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.AddTabToSession("tab-1", "session-a")
	r.AddTabToSession("tab-2", "session-a")

	tabs := r.CloseSession("session-a")
	if len(tabs) != 2 {
		t.Fatalf("expected 2 tabs returned, got %d", len(tabs))
	}
	if got := r.GetSessionForTab("tab-1"); got != "" {
		t.Errorf("expected tab-1 to be unbound after close, got %q", got)
	}
	if got := r.CloseSession("session-a"); got != nil {
		t.Errorf("expected nil on closing an already-closed session, got %v", got)
	}
}

func TestInitializeDiscardsStaleGroups(t *testing.T) {
	dir := t.TempDir()
	r1 := NewRegistry(dir)
	r1.AddTabToSession("tab-1", "session-a")
	r1.AddTabToSession("tab-2", "session-b")

	r2 := NewRegistry(dir)
	liveTabs := map[string]bool{"tab-1": true}
	if err := r2.Initialize(context.Background(), func(tabID string) bool { return liveTabs[tabID] }); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if got := r2.GetSessionForTab("tab-1"); got != "session-a" {
		t.Errorf("expected session-a preserved for live tab, got %q", got)
	}
	if got := r2.GetSessionForTab("tab-2"); got != "" {
		t.Errorf("expected session-b discarded for stale tab, got %q", got)
	}

	g3 := r2.GetOrCreateGroup("session-c")
	if g3.Label != "Session 2" {
		t.Errorf("expected label counter reseeded past surviving session, got %q", g3.Label)
	}
}
