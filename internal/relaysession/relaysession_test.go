package relaysession

import "testing"

type fakeConn struct{ sent []any }

func (f *fakeConn) WriteJSON(v any) error {
	f.sent = append(f.sent, v)
	return nil
}

func TestValidateSession(t *testing.T) {
	if err := ValidateSession(""); err == nil {
		t.Error("expected error for empty session id")
	}
	if err := ValidateSession("has:colon"); err == nil {
		t.Error("expected error for session id with colon")
	}
	if err := ValidateSession("default"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidateName(t *testing.T) {
	if err := ValidateName(""); err == nil {
		t.Error("expected error for empty name")
	}
	if err := ValidateName("a:b"); err == nil {
		t.Error("expected error for name with colon")
	}
	long := make([]byte, 257)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateName(string(long)); err == nil {
		t.Error("expected error for overlong name")
	}
	if err := ValidateName("main"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRegisterAndUnregisterClient(t *testing.T) {
	reg := NewRegistry()
	c := &Client{ID: "c1", SessionID: "default", Conn: &fakeConn{}, KnownTargets: map[string]bool{}}

	reg.RegisterClient(c)

	if got := reg.Client("c1"); got != c {
		t.Fatalf("expected client to be registered")
	}
	sess := reg.SessionFor("c1")
	if sess == nil || !sess.ClientIDs["c1"] {
		t.Fatalf("expected client in session's client set")
	}

	reg.UnregisterClient("c1")
	if reg.Client("c1") != nil {
		t.Fatalf("expected client removed after unregister")
	}
	// Session persists even with no clients.
	if reg.SessionFor("c1") != nil {
		t.Fatalf("SessionFor should return nil for unregistered client")
	}
	if s := reg.EnsureSession("default"); s.ClientIDs["c1"] {
		t.Fatalf("expected client id removed from session's set")
	}
}

func TestNamedPageLifecycle(t *testing.T) {
	reg := NewRegistry()
	reg.EnsureSession("default")

	reg.SetNamedPage("default", "main", "cdp-sess-1")

	got, ok := reg.NamedPage("default", "main")
	if !ok || got != "cdp-sess-1" {
		t.Fatalf("expected named page to resolve, got %q ok=%v", got, ok)
	}

	pages := reg.NamedPagesInSession("default")
	if len(pages) != 1 || pages["main"] != "cdp-sess-1" {
		t.Fatalf("expected 1 named page, got %v", pages)
	}

	reg.RemoveNamedPage("default", "main")
	if _, ok := reg.NamedPage("default", "main"); ok {
		t.Fatalf("expected named page removed")
	}
}

func TestTargetByTargetID(t *testing.T) {
	reg := NewRegistry()
	reg.SetTarget("cdp-1", &Target{TargetID: "tgt-1", URL: "https://example.com"})

	sid, tgt, ok := reg.TargetByTargetID("tgt-1")
	if !ok || sid != "cdp-1" || tgt.URL != "https://example.com" {
		t.Fatalf("expected to find target by targetId, got sid=%q tgt=%v ok=%v", sid, tgt, ok)
	}

	reg.RemoveTarget("cdp-1")
	if _, _, ok := reg.TargetByTargetID("tgt-1"); ok {
		t.Fatalf("expected target removed")
	}
}

func TestSnapshot(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterClient(&Client{ID: "c1", SessionID: "default", Conn: &fakeConn{}})
	reg.SetNamedPage("default", "main", "cdp-1")

	stats := reg.Snapshot()
	if stats.ConnectedClients != 1 {
		t.Errorf("expected 1 connected client, got %d", stats.ConnectedClients)
	}
	if stats.NamedPages != 1 {
		t.Errorf("expected 1 named page, got %d", stats.NamedPages)
	}
}
