package agentrouter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/devbridge/relay/internal/agentcdp"
	"github.com/devbridge/relay/internal/agentsession"
	"github.com/devbridge/relay/internal/wire"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	manager := agentcdp.NewManager("9222")
	sessions := agentsession.NewRegistry(t.TempDir())
	return New(manager, sessions)
}

func TestDispatchUnknownMethodErrors(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), extCmd(1, "bogus", nil))
	if resp.Error == "" {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestGetOrCreateSessionCreatesGroupWithNoTabs(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), extCmd(1, "getOrCreateSession", map[string]string{"sessionId": "s1"}))
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}

	var result struct {
		GroupID   string           `json:"groupId"`
		GroupName string           `json:"groupName"`
		Tabs      []sessionTabInfo `json:"tabs"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.GroupID == "" {
		t.Error("expected a non-empty groupId")
	}
	if result.GroupName != "Session 1" {
		t.Errorf("expected label %q, got %q", "Session 1", result.GroupName)
	}
	if len(result.Tabs) != 0 {
		t.Errorf("expected no tabs for a freshly created session, got %v", result.Tabs)
	}
}

func TestGetOrCreateSessionIsIdempotentPerSession(t *testing.T) {
	r := newTestRouter(t)
	first := r.Dispatch(context.Background(), extCmd(1, "getOrCreateSession", map[string]string{"sessionId": "s1"}))
	second := r.Dispatch(context.Background(), extCmd(2, "getOrCreateSession", map[string]string{"sessionId": "s1"}))

	var a, b struct {
		GroupID string `json:"groupId"`
	}
	json.Unmarshal(first.Result, &a)
	json.Unmarshal(second.Result, &b)
	if a.GroupID != b.GroupID {
		t.Errorf("expected the same group on repeated getOrCreateSession, got %q and %q", a.GroupID, b.GroupID)
	}
}

func TestGetOrCreateSessionMissingSessionID(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), extCmd(1, "getOrCreateSession", map[string]string{}))
	if resp.Error == "" {
		t.Fatal("expected an error when sessionId is missing")
	}
}

func TestGetSessionTabsEmptyForUnknownSession(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), extCmd(1, "getSessionTabs", map[string]string{"sessionId": "nope"}))
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	var tabs []sessionTabInfo
	if err := json.Unmarshal(resp.Result, &tabs); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(tabs) != 0 {
		t.Errorf("expected no tabs for an unknown session, got %v", tabs)
	}
}

func TestCloseSessionOnUnknownSessionIsStillSuccess(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), extCmd(1, "closeSession", map[string]string{"sessionId": "nope"}))
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	var result map[string]bool
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !result["success"] {
		t.Error("expected success:true even for a session with no bookkept tabs")
	}
}

func TestCloseSessionDropsGroupBookkeeping(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), extCmd(1, "getOrCreateSession", map[string]string{"sessionId": "s1"}))
	r.Dispatch(context.Background(), extCmd(2, "closeSession", map[string]string{"sessionId": "s1"}))

	// A fresh getOrCreateSession after close mints a new group rather than
	// reusing the closed one.
	resp := r.Dispatch(context.Background(), extCmd(3, "getOrCreateSession", map[string]string{"sessionId": "s1"}))
	var result struct {
		GroupName string `json:"groupName"`
	}
	json.Unmarshal(resp.Result, &result)
	if result.GroupName != "Session 2" {
		t.Errorf("expected the session counter to advance past the closed group, got %q", result.GroupName)
	}
}

func extCmd(id int64, method string, params any) wire.ExtCommand {
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	return wire.ExtCommand{ID: id, Method: method, Params: raw}
}
