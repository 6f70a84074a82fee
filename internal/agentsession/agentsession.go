// Package agentsession is the agent-side stand-in for the extension's
// chrome.tabGroups-backed session registry: it tracks which tabs belong
// to which agent session using its own persisted bookkeeping, since
// Chrome's tab-grouping UI has no CDP surface to drive from outside the
// browser process (see the REDESIGN note this repo carries for
// Component B). Grounded on the teacher's internal/logger/path.go
// session-id idiom and internal/persist's atomic-rename discipline.
package agentsession

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/devbridge/relay/internal/persist"
)

// Group is the durable home of one agent session's tabs: a label (the
// "Session N" name a tab group would have carried) and the set of tab
// ids currently bookkept under it.
type Group struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Label     string          `json:"label"`
	TabIDs    map[string]bool `json:"tabIds"`
}

type groupFile struct {
	Version int     `json:"version"`
	Groups  []Group `json:"groups"`
}

const currentVersion = 1

// TabLiveChecker reports whether a bookkept tab id still round-trips
// through the agent's live tab manager, used by Initialize to cull
// stale groups the way the teacher's session registry verifies a
// group still exists in the browser.
type TabLiveChecker func(tabID string) bool

// Registry is the agent's in-memory session↔group bookkeeping, backed
// by a small persisted file (groups.json) using the same atomic-rename
// discipline as internal/persist.Store.
type Registry struct {
	path string

	mu          sync.RWMutex
	groups      map[string]*Group // sessionID -> group
	tabSession  map[string]string // tabID -> sessionID
	nextSession int
}

// NewRegistry returns a Registry backed by <dir>/groups.json.
func NewRegistry(dir string) *Registry {
	return &Registry{
		path:       filepath.Join(dir, "groups.json"),
		groups:     make(map[string]*Group),
		tabSession: make(map[string]string),
	}
}

// Initialize loads persisted (sessionId, groupId, label) triples,
// discards any whose tabs no longer check out live, and reseeds the
// "Session N" label counter from the highest surviving N.
func (r *Registry) Initialize(ctx context.Context, isLive TabLiveChecker) error {
	data, existed, err := persist.ReadFile(r.path)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}

	var gf groupFile
	if err := json.Unmarshal(data, &gf); err != nil {
		return fmt.Errorf("agentsession: parse %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range gf.Groups {
		live := false
		for tabID := range g.TabIDs {
			if isLive == nil || isLive(tabID) {
				live = true
				break
			}
		}
		if !live {
			continue
		}

		gCopy := g
		if gCopy.TabIDs == nil {
			gCopy.TabIDs = make(map[string]bool)
		}
		r.groups[g.SessionID] = &gCopy
		for tabID := range gCopy.TabIDs {
			r.tabSession[tabID] = g.SessionID
		}
		if n := parseSessionNumber(g.Label); n > r.nextSession {
			r.nextSession = n
		}
	}
	return nil
}

// GetOrCreateGroup returns the group for sessionID, creating one (with
// a fresh "Session N" label) if this is the first reference to it.
func (r *Registry) GetOrCreateGroup(sessionID string) *Group {
	r.mu.RLock()
	if g, ok := r.groups[sessionID]; ok {
		r.mu.RUnlock()
		return g
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[sessionID]; ok {
		return g
	}

	r.nextSession++
	g := &Group{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Label:     fmt.Sprintf("Session %d", r.nextSession),
		TabIDs:    make(map[string]bool),
	}
	r.groups[sessionID] = g
	r.persistLocked()
	return g
}

// AddTabToSession records tabID as a member of sessionID's group,
// creating the group if it does not yet exist.
func (r *Registry) AddTabToSession(tabID, sessionID string) {
	r.GetOrCreateGroup(sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[sessionID].TabIDs[tabID] = true
	r.tabSession[tabID] = sessionID
	r.persistLocked()
}

// GetSessionForTab resolves a tab to its owning session, or "" if the
// tab is not bookkept under any group.
func (r *Registry) GetSessionForTab(tabID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tabSession[tabID]
}

// TabsInSession returns the tab ids currently bookkept under sessionID,
// or nil if the session has no group yet.
func (r *Registry) TabsInSession(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[sessionID]
	if !ok {
		return nil
	}
	tabIDs := make([]string, 0, len(g.TabIDs))
	for tabID := range g.TabIDs {
		tabIDs = append(tabIDs, tabID)
	}
	return tabIDs
}

// CloseSession returns the set of tab ids owned by sessionID and
// removes the group's bookkeeping entirely; the caller is responsible
// for actually closing those tabs via agentcdp.
func (r *Registry) CloseSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[sessionID]
	if !ok {
		return nil
	}

	tabIDs := make([]string, 0, len(g.TabIDs))
	for tabID := range g.TabIDs {
		tabIDs = append(tabIDs, tabID)
		delete(r.tabSession, tabID)
	}
	delete(r.groups, sessionID)
	r.persistLocked()
	return tabIDs
}

// persistLocked writes the current snapshot to disk; r.mu must already
// be held for writing. Best-effort: a failed write is not fatal since
// the next mutation will retry the full snapshot.
func (r *Registry) persistLocked() {
	groups := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, *g)
	}
	data, err := json.MarshalIndent(groupFile{Version: currentVersion, Groups: groups}, "", "  ")
	if err != nil {
		return
	}
	_ = persist.WriteFileAtomic(r.path, data)
}

func parseSessionNumber(label string) int {
	var n int
	if _, err := fmt.Sscanf(label, "Session %d", &n); err != nil {
		return 0
	}
	return n
}
