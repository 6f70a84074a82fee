// Package relaysession holds the relay's in-memory bookkeeping: which
// clients are connected, which logical session each belongs to, which
// CDP targets are known, and which names have been claimed. All lookups
// are guarded by a single registry-wide lock, following the
// double-checked-locking shape of the teacher's TabRegistry.
package relaysession

import (
	"fmt"
	"strings"
	"sync"
)

// Conn is the minimal surface relaysession needs from a client's
// websocket connection; relayrouter/transport supply the concrete type.
type Conn interface {
	WriteJSON(v any) error
}

// Client is one connected CDP debugger client.
type Client struct {
	ID        string
	Conn      Conn
	SessionID string

	// KnownTargets is the per-client dedup set used to suppress
	// redundant attachedToTarget replays; it is never persisted and
	// always starts empty on (re)connect.
	KnownTargets map[string]bool
}

// Session is a logical grouping of clients and the named pages /
// target-sessions they share.
type Session struct {
	ID             string
	ClientIDs      map[string]bool
	PageNames      map[string]bool
	TargetSessions map[string]bool
}

// Target is a CDP target the agent has reported as attached.
type Target struct {
	TargetID   string
	CDPSession string
	URL        string
	Type       string
	Title      string
}

// Registry is the relay's single source of truth for session, client,
// and target state.
type Registry struct {
	mu sync.RWMutex

	sessions map[string]*Session
	clients  map[string]*Client

	connectedTargets map[string]*Target // keyed by cdpSessionId
	namedPages       map[string]string  // "<session>:<name>" -> cdpSessionId

	targetToAgentSession map[string]string // targetId -> agent-side session label
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:             make(map[string]*Session),
		clients:              make(map[string]*Client),
		connectedTargets:     make(map[string]*Target),
		namedPages:           make(map[string]string),
		targetToAgentSession: make(map[string]string),
	}
}

// ValidateSession rejects empty session ids or ones containing ':',
// since sessionID:name is the named-page composite key.
func ValidateSession(id string) error {
	if id == "" {
		return fmt.Errorf("session id must not be empty")
	}
	if strings.Contains(id, ":") {
		return fmt.Errorf("session id must not contain a colon")
	}
	return nil
}

// ValidateName rejects empty, overlong, or ':'-containing page names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("page name must not be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("page name must be at most 256 characters")
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("page name must not contain a colon")
	}
	return nil
}

// EnsureSession returns the Session for id, creating it if absent. Uses
// the same double-checked-locking shape as the teacher's
// TabRegistry.GetOrCreateTabID: a read-lock fast path, then a write-lock
// path that re-checks before allocating.
func (r *Registry) EnsureSession(id string) *Session {
	r.mu.RLock()
	if s, ok := r.sessions[id]; ok {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &Session{
		ID:             id,
		ClientIDs:      make(map[string]bool),
		PageNames:      make(map[string]bool),
		TargetSessions: make(map[string]bool),
	}
	r.sessions[id] = s
	return s
}

// RegisterClient adds a client to the registry and to its session's
// client set, creating the session if necessary.
func (r *Registry) RegisterClient(c *Client) {
	sess := r.EnsureSession(c.SessionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
	sess.ClientIDs[c.ID] = true
}

// UnregisterClient removes a client. The owning session is left in
// place even if it becomes empty, so that named pages and target
// sessions survive a client's disconnect/reconnect.
func (r *Registry) UnregisterClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	delete(r.clients, clientID)
	if sess, ok := r.sessions[c.SessionID]; ok {
		delete(sess.ClientIDs, clientID)
	}
}

// Client returns the client by id, or nil if not registered.
func (r *Registry) Client(clientID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[clientID]
}

// ClaimUnknownTarget reports whether targetID has not yet been marked
// known for clientID, atomically marking it known either way. Used to
// enforce "at most one attachedToTarget per target per client socket
// lifetime" (spec Testable Property 2) wherever a single synthesized
// attach event is about to be sent to one client.
func (r *Registry) ClaimUnknownTarget(clientID, targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	if c.KnownTargets[targetID] {
		return false
	}
	c.KnownTargets[targetID] = true
	return true
}

// ClaimUnknownTargets filters targets to those not yet marked known for
// clientID, marking all of them known in the same pass. Used for the
// setAutoAttach "replay existing targets" synthesis,
// where the whole known-targets set must be consulted and updated
// atomically per client before anything is enqueued (spec.md §5).
func (r *Registry) ClaimUnknownTargets(clientID string, targets []*Target) []*Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]*Target, 0, len(targets))
	for _, t := range targets {
		if c.KnownTargets[t.TargetID] {
			continue
		}
		c.KnownTargets[t.TargetID] = true
		out = append(out, t)
	}
	return out
}

// SessionFor returns the Session a client belongs to, or nil.
func (r *Registry) SessionFor(clientID string) *Session {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[c.SessionID]
}

// ClientsInSession returns the live Client values belonging to sessionID.
func (r *Registry) ClientsInSession(sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(sess.ClientIDs))
	for id := range sess.ClientIDs {
		if c, ok := r.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// AllClients returns every currently registered client, used for the
// broadcast-when-unclaimed fallback.
func (r *Registry) AllClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// SetTarget records or updates a connected target keyed by its CDP
// session id.
func (r *Registry) SetTarget(cdpSessionID string, t *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedTargets[cdpSessionID] = t
}

// Target returns the connected target for a CDP session id, or nil.
func (r *Registry) Target(cdpSessionID string) *Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectedTargets[cdpSessionID]
}

// RemoveTarget deletes the connected-target bookkeeping for a CDP
// session id.
func (r *Registry) RemoveTarget(cdpSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connectedTargets, cdpSessionID)
}

// AllTargets returns every currently connected target, keyed by CDP
// session id, used to replay existing-target events on setAutoAttach /
// setDiscoverTargets and to answer Target.getTargets.
func (r *Registry) AllTargets() map[string]*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Target, len(r.connectedTargets))
	for k, v := range r.connectedTargets {
		out[k] = v
	}
	return out
}

// TargetByTargetID scans connectedTargets for the one with a matching
// TargetID; used for grace-period attach/detach reconciliation.
func (r *Registry) TargetByTargetID(targetID string) (cdpSessionID string, t *Target, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, tgt := range r.connectedTargets {
		if tgt.TargetID == targetID {
			return sid, tgt, true
		}
	}
	return "", nil, false
}

// AddTargetSession records that cdpSessionID is owned by sessionID, used
// to route future events scoped to that CDP session to the right clients.
func (r *Registry) AddTargetSession(sessionID, cdpSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	sess.TargetSessions[cdpSessionID] = true
}

// RemoveTargetSession releases the cdpSessionID -> sessionID ownership
// claim, used on detach.
func (r *Registry) RemoveTargetSession(cdpSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		delete(sess.TargetSessions, cdpSessionID)
	}
}

// SessionOwningTarget returns the Session that has claimed cdpSessionID,
// if any.
func (r *Registry) SessionOwningTarget(cdpSessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if sess.TargetSessions[cdpSessionID] {
			return sess, true
		}
	}
	return nil, false
}

// PageKey builds the "<session>:<name>" composite key used for named pages.
func PageKey(sessionID, name string) string {
	return sessionID + ":" + name
}

// SetNamedPage claims name within sessionID against a CDP session id,
// recording the claim on the owning Session too.
func (r *Registry) SetNamedPage(sessionID, name, cdpSessionID string) {
	key := PageKey(sessionID, name)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.namedPages[key] = cdpSessionID
	if sess, ok := r.sessions[sessionID]; ok {
		sess.PageNames[name] = true
	}
}

// NamedPage returns the CDP session id claimed by name within
// sessionID, and whether it exists.
func (r *Registry) NamedPage(sessionID, name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cdpSessionID, ok := r.namedPages[PageKey(sessionID, name)]
	return cdpSessionID, ok
}

// RemoveNamedPage releases a claimed name.
func (r *Registry) RemoveNamedPage(sessionID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.namedPages, PageKey(sessionID, name))
	if sess, ok := r.sessions[sessionID]; ok {
		delete(sess.PageNames, name)
	}
}

// ReleaseNamedPagesFor deletes every named page currently claimed
// against cdpSessionID (across all sessions), used by grace-period
// cleanup when a target detaches without reattaching in time.
func (r *Registry) ReleaseNamedPagesFor(cdpSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, sid := range r.namedPages {
		if sid != cdpSessionID {
			continue
		}
		delete(r.namedPages, key)
		sessionID, name, ok := splitPageKey(key)
		if !ok {
			continue
		}
		if sess, ok := r.sessions[sessionID]; ok {
			delete(sess.PageNames, name)
		}
	}
}

func splitPageKey(key string) (sessionID, name string, ok bool) {
	idx := strings.Index(key, ":")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// NamedPagesInSession returns a copy of the name -> cdpSessionId map for
// sessionID, used to answer GET /pages.
func (r *Registry) NamedPagesInSession(sessionID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(sess.PageNames))
	for name := range sess.PageNames {
		out[name] = r.namedPages[PageKey(sessionID, name)]
	}
	return out
}

// SetTargetAgentSession records which agent-side session label owns a
// given targetId, used to route future events for that target.
func (r *Registry) SetTargetAgentSession(targetID, agentSession string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targetToAgentSession[targetID] = agentSession
}

// TargetAgentSession returns the agent-side session label for a target,
// or "" if unknown.
func (r *Registry) TargetAgentSession(targetID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targetToAgentSession[targetID]
}

// ClearTargetAgentSession drops the agent-session label recorded for a
// target, used once its Target.detachedFromTarget has been processed so
// a reused targetId (rare, but CDP doesn't forbid it) doesn't inherit a
// stale owner.
func (r *Registry) ClearTargetAgentSession(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targetToAgentSession, targetID)
}

// AllSessionIDs returns every session id the registry currently knows
// about, used to build a full named-page snapshot for persistence.
func (r *Registry) AllSessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Stats is a snapshot of registry-derived counters for GET /stats.
type Stats struct {
	ConnectedClients int
	NamedPages       int
}

// Snapshot returns current counters.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		ConnectedClients: len(r.clients),
		NamedPages:       len(r.namedPages),
	}
}
