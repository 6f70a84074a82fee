// Package agentrouter is the agent's CDP command dispatch table: it
// receives the relay's forwardCDPCommand/getAvailableTargets envelopes,
// resolves which tab a command targets, special-cases the handful of
// Target/Runtime methods that need more than a plain passthrough, and
// tags outgoing events with the agent session owning their tab before handing them to
// the connection manager. Grounded on the relay's own
// HandleClientCommand dispatch shape in internal/relayrouter.
package agentrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/devbridge/relay/internal/agentcdp"
	"github.com/devbridge/relay/internal/agentsession"
	"github.com/devbridge/relay/internal/wire"
)

// EventSender delivers an outgoing ExtEvent to the relay. agentconn
// supplies the concrete implementation bound to the live socket.
type EventSender interface {
	SendEvent(wire.ExtEvent) error
}

// Router dispatches ExtCommands from the relay against a tab manager,
// and tags agentcdp's event callbacks for delivery back to the relay.
type Router struct {
	manager  *agentcdp.Manager
	sessions *agentsession.Registry
	sender   EventSender
}

// New returns a Router bound to manager and sessions. Call SetSender
// once the connection manager is constructed; the two have a circular
// dependency (agentconn needs a Router to dispatch incoming commands,
// Router needs agentconn to send events) broken by this setter.
func New(manager *agentcdp.Manager, sessions *agentsession.Registry) *Router {
	return &Router{manager: manager, sessions: sessions}
}

// SetSender installs the event sink used for unsolicited CDP events.
func (r *Router) SetSender(s EventSender) {
	r.sender = s
}

// Dispatch handles one ExtCommand from the relay and returns the
// response to send back over the control connection.
func (r *Router) Dispatch(ctx context.Context, cmd wire.ExtCommand) wire.ExtResponse {
	switch cmd.Method {
	case "getAvailableTargets":
		return r.getAvailableTargets(ctx, cmd.ID)
	case "forwardCDPCommand":
		return r.forwardCDPCommand(ctx, cmd)
	case "getOrCreateSession":
		return r.getOrCreateSession(cmd.ID, cmd.Params)
	case "closeSession":
		return r.closeSession(cmd.ID, cmd.Params)
	case "getSessionTabs":
		return r.getSessionTabs(cmd.ID, cmd.Params)
	default:
		return wire.ExtResponse{ID: cmd.ID, Error: fmt.Sprintf("unknown method %q", cmd.Method)}
	}
}

// sessionTabInfo describes one tab bookkept under a session, enriched
// with its CDP identifiers when the agent currently has it attached.
type sessionTabInfo struct {
	TabID        string `json:"tabId"`
	TargetID     string `json:"targetId,omitempty"`
	CDPSessionID string `json:"cdpSessionId,omitempty"`
	Attached     bool   `json:"attached"`
}

func (r *Router) tabsForSession(sessionID string) []sessionTabInfo {
	tabIDs := r.sessions.TabsInSession(sessionID)
	out := make([]sessionTabInfo, 0, len(tabIDs))
	for _, tabID := range tabIDs {
		info, attached := r.manager.Get(tabID)
		out = append(out, sessionTabInfo{
			TabID:        tabID,
			TargetID:     info.TargetID,
			CDPSessionID: info.CDPSessionID,
			Attached:     attached,
		})
	}
	return out
}

func sessionIDFromParams(raw json.RawMessage) (string, bool) {
	return paramString(raw, "sessionId")
}

// getOrCreateSession implements the 4.D dispatch entry of the same name:
// it delegates to the session registry's group bookkeeping and reports
// the group's current tabs.
func (r *Router) getOrCreateSession(id int64, raw json.RawMessage) wire.ExtResponse {
	sessionID, ok := sessionIDFromParams(raw)
	if !ok || sessionID == "" {
		return wire.ExtResponse{ID: id, Error: "getOrCreateSession: missing sessionId"}
	}
	group := r.sessions.GetOrCreateGroup(sessionID)
	return wire.ExtResponse{ID: id, Result: wire.MustMarshal(map[string]any{
		"groupId":   group.ID,
		"groupName": group.Label,
		"tabs":      r.tabsForSession(sessionID),
	})}
}

// closeSession implements the 4.D dispatch entry of the same name: close
// every tab bookkept under the session and drop its group bookkeeping.
func (r *Router) closeSession(id int64, raw json.RawMessage) wire.ExtResponse {
	sessionID, ok := sessionIDFromParams(raw)
	if !ok || sessionID == "" {
		return wire.ExtResponse{ID: id, Error: "closeSession: missing sessionId"}
	}
	for _, tabID := range r.sessions.CloseSession(sessionID) {
		if err := r.manager.CloseTab(tabID); err != nil {
			log.Printf("agentrouter: closeSession %s: close tab %s: %v", sessionID, tabID, err)
		}
	}
	return wire.ExtResponse{ID: id, Result: wire.MustMarshal(map[string]bool{"success": true})}
}

// getSessionTabs implements the 4.D dispatch entry of the same name.
func (r *Router) getSessionTabs(id int64, raw json.RawMessage) wire.ExtResponse {
	sessionID, ok := sessionIDFromParams(raw)
	if !ok || sessionID == "" {
		return wire.ExtResponse{ID: id, Error: "getSessionTabs: missing sessionId"}
	}
	return wire.ExtResponse{ID: id, Result: wire.MustMarshal(r.tabsForSession(sessionID))}
}

func (r *Router) getAvailableTargets(ctx context.Context, id int64) wire.ExtResponse {
	tabs, err := r.manager.GetAvailableTargets(ctx)
	if err != nil {
		return wire.ExtResponse{ID: id, Error: err.Error()}
	}
	infos := make([]wire.TargetInfo, 0, len(tabs))
	for _, t := range tabs {
		if strings.HasPrefix(t.URL, "chrome://") || strings.HasPrefix(t.URL, "chrome-extension://") {
			continue
		}
		infos = append(infos, wire.TargetInfo{TargetID: t.TargetID, Type: t.Type, Title: t.Title, URL: t.URL})
	}
	return wire.ExtResponse{ID: id, Result: wire.MustMarshal(infos)}
}

// forwardParams is the envelope relayrouter.forwardCDPCommand wraps a
// CDP command in. SessionID is the CDP debugger session the command is
// scoped to (if any); AgentSession is the unrelated tenant/session id
// the relay stamped on the command, used only by handlers (like
// createTarget) that need to know which tenant's tab group a new tab
// should join.
type forwardParams struct {
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	AgentSession string          `json:"agentSession,omitempty"`
}

func (r *Router) forwardCDPCommand(ctx context.Context, cmd wire.ExtCommand) wire.ExtResponse {
	var fp forwardParams
	if err := json.Unmarshal(cmd.Params, &fp); err != nil {
		return wire.ExtResponse{ID: cmd.ID, Error: "invalid forwardCDPCommand envelope"}
	}

	switch fp.Method {
	case "Target.createTarget":
		return r.handleCreateTarget(ctx, cmd.ID, fp)
	case "Target.attachToTarget":
		return r.handleAttachToTarget(ctx, cmd.ID, fp)
	case "Target.closeTarget":
		return r.handleCloseTarget(cmd.ID, fp)
	case "Target.activateTarget":
		return r.handleActivateTarget(cmd.ID, fp)
	case "Runtime.enable":
		return r.handleRuntimeEnable(ctx, cmd.ID, fp)
	default:
		return r.handlePassthrough(ctx, cmd.ID, fp)
	}
}

func (r *Router) handleCreateTarget(ctx context.Context, id int64, fp forwardParams) wire.ExtResponse {
	var params struct {
		URL string `json:"url"`
	}
	_ = json.Unmarshal(fp.Params, &params)
	if params.URL == "" {
		params.URL = "about:blank"
	}

	info, err := r.manager.CreateTab(ctx, params.URL)
	if err != nil {
		return wire.ExtResponse{ID: id, Error: err.Error()}
	}

	groupID := fp.AgentSession
	if groupID == "" {
		groupID = "default"
	}
	r.sessions.AddTabToSession(info.TabID, groupID)
	r.emitAttached(info)

	return wire.ExtResponse{ID: id, Result: wire.MustMarshal(map[string]string{"targetId": info.TargetID})}
}

func (r *Router) handleAttachToTarget(ctx context.Context, id int64, fp forwardParams) wire.ExtResponse {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(fp.Params, &params); err != nil || params.TargetID == "" {
		return wire.ExtResponse{ID: id, Error: "attachToTarget: missing targetId"}
	}

	tabID := r.manager.EnsureTabID(params.TargetID)
	info, err := r.manager.Attach(ctx, tabID)
	if err != nil {
		return wire.ExtResponse{ID: id, Error: err.Error()}
	}
	r.emitAttached(info)
	return wire.ExtResponse{ID: id, Result: wire.MustMarshal(map[string]string{"sessionId": info.CDPSessionID})}
}

func (r *Router) handleCloseTarget(id int64, fp forwardParams) wire.ExtResponse {
	targetID, ok := targetIDFromResolution(r.manager, fp)
	if !ok {
		return wire.ExtResponse{ID: id, Error: "closeTarget: could not resolve target"}
	}
	if err := r.manager.CloseTargetByID(targetID); err != nil {
		return wire.ExtResponse{ID: id, Error: err.Error()}
	}
	return wire.ExtResponse{ID: id, Result: wire.MustMarshal(map[string]bool{"success": true})}
}

func (r *Router) handleActivateTarget(id int64, fp forwardParams) wire.ExtResponse {
	targetID, ok := targetIDFromResolution(r.manager, fp)
	if !ok {
		return wire.ExtResponse{ID: id, Error: "activateTarget: could not resolve target"}
	}
	if err := r.manager.ActivateTargetByID(targetID); err != nil {
		return wire.ExtResponse{ID: id, Error: err.Error()}
	}
	return wire.ExtResponse{ID: id, Result: wire.MustMarshal(map[string]bool{"success": true})}
}

// handleRuntimeEnable resets execution-context bookkeeping by issuing
// Runtime.disable (errors ignored) before forwarding the real enable,
// required for a tab to report fresh execution contexts across repeated
// relay connections.
func (r *Router) handleRuntimeEnable(ctx context.Context, id int64, fp forwardParams) wire.ExtResponse {
	cdpSessionID, ok := resolveSession(r.manager, fp)
	if !ok {
		return wire.ExtResponse{ID: id, Error: "Runtime.enable: could not resolve session"}
	}
	_, _ = r.manager.Execute(ctx, cdpSessionID, "Runtime.disable", nil)
	result, err := r.manager.Execute(ctx, cdpSessionID, "Runtime.enable", fp.Params)
	if err != nil {
		return wire.ExtResponse{ID: id, Error: err.Error()}
	}
	return wire.ExtResponse{ID: id, Result: result}
}

func (r *Router) handlePassthrough(ctx context.Context, id int64, fp forwardParams) wire.ExtResponse {
	cdpSessionID, ok := resolveSession(r.manager, fp)
	if !ok {
		return wire.ExtResponse{ID: id, Error: fmt.Sprintf("%s: could not resolve target session", fp.Method)}
	}
	result, err := r.manager.Execute(ctx, cdpSessionID, fp.Method, fp.Params)
	if err != nil {
		return wire.ExtResponse{ID: id, Error: err.Error()}
	}
	return wire.ExtResponse{ID: id, Result: result}
}

// resolveSession implements the target-resolution order from the
// forwarded-command table: by CDP session id (primary or tracked
// child), then by params.targetId.
func resolveSession(m *agentcdp.Manager, fp forwardParams) (string, bool) {
	if fp.SessionID != "" {
		if _, ok := m.GetBySessionID(fp.SessionID); ok {
			return fp.SessionID, true
		}
	}
	if targetID, ok := paramString(fp.Params, "targetId"); ok {
		if info, ok := m.GetByTargetID(targetID); ok {
			return info.CDPSessionID, true
		}
	}
	return "", false
}

// targetIDFromResolution finds the target id behind a forwarded
// command, preferring an explicit params.targetId and falling back to
// the session's own tracked target.
func targetIDFromResolution(m *agentcdp.Manager, fp forwardParams) (string, bool) {
	if targetID, ok := paramString(fp.Params, "targetId"); ok && targetID != "" {
		return targetID, true
	}
	if fp.SessionID != "" {
		if info, ok := m.GetBySessionID(fp.SessionID); ok {
			return info.TargetID, true
		}
	}
	return "", false
}

func paramString(raw json.RawMessage, key string) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

// WireTargetEvents installs the manager callbacks that turn chromedp's
// target lifecycle notifications into ExtEvents the relay can learn
// targets from without polling. Separate from NewManager/New
// construction because the router needs a fully-constructed manager
// before it can close over it.
func (r *Router) WireTargetEvents() {
	r.manager.OnTargetInfoChanged = func(t agentcdp.Tab) {
		r.emitTargetEvent("Target.targetInfoChanged", "", t)
	}
	r.manager.OnCDPEvent = func(cdpSessionID, method string, params json.RawMessage) {
		r.emitEvent(cdpSessionID, method, params)
	}
}

func (r *Router) emitTargetEvent(method, cdpSessionID string, t agentcdp.Tab) {
	r.emitEvent(cdpSessionID, method, wire.MustMarshal(map[string]any{
		"targetInfo": wire.TargetInfo{TargetID: t.TargetID, Type: t.Type, Title: t.Title, URL: t.URL},
	}))
}

// Reannounce replays an attachedToTarget event for every currently
// attached tab, called once per (re)connect so a newly-connected relay
// rediscovers tabs the agent was already managing across a drop.
func (r *Router) Reannounce() {
	for _, info := range r.manager.ReannounceTargets() {
		r.emitAttached(info)
	}
}

// emitAttached reports a fresh attachment to the relay as a
// Target.attachedToTarget event, the signal relayrouter's CreatePage
// waits on instead of sleeping a fixed duration after createTarget.
func (r *Router) emitAttached(info agentcdp.TargetInfo) {
	r.emitEvent(info.CDPSessionID, "Target.attachedToTarget", wire.MustMarshal(map[string]any{
		"sessionId": info.CDPSessionID,
		"targetInfo": wire.TargetInfo{
			TargetID: info.TargetID,
			Type:     info.Type,
			Title:    info.Title,
			URL:      info.URL,
			Attached: true,
		},
		"waitingForDebugger": false,
	}))
}

// emitEvent wraps a raw CDP event for delivery to the relay, tagging it
// with the agent session that owns the tab behind cdpSessionID when one
// is known — the agent-side analogue of looking up the owning session
// via the Session Registry before forwarding a debugger event.
func (r *Router) emitEvent(cdpSessionID, method string, params json.RawMessage) {
	if r.sender == nil {
		return
	}

	agentSession := ""
	if cdpSessionID != "" {
		if info, ok := r.manager.GetBySessionID(cdpSessionID); ok && info.TabID != "" {
			agentSession = r.sessions.GetSessionForTab(info.TabID)
		}
	}

	evt := wire.ExtEvent{
		Method: "forwardCDPEvent",
		Params: &wire.ExtEventParams{
			Method:    method,
			Params:    params,
			SessionID: cdpSessionID,
		},
		AgentSession: agentSession,
	}
	if err := r.sender.SendEvent(evt); err != nil {
		log.Printf("agentrouter: send event failed: %v", err)
	}
}
