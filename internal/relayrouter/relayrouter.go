// Package relayrouter implements the relay's CDP command dispatch: the
// small set of methods handled locally, the Target attach/detach/info
// bookkeeping driven off agent events, and forwarding of everything else
// to the agent over the control connection. Grounded on the reference
// relay's handleCdpCommand/handleExtensionMessage dispatch.
package relayrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devbridge/relay/internal/persist"
	"github.com/devbridge/relay/internal/relaysession"
	"github.com/devbridge/relay/internal/wire"
)

// ExtConn is the minimal surface Router needs from the agent control
// connection.
type ExtConn interface {
	WriteJSON(v any) error
}

type pendingCall struct {
	ch    chan wire.ExtResponse
	timer *time.Timer
}

// Router owns command dispatch and event routing for one relay process.
type Router struct {
	registry *relaysession.Registry
	saver    *persist.DebouncedSaver

	timeout     time.Duration
	graceWindow time.Duration
	verbose     bool

	mu      sync.RWMutex
	extConn ExtConn
	nextID  int64
	pending map[int64]*pendingCall

	attachMu sync.Mutex
	attachWaiters map[string]chan struct{} // targetId -> signaled on attachedToTarget

	detachMu sync.Mutex
	graceTimers map[string]*time.Timer // targetId -> pending named-page release

	recoveryMu        sync.RWMutex
	lastRecovered     int
	lastRecoveryRanAt time.Time
}

// Options configures a Router at construction.
type Options struct {
	Timeout     time.Duration
	GraceWindow time.Duration
	Verbose     bool
}

// New returns a Router bound to the given registry and debounced saver.
func New(reg *relaysession.Registry, saver *persist.DebouncedSaver, opts Options) *Router {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.GraceWindow == 0 {
		opts.GraceWindow = 500 * time.Millisecond
	}
	return &Router{
		registry:      reg,
		saver:         saver,
		timeout:       opts.Timeout,
		graceWindow:   opts.GraceWindow,
		verbose:       opts.Verbose,
		pending:       make(map[int64]*pendingCall),
		attachWaiters: make(map[string]chan struct{}),
		graceTimers:   make(map[string]*time.Timer),
	}
}

// SetExtensionConn installs the active agent connection. Call with nil
// on disconnect so forwardCDPCommand fails fast instead of blocking.
func (ro *Router) SetExtensionConn(conn ExtConn) {
	ro.mu.Lock()
	ro.extConn = conn
	ro.mu.Unlock()
}

// ExtensionConnected reports whether an agent is currently attached.
func (ro *Router) ExtensionConnected() bool {
	ro.mu.RLock()
	defer ro.mu.RUnlock()
	return ro.extConn != nil
}

// RecordRecovery stores the outcome of the most recent recovery.Run pass,
// surfaced on GET /stats as recoveredOnLastConnect. Kept here rather than
// importing the recovery package directly, since the router has no other
// reason to know about recovery's types.
func (ro *Router) RecordRecovery(recovered int, ranAt time.Time) {
	ro.recoveryMu.Lock()
	defer ro.recoveryMu.Unlock()
	ro.lastRecovered = recovered
	ro.lastRecoveryRanAt = ranAt
}

// LastRecovery returns the most recently recorded recovery outcome.
func (ro *Router) LastRecovery() (recovered int, ranAt time.Time) {
	ro.recoveryMu.RLock()
	defer ro.recoveryMu.RUnlock()
	return ro.lastRecovered, ro.lastRecoveryRanAt
}

// PendingCount reports the number of forwarded commands awaiting a
// response from the agent, used by GET /stats.
func (ro *Router) PendingCount() int {
	ro.mu.RLock()
	defer ro.mu.RUnlock()
	return len(ro.pending)
}

// RejectPending fails every in-flight forwarded command, used when the
// agent connection drops.
func (ro *Router) RejectPending(reason string) {
	ro.mu.Lock()
	pending := ro.pending
	ro.pending = make(map[int64]*pendingCall)
	ro.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- wire.ExtResponse{Error: reason}
	}
}

// HandleClientCommand dispatches one CDP command from a debugger client
// and returns the response to write immediately, plus any synthesized
// events that must be flushed only after that response has been sent.
func (ro *Router) HandleClientCommand(ctx context.Context, clientID string, cmd wire.Command) (wire.Response, []wire.Event) {
	var result any
	var err error
	var postEvents []wire.Event

	if client := ro.registry.Client(clientID); client != nil {
		cmd.AgentSession = client.SessionID
	}

	switch cmd.Method {
	case "Browser.getVersion":
		result = map[string]string{
			"protocolVersion": "1.3",
			"product":         "Chrome/DevBridge-Relay",
			"revision":        "0",
			"userAgent":       "DevBridge-Relay",
			"jsVersion":       "V8",
		}
	case "Browser.setDownloadBehavior":
		result = map[string]any{}
	case "Target.setAutoAttach":
		result = map[string]any{}
		if cmd.SessionID == "" {
			postEvents = ro.buildExistingTargetEvents(clientID, "Target.setAutoAttach")
		}
	case "Target.setDiscoverTargets":
		result = map[string]any{}
		if discoverRequested(cmd.Params) {
			postEvents = ro.buildExistingTargetEvents(clientID, "Target.setDiscoverTargets")
		}
	case "Target.attachToBrowserTarget":
		result = map[string]any{"sessionId": "browser"}
	case "Target.detachFromTarget":
		if sid, ok := paramString(cmd.Params, "sessionId"); ok && sid == "browser" {
			result = map[string]any{}
		} else {
			result, err = ro.forwardCDPCommand(ctx, cmd)
		}
	case "Target.attachToTarget":
		result, err = ro.attachToTarget(cmd, clientID)
		if err == nil {
			if targetID, ok := paramString(cmd.Params, "targetId"); ok {
				if _, t, found := ro.registry.TargetByTargetID(targetID); found {
					if ro.registry.ClaimUnknownTarget(clientID, t.TargetID) {
						postEvents = append(postEvents, attachedEvent(t))
					}
				}
			}
		}
	case "Target.getTargetInfo":
		result = ro.getTargetInfo(cmd)
	case "Target.getTargets":
		result = ro.getTargets()
	default:
		result, err = ro.forwardCDPCommand(ctx, cmd)
	}

	resp := wire.Response{ID: cmd.ID, SessionID: cmd.SessionID}
	if err != nil {
		resp.Error = &wire.Error{Message: err.Error()}
	} else {
		resp.Result = wire.MustMarshal(result)
	}
	return resp, postEvents
}

// forwardCDPCommand sends an unrecognized command to the agent and
// blocks for its response, subject to the router's timeout.
func (ro *Router) forwardCDPCommand(ctx context.Context, cmd wire.Command) (any, error) {
	extParams := struct {
		Method       string          `json:"method"`
		Params       json.RawMessage `json:"params,omitempty"`
		SessionID    string          `json:"sessionId,omitempty"`
		AgentSession string          `json:"agentSession,omitempty"`
	}{Method: cmd.Method, Params: cmd.Params, SessionID: cmd.SessionID, AgentSession: cmd.AgentSession}

	return ro.sendExtCommand(ctx, "forwardCDPCommand", wire.MustMarshal(extParams))
}

// sendExtCommand sends a direct agent-protocol method (either the
// forwardCDPCommand wrapper or one of the agent's own meta-methods like
// getAvailableTargets) and blocks for its response.
func (ro *Router) sendExtCommand(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	ro.mu.RLock()
	conn := ro.extConn
	ro.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("agent not connected")
	}

	id := atomic.AddInt64(&ro.nextID, 1)
	extCmd := wire.ExtCommand{ID: id, Method: method, Params: params}

	ch := make(chan wire.ExtResponse, 1)
	timer := time.AfterFunc(ro.timeout, func() {
		ro.mu.Lock()
		delete(ro.pending, id)
		ro.mu.Unlock()
		ch <- wire.ExtResponse{Error: "agent request timeout"}
	})

	ro.mu.Lock()
	ro.pending[id] = &pendingCall{ch: ch, timer: timer}
	ro.mu.Unlock()

	if err := conn.WriteJSON(extCmd); err != nil {
		ro.mu.Lock()
		delete(ro.pending, id)
		ro.mu.Unlock()
		timer.Stop()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetAvailableTargets asks the agent for its current target list, used
// by the recovery engine to match against persisted named pages.
func (ro *Router) GetAvailableTargets(ctx context.Context) (json.RawMessage, error) {
	return ro.sendExtCommand(ctx, "getAvailableTargets", nil)
}

// AttachToTab asks the agent to attach to targetID and returns the
// resulting CDP session id, used by the recovery engine.
func (ro *Router) AttachToTab(ctx context.Context, targetID string) (string, error) {
	result, err := ro.forwardCDPCommand(ctx, wire.Command{
		Method: "Target.attachToTarget",
		Params: wire.MustMarshal(map[string]any{"targetId": targetID, "flatten": true}),
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(toRawMessage(result), &parsed); err != nil {
		return "", fmt.Errorf("parse attachToTarget response: %w", err)
	}
	return parsed.SessionID, nil
}

// ClaimRecoveredPage binds a persisted name to a freshly reattached
// target/CDP-session pair, used by the recovery engine once attach
// succeeds.
func (ro *Router) ClaimRecoveredPage(sessionID, name, targetID, cdpSessionID string) error {
	ro.registry.EnsureSession(sessionID)
	ro.registry.SetTarget(cdpSessionID, &relaysession.Target{TargetID: targetID, CDPSession: cdpSessionID})
	ro.registry.SetNamedPage(sessionID, name, cdpSessionID)
	ro.registry.AddTargetSession(sessionID, cdpSessionID)
	if ro.saver != nil {
		ro.saver.Trigger()
	}
	return nil
}

// HandleExtensionMessage demultiplexes one raw frame from the agent:
// a response to a pending forwarded command, a log line, or an event.
func (ro *Router) HandleExtensionMessage(raw []byte) {
	var resp wire.ExtResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ID > 0 {
		ro.mu.Lock()
		p, ok := ro.pending[resp.ID]
		if ok {
			delete(ro.pending, resp.ID)
		}
		ro.mu.Unlock()
		if ok {
			p.timer.Stop()
			p.ch <- resp
		}
		return
	}

	var logLine wire.ExtLog
	if err := json.Unmarshal(raw, &logLine); err == nil && logLine.Method == "log" {
		if ro.verbose {
			log.Printf("[agent:%s] %v", logLine.Params.Level, logLine.Params.Args)
		}
		return
	}

	var evt wire.ExtEvent
	if err := json.Unmarshal(raw, &evt); err != nil || evt.Params == nil {
		return
	}

	switch evt.Params.Method {
	case "Target.attachedToTarget":
		ro.handleTargetAttached(evt.Params.Params, evt.AgentSession)
	case "Target.detachedFromTarget":
		ro.handleTargetDetached(evt.Params.Params)
	case "Target.targetInfoChanged":
		ro.handleTargetInfoChanged(evt.Params.Params)
		ro.deliverEvent(evt.Params.SessionID, wire.Event{
			Method: evt.Params.Method, Params: evt.Params.Params, SessionID: evt.Params.SessionID,
		})
	default:
		ro.deliverEvent(evt.Params.SessionID, wire.Event{
			Method: evt.Params.Method, Params: evt.Params.Params, SessionID: evt.Params.SessionID,
		})
	}
}

// deliverEvent sends evt to the clients owning cdpSessionID, resolved
// via resolveOwningClients.
func (ro *Router) deliverEvent(cdpSessionID string, evt wire.Event) {
	targetID := ""
	if t := ro.registry.Target(cdpSessionID); t != nil {
		targetID = t.TargetID
	}
	for _, c := range ro.resolveOwningClients(cdpSessionID, targetID) {
		_ = c.Conn.WriteJSON(evt)
	}
}

// resolveOwningClients returns the clients that should receive an event
// scoped to cdpSessionID: first the session that has explicitly claimed
// the CDP session (Target.attachToTarget/CreatePage's AddTargetSession),
// then — when no client has attached yet but the agent already tagged
// the underlying target with an owning tenant session via
// ExtEvent.AgentSession — the clients in that session, and finally
// every connected client when neither resolves (spec's exception for
// events that arrive before any client has attached to the owning
// session).
func (ro *Router) resolveOwningClients(cdpSessionID, targetID string) []*relaysession.Client {
	if sess, ok := ro.registry.SessionOwningTarget(cdpSessionID); ok {
		return ro.registry.ClientsInSession(sess.ID)
	}
	if targetID != "" {
		if agentSession := ro.registry.TargetAgentSession(targetID); agentSession != "" {
			if clients := ro.registry.ClientsInSession(agentSession); len(clients) > 0 {
				return clients
			}
		}
	}
	return ro.registry.AllClients()
}

func (ro *Router) handleTargetAttached(raw json.RawMessage, agentSession string) {
	var params struct {
		SessionID  string          `json:"sessionId"`
		TargetInfo *wire.TargetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.SessionID == "" || params.TargetInfo == nil {
		return
	}
	if params.TargetInfo.Type != "" && params.TargetInfo.Type != "page" {
		return
	}

	ro.registry.SetTarget(params.SessionID, &relaysession.Target{
		TargetID:   params.TargetInfo.TargetID,
		CDPSession: params.SessionID,
		URL:        params.TargetInfo.URL,
		Type:       params.TargetInfo.Type,
		Title:      params.TargetInfo.Title,
	})
	if agentSession != "" {
		ro.registry.SetTargetAgentSession(params.TargetInfo.TargetID, agentSession)
	}

	ro.disarmGrace(params.TargetInfo.TargetID)
	ro.signalAttachWaiter(params.TargetInfo.TargetID)

	ro.deliverAttachedEvent(params.SessionID, params.TargetInfo)
}

// deliverAttachedEvent delivers a Target.attachedToTarget notification
// to the clients that own (or, if unclaimed, every client connected to)
// cdpSessionID's target, consulting and updating each recipient's
// per-client known-targets set so no client sees the same target
// attached twice in its socket's lifetime (Testable Property 2).
func (ro *Router) deliverAttachedEvent(cdpSessionID string, info *wire.TargetInfo) {
	targets := ro.resolveOwningClients(cdpSessionID, info.TargetID)

	evt := wire.Event{
		Method: "Target.attachedToTarget",
		Params: wire.MustMarshal(map[string]any{
			"sessionId":          cdpSessionID,
			"targetInfo":         info,
			"waitingForDebugger": false,
		}),
	}
	for _, c := range targets {
		if !ro.registry.ClaimUnknownTarget(c.ID, info.TargetID) {
			continue
		}
		_ = c.Conn.WriteJSON(evt)
	}
}

func (ro *Router) handleTargetDetached(raw json.RawMessage) {
	var params struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.SessionID == "" {
		return
	}

	t := ro.registry.Target(params.SessionID)
	ro.registry.RemoveTarget(params.SessionID)
	ro.registry.RemoveTargetSession(params.SessionID)

	targetID := params.TargetID
	if targetID == "" && t != nil {
		targetID = t.TargetID
	}
	if targetID != "" {
		ro.armGrace(targetID, params.SessionID)
		ro.registry.ClearTargetAgentSession(targetID)
	}

	ro.deliverEvent(params.SessionID, wire.Event{
		Method: "Target.detachedFromTarget",
		Params: raw,
	})
}

func (ro *Router) handleTargetInfoChanged(raw json.RawMessage) {
	var params struct {
		TargetInfo *wire.TargetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.TargetInfo == nil {
		return
	}
	if _, t, ok := ro.registry.TargetByTargetID(params.TargetInfo.TargetID); ok {
		t.URL = params.TargetInfo.URL
		t.Title = params.TargetInfo.Title
		if ro.saver != nil {
			ro.saver.Trigger()
		}
	}
}

// armGrace schedules release of any named page bound to cdpSessionID
// after the grace window, unless a reattach for the same target cancels
// it first.
func (ro *Router) armGrace(targetID, cdpSessionID string) {
	ro.detachMu.Lock()
	defer ro.detachMu.Unlock()

	if existing, ok := ro.graceTimers[targetID]; ok {
		existing.Stop()
	}
	ro.graceTimers[targetID] = time.AfterFunc(ro.graceWindow, func() {
		ro.detachMu.Lock()
		delete(ro.graceTimers, targetID)
		ro.detachMu.Unlock()
		ro.releaseNamedPagesFor(cdpSessionID)
	})
}

func (ro *Router) disarmGrace(targetID string) {
	ro.detachMu.Lock()
	defer ro.detachMu.Unlock()
	if t, ok := ro.graceTimers[targetID]; ok {
		t.Stop()
		delete(ro.graceTimers, targetID)
	}
}

func (ro *Router) releaseNamedPagesFor(cdpSessionID string) {
	ro.registry.ReleaseNamedPagesFor(cdpSessionID)
	if ro.saver != nil {
		ro.saver.Trigger()
	}
}

func (ro *Router) signalAttachWaiter(targetID string) {
	ro.attachMu.Lock()
	ch, ok := ro.attachWaiters[targetID]
	if ok {
		delete(ro.attachWaiters, targetID)
	}
	ro.attachMu.Unlock()
	if ok {
		close(ch)
	}
}

// WaitForAttach blocks until targetID has an attachedToTarget event
// recorded, ctx is cancelled, or the router's timeout elapses.
func (ro *Router) WaitForAttach(ctx context.Context, targetID string) error {
	ro.attachMu.Lock()
	if _, _, ok := ro.registry.TargetByTargetID(targetID); ok {
		ro.attachMu.Unlock()
		return nil
	}
	ch, ok := ro.attachWaiters[targetID]
	if !ok {
		ch = make(chan struct{})
		ro.attachWaiters[targetID] = ch
	}
	ro.attachMu.Unlock()

	timer := time.NewTimer(ro.timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out waiting for target attach")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreatePage implements POST /pages: it asks the agent to create a new
// tab, waits (event-driven, not a fixed sleep) for the matching
// Target.attachedToTarget, then claims the name against the resulting
// CDP session.
func (ro *Router) CreatePage(ctx context.Context, sessionID, name, url string) (cdpSessionID string, err error) {
	if err := relaysession.ValidateSession(sessionID); err != nil {
		return "", err
	}
	if err := relaysession.ValidateName(name); err != nil {
		return "", err
	}
	if _, exists := ro.registry.NamedPage(sessionID, name); exists {
		return "", fmt.Errorf("page %q already exists in session %q", name, sessionID)
	}

	start := time.Now()
	result, err := ro.forwardCDPCommand(ctx, wire.Command{
		Method:       "Target.createTarget",
		Params:       wire.MustMarshal(map[string]string{"url": url}),
		AgentSession: sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("createTarget: %w", err)
	}

	targetID, ok := paramString(toRawMessage(result), "targetId")
	if !ok || targetID == "" {
		return "", fmt.Errorf("createTarget: no targetId in response")
	}

	if err := ro.WaitForAttach(ctx, targetID); err != nil {
		return "", fmt.Errorf("waiting for attach: %w", err)
	}
	if time.Since(start) > 5*time.Second {
		log.Printf("relayrouter: CreatePage for %q took %s", name, time.Since(start))
	}

	_, t, ok := ro.registry.TargetByTargetID(targetID)
	if !ok {
		return "", fmt.Errorf("target %s vanished before claim", targetID)
	}

	ro.registry.EnsureSession(sessionID)
	ro.registry.SetNamedPage(sessionID, name, t.CDPSession)
	ro.registry.AddTargetSession(sessionID, t.CDPSession)
	if ro.saver != nil {
		ro.saver.Trigger()
	}
	return t.CDPSession, nil
}

// ActivateTarget brings targetID's tab to the foreground, used by
// POST /pages when reusing an already-claimed name.
func (ro *Router) ActivateTarget(ctx context.Context, targetID string) error {
	_, err := ro.forwardCDPCommand(ctx, wire.Command{
		Method: "Target.activateTarget",
		Params: wire.MustMarshal(map[string]string{"targetId": targetID}),
	})
	return err
}

// ClosePage implements DELETE /pages/:name: it forwards Target.closeTarget
// for the claimed target and releases the name regardless of whether the
// agent round trip succeeds, since a gone tab is gone either way.
func (ro *Router) ClosePage(ctx context.Context, sessionID, name string) error {
	cdpSessionID, ok := ro.registry.NamedPage(sessionID, name)
	if !ok {
		return fmt.Errorf("page %q not found in session %q", name, sessionID)
	}
	t := ro.registry.Target(cdpSessionID)

	ro.registry.RemoveNamedPage(sessionID, name)
	if ro.saver != nil {
		ro.saver.Trigger()
	}

	if t == nil {
		return nil
	}
	_, err := ro.forwardCDPCommand(ctx, wire.Command{
		Method: "Target.closeTarget",
		Params: wire.MustMarshal(map[string]string{"targetId": t.TargetID}),
	})
	return err
}

// CloseAgentSession tells the agent to close every tab bookkept under
// sessionID and drop its session-registry group, used by DELETE
// /sessions/:id once the relay's own named-page bookkeeping for the
// session has been released.
func (ro *Router) CloseAgentSession(ctx context.Context, sessionID string) error {
	_, err := ro.sendExtCommand(ctx, "closeSession", wire.MustMarshal(map[string]string{"sessionId": sessionID}))
	return err
}

func toRawMessage(v any) json.RawMessage {
	switch r := v.(type) {
	case json.RawMessage:
		return r
	default:
		return wire.MustMarshal(v)
	}
}

func (ro *Router) attachToTarget(cmd wire.Command, clientID string) (any, error) {
	targetID, ok := paramString(cmd.Params, "targetId")
	if !ok || targetID == "" {
		return nil, fmt.Errorf("targetId required")
	}
	_, t, found := ro.registry.TargetByTargetID(targetID)
	if !found {
		return nil, fmt.Errorf("target not found")
	}

	if client := ro.registry.Client(clientID); client != nil {
		ro.registry.AddTargetSession(client.SessionID, t.CDPSession)
	}
	return map[string]any{"sessionId": t.CDPSession}, nil
}

func (ro *Router) getTargetInfo(cmd wire.Command) any {
	if targetID, ok := paramString(cmd.Params, "targetId"); ok && targetID != "" {
		if _, t, found := ro.registry.TargetByTargetID(targetID); found {
			return map[string]any{"targetInfo": targetInfoOf(t)}
		}
	}
	if cmd.SessionID != "" {
		if t := ro.registry.Target(cmd.SessionID); t != nil {
			return map[string]any{"targetInfo": targetInfoOf(t)}
		}
	}
	return map[string]any{"targetInfo": nil}
}

func (ro *Router) getTargets() any {
	return map[string]any{"targetInfos": ro.allTargetInfos()}
}

func (ro *Router) allTargetInfos() []map[string]any {
	targets := ro.registry.AllTargets()
	out := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		out = append(out, targetInfoOf(t))
	}
	return out
}

// buildExistingTargetEvents synthesizes replay events for every target
// the relay currently knows about, for clientID's Target.setAutoAttach /
// Target.setDiscoverTargets call. For setAutoAttach this consults and
// updates clientID's known-targets set first (spec.md §3/§9): a target
// already reported to this client is never replayed again for its
// socket's lifetime (Testable Property 2).
func (ro *Router) buildExistingTargetEvents(clientID, method string) []wire.Event {
	targets := ro.registry.AllTargets()
	all := make([]*relaysession.Target, 0, len(targets))
	for _, t := range targets {
		all = append(all, t)
	}

	if method == "Target.setAutoAttach" {
		fresh := ro.registry.ClaimUnknownTargets(clientID, all)
		evts := make([]wire.Event, 0, len(fresh))
		for _, t := range fresh {
			evts = append(evts, wire.Event{
				Method: "Target.attachedToTarget",
				Params: wire.MustMarshal(map[string]any{
					"sessionId":          t.CDPSession,
					"targetInfo":         targetInfoOf(t),
					"waitingForDebugger": false,
				}),
			})
		}
		return evts
	}

	evts := make([]wire.Event, 0, len(all))
	for _, t := range all {
		evts = append(evts, wire.Event{
			Method: "Target.targetCreated",
			Params: wire.MustMarshal(map[string]any{"targetInfo": targetInfoOf(t)}),
		})
	}
	return evts
}

func targetInfoOf(t *relaysession.Target) map[string]any {
	return map[string]any{
		"targetId": t.TargetID,
		"type":     t.Type,
		"title":    t.Title,
		"url":      t.URL,
		"attached": true,
	}
}

func attachedEvent(t *relaysession.Target) wire.Event {
	return wire.Event{
		Method: "Target.attachedToTarget",
		Params: wire.MustMarshal(map[string]any{
			"sessionId":          t.CDPSession,
			"targetInfo":         targetInfoOf(t),
			"waitingForDebugger": false,
		}),
	}
}

func discoverRequested(raw json.RawMessage) bool {
	v, ok := paramBool(raw, "discover")
	return ok && v
}

func paramString(raw json.RawMessage, key string) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func paramBool(raw json.RawMessage, key string) (bool, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return false, false
	}
	v, ok := m[key].(bool)
	return v, ok
}
