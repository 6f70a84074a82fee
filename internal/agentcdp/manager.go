// Package agentcdp is the agent's Tab Manager and raw CDP command
// executor: it owns the single chromedp connection to a local Chrome
// instance, tracks which tabs are attached, and forwards arbitrary CDP
// commands to them. Grounded on the teacher's internal/cdp/manager.go
// connect()/reconnect shape, generalized from per-tab event capture to
// per-tab command/session bookkeeping.
package agentcdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// TargetInfo describes one attached (or attachable) tab.
type TargetInfo struct {
	TabID        string
	TargetID     string
	CDPSessionID string
	URL          string
	Title        string
	Type         string
}

// attachRetryDelays is the fixed backoff schedule for attachWithRetry:
// 5 attempts, 50/100/200/400ms between them. Fixed rather than
// unbounded doubling, since a tab either becomes attachable within a
// few hundred milliseconds of creation or something else is wrong.
var attachRetryDelays = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

type attachedTab struct {
	tabID        string
	targetID     string
	cdpSessionID string
	ctx          context.Context
	cancel       context.CancelFunc
	url          string
	title        string
	typ          string
}

// Manager is the agent's tab manager: it owns one chromedp allocator
// bound to a local Chrome instance and the bookkeeping for every
// currently-attached tab.
type Manager struct {
	port          string
	chromeProcess *ChromeProcess
	registry      *tabRegistry

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	mu          sync.RWMutex
	byTab       map[string]*attachedTab // tabID -> primary attachment
	bySession   map[string]*attachedTab // cdpSessionID -> attachment (primary or child)
	childParent map[string]string       // child cdpSessionID -> parent tabID
	connected   bool

	attachDelays []time.Duration

	// OnTargetCreated/OnTargetDestroyed/OnTargetInfoChanged are set by
	// the caller (agentrouter) before Start to learn about tabs as
	// Chrome reports them, independent of whether anything has
	// attached yet.
	OnTargetCreated     func(Tab)
	OnTargetDestroyed   func(targetID string)
	OnTargetInfoChanged func(Tab)

	// OnCDPEvent fires for the bounded set of per-tab domain events this
	// package re-broadcasts (Page/Network/Runtime), the CDP-relay
	// analogue of chrome.debugger.onEvent. method is the CDP event
	// name; params is the event re-marshaled to its wire JSON shape.
	OnCDPEvent func(cdpSessionID, method string, params json.RawMessage)
}

// NewManager returns a Manager that will connect to Chrome's remote
// debugging port.
func NewManager(port string) *Manager {
	return &Manager{
		port:         port,
		registry:     newTabRegistry(),
		byTab:        make(map[string]*attachedTab),
		bySession:    make(map[string]*attachedTab),
		childParent:  make(map[string]string),
		attachDelays: attachRetryDelays,
	}
}

// SetAttachDelays overrides the attach-retry backoff schedule;
// attachWithRetry makes one more attempt than there are delays. A nil
// or empty delays slice is ignored, leaving the package default in place.
func (m *Manager) SetAttachDelays(delays []time.Duration) {
	if len(delays) == 0 {
		return
	}
	m.attachDelays = delays
}

// Start connects to Chrome, optionally launching it first, and begins
// listening for target lifecycle events. It returns once the initial
// connection succeeds; callers run it once per process and treat a
// returned error as fatal for that attempt (the agent's connection
// manager owns reconnect/backoff, not this package).
func (m *Manager) Start(ctx context.Context, autoLaunch bool) error {
	if autoLaunch {
		proc, err := LaunchChrome(m.port)
		if err != nil {
			return fmt.Errorf("agentcdp: launch chrome: %w", err)
		}
		if err := WaitForChrome(m.port, 30*time.Second); err != nil {
			_ = proc.Stop()
			return fmt.Errorf("agentcdp: chrome not ready: %w", err)
		}
		m.chromeProcess = proc
	}

	initialTabs, err := discoverTabs(m.port)
	if err != nil {
		return fmt.Errorf("agentcdp: discover initial tabs: %w", err)
	}

	browserInfo, err := discoverBrowserInfo(m.port)
	if err != nil {
		return fmt.Errorf("agentcdp: discover browser info: %w", err)
	}

	m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(ctx, browserInfo.WebSocketDebuggerURL)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx)

	if err := chromedp.Run(m.browserCtx, target.SetDiscoverTargets(true)); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("agentcdp: enable target discovery: %w", err)
	}

	chromedp.ListenTarget(m.browserCtx, func(ev any) {
		switch ev := ev.(type) {
		case *target.EventTargetCreated:
			if ev.TargetInfo.Type == pageTargetType {
				if m.OnTargetCreated != nil {
					m.OnTargetCreated(tabFromInfo(ev.TargetInfo))
				}
			}
		case *target.EventTargetDestroyed:
			m.handleTargetGone(string(ev.TargetID))
			if m.OnTargetDestroyed != nil {
				m.OnTargetDestroyed(string(ev.TargetID))
			}
		case *target.EventTargetInfoChanged:
			if ev.TargetInfo.Type == pageTargetType {
				m.updateAttachedInfo(ev.TargetInfo)
				if m.OnTargetInfoChanged != nil {
					m.OnTargetInfoChanged(tabFromInfo(ev.TargetInfo))
				}
			}
		}
	})

	go func() {
		<-m.browserCtx.Done()
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
	}()

	for _, tab := range initialTabs {
		if m.OnTargetCreated != nil {
			m.OnTargetCreated(tab)
		}
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	log.Printf("agentcdp: connected to chrome on port %s (%d existing tab(s))", m.port, len(initialTabs))
	return nil
}

func tabFromInfo(info *target.Info) Tab {
	return Tab{TargetID: string(info.TargetID), Type: info.Type, Title: info.Title, URL: info.URL}
}

// Stop tears down the chromedp connection and, if the agent launched
// Chrome itself, terminates it.
func (m *Manager) Stop() {
	m.mu.Lock()
	tabs := make([]*attachedTab, 0, len(m.byTab))
	for _, t := range m.byTab {
		tabs = append(tabs, t)
	}
	m.byTab = make(map[string]*attachedTab)
	m.bySession = make(map[string]*attachedTab)
	m.childParent = make(map[string]string)
	m.mu.Unlock()

	for _, t := range tabs {
		t.cancel()
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
	}
	if m.chromeProcess != nil {
		_ = m.chromeProcess.Stop()
	}
}

// IsConnected reports whether the manager currently has a live
// connection to Chrome.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAvailableTargets lists every page target Chrome currently reports,
// attached or not; used for recovery matching and the getAvailableTargets
// dispatch handler.
func (m *Manager) GetAvailableTargets(ctx context.Context) ([]Tab, error) {
	return discoverTabs(m.port)
}

// CreateTab opens a new tab at targetURL, registers its bookkeeping tab
// id, and attaches to it with retry, mirroring spec's createTab handler
// (create, join session group is the router's job, attach is ours).
func (m *Manager) CreateTab(ctx context.Context, targetURL string) (TargetInfo, error) {
	tab, err := openNewTab(m.port, targetURL)
	if err != nil {
		return TargetInfo{}, fmt.Errorf("agentcdp: create tab: %w", err)
	}
	tabID := m.registry.getOrCreateTabID(tab.TargetID)

	// Chrome is not always ready to accept a debugger immediately after
	// tab creation; allow the first attach attempt a brief head start.
	time.Sleep(50 * time.Millisecond)

	return m.attachWithRetry(ctx, tabID)
}

// Attach attaches to tabID (creating its own chromedp session against
// the underlying target) and returns its TargetInfo, reusing the
// existing attachment if one is already live.
func (m *Manager) Attach(ctx context.Context, tabID string) (TargetInfo, error) {
	m.mu.RLock()
	if t, ok := m.byTab[tabID]; ok {
		info := targetInfoFromAttached(t)
		m.mu.RUnlock()
		return info, nil
	}
	m.mu.RUnlock()
	return m.attachWithRetry(ctx, tabID)
}

func (m *Manager) attachWithRetry(ctx context.Context, tabID string) (TargetInfo, error) {
	targetID, ok := m.registry.targetIDFor(tabID)
	if !ok {
		return TargetInfo{}, fmt.Errorf("agentcdp: unknown tab %q", tabID)
	}

	var lastErr error
	for attempt := 0; attempt <= len(m.attachDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return TargetInfo{}, ctx.Err()
			case <-time.After(m.attachDelays[attempt-1]):
			}
		}

		info, err := m.attachOnce(tabID, targetID)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return TargetInfo{}, fmt.Errorf("agentcdp: attach %q after %d attempts: %w", tabID, len(m.attachDelays)+1, lastErr)
}

func (m *Manager) attachOnce(tabID, targetID string) (TargetInfo, error) {
	tabCtx, cancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(target.ID(targetID)))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return TargetInfo{}, err
	}

	var info target.Info
	if err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, err := target.GetTargetInfo().WithTargetID(target.ID(targetID)).Do(ctx)
		if err != nil {
			return err
		}
		info = *res
		return nil
	})); err != nil {
		cancel()
		return TargetInfo{}, err
	}

	cdpSessionID := string(chromedp.FromContext(tabCtx).Target.SessionID)

	// Auto-attach so Chrome reports child sessions (OOPIFs, workers)
	// spawned under this tab as Target.attachedToTarget/detachedFromTarget
	// on tabCtx's own session, instead of only the top-level targets the
	// browser-wide listener in Start sees. Best-effort: a tab that never
	// spawns a child target just never fires these events.
	if err := chromedp.Run(tabCtx, target.SetAutoAttach(true, false).WithFlatten(true)); err != nil {
		log.Printf("agentcdp: enable auto-attach for %s: %v", tabID, err)
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *target.EventAttachedToTarget:
			childSessionID, childTargetID := string(e.SessionID), string(e.TargetInfo.TargetID)
			go func() {
				if err := m.TrackChildSession(childSessionID, tabID, childTargetID); err != nil {
					log.Printf("agentcdp: track child session %s: %v", childSessionID, err)
				}
			}()
		case *target.EventDetachedFromTarget:
			go m.UntrackChildSession(string(e.SessionID))
		default:
			m.forwardTabEvent(cdpSessionID, ev)
		}
	})

	at := &attachedTab{
		tabID:        tabID,
		targetID:     targetID,
		cdpSessionID: cdpSessionID,
		ctx:          tabCtx,
		cancel:       cancel,
		url:          info.URL,
		title:        info.Title,
		typ:          info.Type,
	}

	m.mu.Lock()
	m.byTab[tabID] = at
	m.bySession[cdpSessionID] = at
	m.mu.Unlock()

	return targetInfoFromAttached(at), nil
}

// forwardTabEvent re-broadcasts the bounded set of per-tab domain
// events the relay's clients care about, mirroring the teacher's own
// tab_monitor.go event switch but re-emitting instead of logging to
// disk. Domains outside this set are not forwarded; extending the
// set means adding another typed case here, the same tradeoff the
// teacher's monitor accepted for its own capture switch.
func (m *Manager) forwardTabEvent(cdpSessionID string, ev any) {
	if m.OnCDPEvent == nil {
		return
	}

	var method string
	var payload any
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		method, payload = "Page.frameNavigated", e
	case *page.EventLoadEventFired:
		method, payload = "Page.loadEventFired", e
	case *page.EventDomContentEventFired:
		method, payload = "Page.domContentEventFired", e
	case *network.EventRequestWillBeSent:
		method, payload = "Network.requestWillBeSent", e
	case *network.EventResponseReceived:
		method, payload = "Network.responseReceived", e
	case *network.EventLoadingFinished:
		method, payload = "Network.loadingFinished", e
	case *network.EventLoadingFailed:
		method, payload = "Network.loadingFailed", e
	case *runtime.EventConsoleAPICalled:
		method, payload = "Runtime.consoleAPICalled", e
	case *runtime.EventExceptionThrown:
		method, payload = "Runtime.exceptionThrown", e
	case *runtime.EventExecutionContextCreated:
		method, payload = "Runtime.executionContextCreated", e
	default:
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	m.OnCDPEvent(cdpSessionID, method, raw)
}

func targetInfoFromAttached(t *attachedTab) TargetInfo {
	return TargetInfo{
		TabID:        t.tabID,
		TargetID:     t.targetID,
		CDPSessionID: t.cdpSessionID,
		URL:          t.url,
		Title:        t.title,
		Type:         t.typ,
	}
}

// Detach releases tabID's session. userInitiated distinguishes an
// explicit closeSession/detach call from Chrome reporting the debugger
// went away on its own (HandleDebuggerDetach), which callers may want
// to log differently even though the bookkeeping cleanup is identical.
func (m *Manager) Detach(tabID string, userInitiated bool) {
	m.mu.Lock()
	t, ok := m.byTab[tabID]
	if ok {
		delete(m.byTab, tabID)
		delete(m.bySession, t.cdpSessionID)
	}
	m.mu.Unlock()

	if ok {
		t.cancel()
	}
}

// HandleDebuggerDetach updates bookkeeping after Chrome itself reports
// a detach (DevTools opened on the tab, user closed it some other way);
// per spec this never triggers an automatic reattach.
func (m *Manager) HandleDebuggerDetach(tabID string) {
	m.Detach(tabID, false)
}

func (m *Manager) handleTargetGone(targetID string) {
	tabID, ok := m.registry.tabIDFor(targetID)
	if !ok {
		return
	}
	m.Detach(tabID, false)
	m.registry.remove(targetID)
}

func (m *Manager) updateAttachedInfo(info *target.Info) {
	tabID, ok := m.registry.tabIDFor(string(info.TargetID))
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byTab[tabID]; ok {
		t.url = info.URL
		t.title = info.Title
	}
}

// GetBySessionID resolves an attached tab (primary or child) by its CDP
// session id.
func (m *Manager) GetBySessionID(cdpSessionID string) (TargetInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.bySession[cdpSessionID]
	if !ok {
		return TargetInfo{}, false
	}
	return targetInfoFromAttached(t), true
}

// GetByTargetID resolves an attached primary tab by its CDP target id.
func (m *Manager) GetByTargetID(targetID string) (TargetInfo, bool) {
	tabID, ok := m.registry.tabIDFor(targetID)
	if !ok {
		return TargetInfo{}, false
	}
	return m.Get(tabID)
}

// Get resolves a primary attachment by tab id.
func (m *Manager) Get(tabID string) (TargetInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byTab[tabID]
	if !ok {
		return TargetInfo{}, false
	}
	return targetInfoFromAttached(t), true
}

// EnsureTabID returns the stable tab id for targetID, minting one if
// this is the first time the agent has seen it — used when the relay
// asks to attach to a target the agent discovered but never created
// itself (e.g. during recovery).
func (m *Manager) EnsureTabID(targetID string) string {
	return m.registry.getOrCreateTabID(targetID)
}

// CloseTargetByID closes a target by its CDP target id, whether or not
// the agent has an active attachment to it.
func (m *Manager) CloseTargetByID(targetID string) error {
	if tabID, ok := m.registry.tabIDFor(targetID); ok {
		return m.CloseTab(tabID)
	}
	return closeTabViaHTTP(m.port, targetID)
}

// ActivateTargetByID brings a target to the foreground via Chrome's
// HTTP debugging API, which works whether or not the agent has an
// active CDP session against it.
func (m *Manager) ActivateTargetByID(targetID string) error {
	return activateTabViaHTTP(m.port, targetID)
}

// TabIDForTarget exposes the registry's targetID->tabID bookkeeping so
// callers (agentrouter) resolving a forwarded command by params.targetId
// can find the owning tab without duplicating the lookup table.
func (m *Manager) TabIDForTarget(targetID string) (string, bool) {
	return m.registry.tabIDFor(targetID)
}

// TrackChildSession records that childSessionID (a CDP session Chrome
// created automatically via auto-attach for an OOPIF or worker target)
// belongs to parentTabID, and opens the agent's own session against the
// same target id so forwardCDPCommand has something to execute against.
// Minting a second session rather than reusing Chrome's auto-attach
// session id is a deliberate simplification: CDP permits multiple
// sessions per target, and reusing chromedp's own attach path keeps
// Execute uniform for primary and child targets alike.
func (m *Manager) TrackChildSession(childSessionID, parentTabID, childTargetID string) error {
	childCtx, cancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(target.ID(childTargetID)))
	if err := chromedp.Run(childCtx); err != nil {
		cancel()
		return fmt.Errorf("agentcdp: attach child target %s: %w", childTargetID, err)
	}

	chromedp.ListenTarget(childCtx, func(ev any) {
		m.forwardTabEvent(childSessionID, ev)
	})

	at := &attachedTab{
		tabID:        "",
		targetID:     childTargetID,
		cdpSessionID: childSessionID,
		ctx:          childCtx,
		cancel:       cancel,
	}

	m.mu.Lock()
	m.bySession[childSessionID] = at
	m.childParent[childSessionID] = parentTabID
	m.mu.Unlock()
	return nil
}

// UntrackChildSession releases a child session's bookkeeping and context.
func (m *Manager) UntrackChildSession(childSessionID string) {
	m.mu.Lock()
	t, ok := m.bySession[childSessionID]
	delete(m.bySession, childSessionID)
	delete(m.childParent, childSessionID)
	m.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// ParentTabForChildSession resolves the primary tab owning a tracked
// child session, used for the "by CDP sessionId -> parent tab" step of
// forwarded-command target resolution.
func (m *Manager) ParentTabForChildSession(childSessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tabID, ok := m.childParent[childSessionID]
	return tabID, ok
}

// ReannounceTargets returns every currently attached TargetInfo, used
// on relay reconnect so the router can replay attachedToTarget for each
// one to the newly (re)connected driver.
func (m *Manager) ReannounceTargets() []TargetInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TargetInfo, 0, len(m.byTab))
	for _, t := range m.byTab {
		out = append(out, targetInfoFromAttached(t))
	}
	return out
}

// Execute forwards an arbitrary CDP command to the session attached for
// tabID (or a tracked child session when cdpSessionID identifies one),
// returning the raw JSON result. This is the passthrough path behind
// forwardCDPCommand: cdp.Execute accepts json.RawMessage directly since
// it satisfies both json.Marshaler and json.Unmarshaler.
func (m *Manager) Execute(ctx context.Context, cdpSessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	t, ok := m.bySession[cdpSessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agentcdp: no attached session %q", cdpSessionID)
	}

	var result json.RawMessage
	var marshaler json.Marshaler
	if len(params) > 0 {
		marshaler = params
	}
	if err := cdp.Execute(t.ctx, method, marshaler, &result); err != nil {
		return nil, fmt.Errorf("agentcdp: execute %s: %w", method, err)
	}
	return result, nil
}

// CloseTab closes a tab via the HTTP debugging API (used for
// Target.closeTarget and closeSession) and releases its bookkeeping.
func (m *Manager) CloseTab(tabID string) error {
	targetID, ok := m.registry.targetIDFor(tabID)
	if !ok {
		return fmt.Errorf("agentcdp: unknown tab %q", tabID)
	}
	m.Detach(tabID, true)
	if err := closeTabViaHTTP(m.port, targetID); err != nil {
		return fmt.Errorf("agentcdp: close tab: %w", err)
	}
	m.registry.remove(targetID)
	return nil
}

// ActivateTab focuses a tab via Page.bringToFront on its own session.
func (m *Manager) ActivateTab(ctx context.Context, tabID string) error {
	m.mu.RLock()
	t, ok := m.byTab[tabID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agentcdp: unknown tab %q", tabID)
	}
	return cdp.Execute(t.ctx, "Page.bringToFront", nil, nil)
}
