// Package agentconn is the agent's Connection Manager: the single
// long-lived websocket to the relay, the reconnect state machine, and
// the close-4001 "replaced by newer instance" handling. Grounded on the
// teacher's internal/cdp/manager.go Start() reconnect loop, generalized
// from unbounded-doubling backoff to the single-shot chained cycle
// spec.md's Open Question #2 prescribes, since that is the shape whose
// "at most one reconnect timer" invariant this package must preserve.
package agentconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devbridge/relay/internal/wire"
)

// replacedCode is the close code the relay sends to tell a superseded
// agent connection to stand down rather than reconnect.
const replacedCode = 4001

// state is the connection manager's state machine position, named
// identically to spec.md §4.E: Idle, Probing, Connecting, Open, Backoff.
type state int

const (
	stateIdle state = iota
	stateProbing
	stateConnecting
	stateOpen
	stateBackoff
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateProbing:
		return "probing"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Dispatcher handles one incoming command from the relay and returns
// the response to write back. agentrouter.Router satisfies this.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd wire.ExtCommand) wire.ExtResponse
}

// Options configures a Manager's timings, all named after spec.md §5's
// cancellation/timeout table.
type Options struct {
	ProbeTimeout      time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	KeepAliveTick     time.Duration
}

func (o *Options) setDefaults() {
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReconnectInterval == 0 {
		o.ReconnectInterval = 3 * time.Second
	}
	if o.KeepAliveTick == 0 {
		o.KeepAliveTick = 30 * time.Second
	}
}

// Manager owns the single outbound connection to the relay's
// /extension endpoint. Every state transition happens under mu, so
// "only one reconnect timer" and "only one active socket" are enforced
// by construction rather than by convention: a stale socket's read-loop
// goroutine checks its own generation against connGen before touching
// any Manager field on the way out, per spec.md §9's "identity check in
// close handler."
type Manager struct {
	relayURL   string
	httpProbeURL string
	dispatcher Dispatcher
	opts       Options

	// OnConnect fires (from the goroutine that completed the connect)
	// once a socket reaches Open, just before its read loop starts; the
	// agent uses this hook to reannounce attached targets. OnDisconnect fires only for
	// an intentional stop, never for an unexpected drop — debugger
	// attachments must survive those so a later client can re-adopt them.
	OnConnect    func()
	OnDisconnect func()

	mu             sync.Mutex
	st             state
	conn           *websocket.Conn
	connGen        uint64
	reconnectTimer *time.Timer
	keepAlive      *time.Ticker
	keepAliveDone  chan struct{}
	writeMu        sync.Mutex
}

// New returns a Manager that will maintain a connection to relayURL
// (e.g. "ws://127.0.0.1:9223/extension") once StartMaintaining is
// called. httpProbeURL is the relay's HTTP root, used for the
// reachability HEAD probe.
func New(relayURL, httpProbeURL string, dispatcher Dispatcher, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		relayURL:     relayURL,
		httpProbeURL: httpProbeURL,
		dispatcher:   dispatcher,
		opts:         opts,
		st:           stateIdle,
	}
}

// StartMaintaining transitions Idle -> Probing and begins the keep-alive
// ticker. It is idempotent: calling it while already in any non-Idle
// state is a no-op, matching spec.md §4.E exactly.
func (m *Manager) StartMaintaining() {
	m.mu.Lock()
	if m.st != stateIdle {
		m.mu.Unlock()
		return
	}
	m.st = stateProbing
	if m.keepAlive == nil {
		m.keepAlive = time.NewTicker(m.opts.KeepAliveTick)
		m.keepAliveDone = make(chan struct{})
		go m.keepAliveLoop(m.keepAlive, m.keepAliveDone)
	}
	m.mu.Unlock()

	go m.runProbe()
}

// Stop intentionally tears the connection down and halts the state
// machine until StartMaintaining is called again. Unlike an unexpected
// drop, this fires OnDisconnect.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.st = stateIdle
	conn := m.conn
	m.conn = nil
	m.connGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.keepAlive != nil {
		m.keepAlive.Stop()
		close(m.keepAliveDone)
		m.keepAlive = nil
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if m.OnDisconnect != nil {
		m.OnDisconnect()
	}
}

// State reports the manager's current state, for tests and status
// reporting.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.String()
}

// keepAliveLoop mirrors a browser extension service worker's keep-alive
// tick: if the state should be maintained (non-Idle) but no socket is
// open, it nudges the machine back into Probing. It never starts a
// second reconnect cycle on top of one already running.
func (m *Manager) keepAliveLoop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			// Idle means the user called Stop(); never auto-restart
			// from Idle. Backoff with no timer pending means a probe
			// attempt died without arming its own retry — nudge it.
			shouldProbe := m.st == stateBackoff && m.reconnectTimer == nil
			if shouldProbe {
				m.st = stateProbing
			}
			m.mu.Unlock()
			if shouldProbe {
				go m.runProbe()
			}
		}
	}
}

// runProbe executes the Probing state: an HTTP HEAD to the relay root
// with a short timeout. Success advances to Connecting; failure enters
// Backoff and arms the single-shot reconnect timer.
func (m *Manager) runProbe() {
	m.mu.Lock()
	if m.st != stateProbing {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	client := &http.Client{Timeout: m.opts.ProbeTimeout}
	req, err := http.NewRequest(http.MethodHead, m.httpProbeURL, nil)
	if err == nil {
		resp, err2 := client.Do(req)
		if err2 == nil {
			resp.Body.Close()
			err = nil
		} else {
			err = err2
		}
	}

	if err != nil {
		m.enterBackoff()
		return
	}

	m.mu.Lock()
	if m.st != stateProbing {
		m.mu.Unlock()
		return
	}
	m.st = stateConnecting
	m.mu.Unlock()

	m.runConnect()
}

// runConnect executes the Connecting state: open a websocket to the
// relay, racing open/error against a fixed timeout, first-to-finish
// wins per spec.md §4.E.
func (m *Manager) runConnect() {
	type result struct {
		conn *websocket.Conn
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		dialer := websocket.Dialer{HandshakeTimeout: m.opts.ConnectTimeout}
		conn, _, err := dialer.Dial(m.relayURL, nil)
		ch <- result{conn: conn, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-time.After(m.opts.ConnectTimeout):
		res = result{err: fmt.Errorf("agentconn: connect timed out after %v", m.opts.ConnectTimeout)}
	}

	if res.err != nil {
		m.enterBackoff()
		return
	}

	m.mu.Lock()
	if m.st != stateConnecting {
		m.mu.Unlock()
		_ = res.conn.Close()
		return
	}
	m.st = stateOpen
	m.conn = res.conn
	m.connGen++
	gen := m.connGen
	m.mu.Unlock()

	if m.OnConnect != nil {
		m.OnConnect()
	}

	go m.readLoop(res.conn, gen)
}

// readLoop owns one socket's lifetime. gen identifies the connGen this
// socket was adopted under; if a newer socket has since been adopted by
// the time this loop exits, it must not clobber that newer reference —
// the identity check below is exactly spec.md §9's invariant.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			closeCode := websocket.CloseNoStatusReceived
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
			}
			m.handleClose(gen, closeCode)
			return
		}
		m.handleMessage(message)
	}
}

// handleMessage decodes one incoming command and writes back the
// dispatcher's response, or a JSON-RPC parse-error reply (no id) if
// decoding failed.
func (m *Manager) handleMessage(raw []byte) {
	var cmd wire.ExtCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		m.writeJSON(map[string]any{
			"error": map[string]any{"code": -32700, "message": "Parse error"},
		})
		return
	}

	resp := m.dispatcher.Dispatch(context.Background(), cmd)
	if err := m.writeJSON(resp); err != nil {
		log.Printf("agentconn: write response failed: %v", err)
	}
}

// SendEvent writes an unsolicited ExtEvent to the relay, satisfying
// agentrouter.EventSender. Safe to call concurrently with the read
// loop and with itself.
func (m *Manager) SendEvent(evt wire.ExtEvent) error {
	return m.writeJSON(evt)
}

func (m *Manager) writeJSON(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agentconn: not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// handleClose processes a socket closing, whether by error or a clean
// close frame. gen must match the live connGen or this callback is
// stale (a newer socket has already been adopted) and is ignored.
func (m *Manager) handleClose(gen uint64, code int) {
	m.mu.Lock()
	if gen != m.connGen {
		m.mu.Unlock()
		return
	}
	m.conn = nil

	if m.st == stateIdle {
		// Stop() already transitioned us; nothing further to do.
		m.mu.Unlock()
		return
	}

	if code == replacedCode {
		m.st = stateIdle
		m.mu.Unlock()
		return
	}

	m.mu.Unlock()
	m.enterBackoff()
}

// enterBackoff arms the single reconnect timer and schedules exactly
// one retry, chained rather than periodic: the next Probing attempt is
// not scheduled until this one resolves, so overlapping reconnect loops
// are structurally impossible, per spec.md §9 Open Question #2.
func (m *Manager) enterBackoff() {
	m.mu.Lock()
	if m.st == stateIdle {
		m.mu.Unlock()
		return
	}
	m.st = stateBackoff
	if m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = time.AfterFunc(m.opts.ReconnectInterval, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		shouldRetry := m.st == stateBackoff
		if shouldRetry {
			m.st = stateProbing
		}
		m.mu.Unlock()
		if shouldRetry {
			m.runProbe()
		}
	})
	m.mu.Unlock()
}

// CheckConnection is a liveness probe: if the socket reports open but
// the relay's HTTP root doesn't answer, the socket is silently dead
// (server crashed, network partition) and is closed so the read loop's
// error path drives reconnection. Returns false whenever the
// connection is not confirmed live.
func (m *Manager) CheckConnection() bool {
	m.mu.Lock()
	conn := m.conn
	isOpen := m.st == stateOpen && conn != nil
	m.mu.Unlock()
	if !isOpen {
		return false
	}

	client := &http.Client{Timeout: m.opts.ProbeTimeout}
	req, err := http.NewRequest(http.MethodHead, m.httpProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		_ = conn.Close()
		return false
	}
	resp.Body.Close()
	return true
}

// httpRootFromWS derives the relay's HTTP root from its /extension
// websocket URL (ws(s)://host[:port]/extension -> http(s)://host[:port]),
// used by cmd/agent so operators only have to configure one URL.
func httpRootFromWS(wsURL string) string {
	root := strings.TrimSuffix(wsURL, "/extension")
	root = strings.Replace(root, "ws://", "http://", 1)
	root = strings.Replace(root, "wss://", "https://", 1)
	return root
}

// HTTPRootFromWS exposes httpRootFromWS for callers constructing a
// Manager from a single configured relay URL.
func HTTPRootFromWS(wsURL string) string {
	return httpRootFromWS(wsURL)
}
