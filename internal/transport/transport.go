// Package transport terminates the relay's two websocket surfaces: the
// single agent control connection on /extension, and the per-client CDP
// connections on /cdp. Both are loopback-only, following the teacher's
// preference for binding narrowly rather than authenticating broadly.
package transport

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devbridge/relay/internal/relaysession"
	"github.com/devbridge/relay/internal/relayrouter"
	"github.com/devbridge/relay/internal/wire"
)

// replacedCode is the close code sent to a superseded agent connection,
// distinct from any standard websocket close code so the agent can tell
// the difference between "relay is shutting down" and "a newer agent
// process took over."
const replacedCode = 4001

// Server binds the relay's HTTP/WS listener to a loopback address.
type Server struct {
	Registry *relaysession.Registry
	Router   *relayrouter.Router

	upgrader websocket.Upgrader

	extConnMu sync.Mutex
	extConn   *websocket.Conn

	// OnExtensionConnected is invoked (in its own goroutine) after a new
	// agent connection is adopted, giving the caller a hook to kick off
	// recovery.Run.
	OnExtensionConnected func()
}

// NewServer returns a Server with no upgrader origin checks, since every
// accepted connection must already be loopback by the time Upgrade runs.
func NewServer(reg *relaysession.Registry, router *relayrouter.Router) *Server {
	return &Server{
		Registry: reg,
		Router:   router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Mux returns the handler to serve; cmd/relay wraps this in an
// http.Server bound to 127.0.0.1.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/extension", s.handleExtensionWS)
	mux.HandleFunc("/cdp", s.handleCDPWS)
	mux.HandleFunc("/cdp/", s.handleCDPWS)
	return mux
}

func (s *Server) handleExtensionWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: extension upgrade failed: %v", err)
		return
	}

	s.extConnMu.Lock()
	previous := s.extConn
	s.extConn = ws
	s.extConnMu.Unlock()

	if previous != nil {
		_ = previous.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(replacedCode, "replaced by newer extension connection"),
			time.Now().Add(time.Second))
		previous.Close()
	}

	conn := &wsConn{ws: ws}
	s.Router.SetExtensionConn(conn)
	if s.OnExtensionConnected != nil {
		go s.OnExtensionConnected()
	}

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}
		s.Router.HandleExtensionMessage(message)
	}

	s.extConnMu.Lock()
	if s.extConn == ws {
		s.extConn = nil
		s.Router.SetExtensionConn(nil)
	}
	s.extConnMu.Unlock()
	s.Router.RejectPending("agent disconnected")
}

func (s *Server) handleCDPWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sessionID := cdpSessionIDFromRequest(r)
	if err := relaysession.ValidateSession(sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: cdp upgrade failed: %v", err)
		return
	}

	conn := &wsConn{ws: ws}
	clientID := uuid.NewString()
	client := &relaysession.Client{
		ID:           clientID,
		Conn:         conn,
		SessionID:    sessionID,
		KnownTargets: make(map[string]bool),
	}
	s.Registry.RegisterClient(client)
	defer s.Registry.UnregisterClient(clientID)
	defer ws.Close()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var cmd wire.Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			_ = conn.WriteJSON(parseErrorResponse())
			ws.Close()
			return
		}

		resp, events := s.Router.HandleClientCommand(r.Context(), clientID, cmd)
		if err := conn.WriteJSON(resp); err != nil {
			break
		}
		for _, evt := range events {
			if err := conn.WriteJSON(evt); err != nil {
				break
			}
		}
	}
}

// cdpSessionIDFromRequest resolves the logical session for a /cdp
// connection: the X-DevBrowser-Session header if present, otherwise a
// trailing path segment after "/cdp/", otherwise "default".
func cdpSessionIDFromRequest(r *http.Request) string {
	if h := r.Header.Get("X-DevBrowser-Session"); h != "" {
		return h
	}
	if trimmed := strings.TrimPrefix(r.URL.Path, "/cdp/"); trimmed != "" && trimmed != r.URL.Path {
		return trimmed
	}
	return "default"
}

func parseErrorResponse() wire.Response {
	return wire.Response{Error: &wire.Error{Message: "Parse error"}}
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// wsConn adapts *websocket.Conn to relaysession.Conn / relayrouter.ExtConn.
// gorilla/websocket permits at most one concurrent writer per connection,
// but a single client socket can be written from two goroutines: its own
// read loop (command responses) and the extension's read loop delivering
// an event into this client's session (relayrouter.deliverEvent). The
// extension's own socket has the same problem from the other direction:
// every client forwarding a command writes to the one shared extConn
// concurrently. The mutex here serializes both cases.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}
