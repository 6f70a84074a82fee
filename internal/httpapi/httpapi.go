// Package httpapi is a thin facade over relaysession/relayrouter/persist:
// the handful of plain HTTP endpoints an operator or script uses to
// inspect and manage named pages, layered on net/http.ServeMux the way
// the teacher never reaches for a router package.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/devbridge/relay/internal/relayrouter"
	"github.com/devbridge/relay/internal/relaysession"
)

const sessionHeader = "X-DevBrowser-Session"
const defaultSession = "default"

// Handler exposes the relay's management endpoints.
type Handler struct {
	Registry *relaysession.Registry
	Router   *relayrouter.Router

	// WSHost is the host:port reported in wsEndpoint responses, e.g.
	// "127.0.0.1:9223".
	WSHost string

	PageLimit         int
	PageWarnThreshold int
}

// NewHandler returns a Handler with limits defaulted if zero.
func NewHandler(reg *relaysession.Registry, router *relayrouter.Router, wsHost string, pageLimit, warnThreshold int) *Handler {
	if pageLimit <= 0 {
		pageLimit = 5
	}
	if warnThreshold <= 0 {
		warnThreshold = 3
	}
	return &Handler{Registry: reg, Router: router, WSHost: wsHost, PageLimit: pageLimit, PageWarnThreshold: warnThreshold}
}

// Mux builds the ServeMux, one handler per endpoint in the table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/pages", h.handlePages)
	mux.HandleFunc("/pages/", h.handlePageByName)
	mux.HandleFunc("/sessions/", h.handleSessionByID)
	mux.HandleFunc("/stats", h.handleStats)
	return mux
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wsEndpoint":         h.wsEndpoint(defaultSession),
		"extensionConnected": h.Router.ExtensionConnected(),
		"mode":               "extension",
	})
}

func (h *Handler) handlePages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getPages(w, r)
	case http.MethodPost:
		h.postPages(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) getPages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	named := h.Registry.NamedPagesInSession(sessionID)
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"pages": names})
}

func (h *Handler) postPages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		Name     string `json:"name"`
		Viewport any    `json:"viewport,omitempty"`
		Pinned   bool   `json:"pinned,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := relaysession.ValidateName(body.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Reuse: the same name in this session always resolves to the same
	// target, per the name-uniqueness invariant. No agent round trip is
	// required to look this up, so it succeeds even if the agent is
	// briefly disconnected (spec's 500ms grace window).
	if cdpSessionID, exists := h.Registry.NamedPage(sessionID, body.Name); exists {
		t := h.Registry.Target(cdpSessionID)
		if t == nil {
			writeError(w, http.StatusNotFound, "page has no live target")
			return
		}
		if h.Router.ExtensionConnected() {
			_ = h.Router.ActivateTarget(r.Context(), t.TargetID)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"wsEndpoint": h.wsEndpoint(sessionID),
			"name":       body.Name,
			"targetId":   t.TargetID,
			"url":        t.URL,
		})
		return
	}

	if !h.Router.ExtensionConnected() {
		writeError(w, http.StatusServiceUnavailable, "extension not connected")
		return
	}

	existing := h.Registry.NamedPagesInSession(sessionID)
	if len(existing) >= h.PageLimit {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("session %q is at its page limit of %d", sessionID, h.PageLimit))
		return
	}

	cdpSessionID, err := h.Router.CreatePage(r.Context(), sessionID, body.Name, "about:blank")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	t := h.Registry.Target(cdpSessionID)
	resp := map[string]any{
		"wsEndpoint": h.wsEndpoint(sessionID),
		"name":       body.Name,
	}
	if t != nil {
		resp["targetId"] = t.TargetID
		resp["url"] = t.URL
	}
	if len(existing)+1 >= h.PageWarnThreshold {
		resp["warning"] = fmt.Sprintf("session %q has %d of %d pages", sessionID, len(existing)+1, h.PageLimit)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handlePageByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/pages/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "page name is required")
		return
	}
	sessionID, err := sessionFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Router.ClosePage(r.Context(), sessionID, name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	named := h.Registry.NamedPagesInSession(sessionID)
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	closed := 0
	for _, name := range names {
		if err := h.Router.ClosePage(r.Context(), sessionID, name); err == nil {
			closed++
		}
	}

	if h.Router.ExtensionConnected() {
		if err := h.Router.CloseAgentSession(r.Context(), sessionID); err != nil {
			log.Printf("httpapi: closeSession %q: %v", sessionID, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"closed": closed, "pages": names})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats := h.Registry.Snapshot()
	recovered, ranAt := h.Router.LastRecovery()
	resp := map[string]any{
		"connectedClients":   stats.ConnectedClients,
		"namedPages":         stats.NamedPages,
		"extensionConnected": h.Router.ExtensionConnected(),
		"pendingRequests":    h.Router.PendingCount(),
	}
	if !ranAt.IsZero() {
		resp["recoveredOnLastConnect"] = recovered
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionFromRequest resolves the agent session from the
// X-DevBrowser-Session header, defaulting to "default", and validates it.
func sessionFromRequest(r *http.Request) (string, error) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		sessionID = defaultSession
	}
	if err := relaysession.ValidateSession(sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (h *Handler) wsEndpoint(sessionID string) string {
	return fmt.Sprintf("ws://%s/cdp/%s", h.WSHost, sessionID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
