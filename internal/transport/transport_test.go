package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devbridge/relay/internal/persist"
	"github.com/devbridge/relay/internal/relayrouter"
	"github.com/devbridge/relay/internal/relaysession"
	"github.com/devbridge/relay/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	reg := relaysession.NewRegistry()
	store := persist.NewStore(t.TempDir())
	saver := persist.NewDebouncedSaver(store, 10*time.Millisecond, func() []persist.PageEntry { return nil })
	router := relayrouter.New(reg, saver, relayrouter.Options{Timeout: time.Second})

	srv := NewServer(reg, router)
	httpSrv := httptest.NewServer(srv.Mux())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func dialWS(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", path, err)
	}
	return conn
}

func TestCDPConnectionHandlesBrowserGetVersion(t *testing.T) {
	_, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv.URL, "/cdp/default")
	defer conn.Close()

	cmd := wire.Command{ID: 1, Method: "Browser.getVersion"}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var resp wire.Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if result["protocolVersion"] != "1.3" {
		t.Errorf("expected protocolVersion 1.3, got %s", result["protocolVersion"])
	}
}

func TestCDPConnectionRejectsMalformedJSON(t *testing.T) {
	_, httpSrv := newTestServer(t)
	conn := dialWS(t, httpSrv.URL, "/cdp/default")
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var resp wire.Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.Error == nil || resp.Error.Message != "Parse error" {
		t.Fatalf("expected parse error response, got %+v", resp)
	}
}

func TestExtensionConnectionReplacesPrevious(t *testing.T) {
	_, httpSrv := newTestServer(t)

	first := dialWS(t, httpSrv.URL, "/extension")
	defer first.Close()

	time.Sleep(20 * time.Millisecond)

	second := dialWS(t, httpSrv.URL, "/extension")
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error on superseded connection, got %v", err)
	}
	if closeErr.Code != replacedCode {
		t.Errorf("expected close code %d, got %d", replacedCode, closeErr.Code)
	}
}
