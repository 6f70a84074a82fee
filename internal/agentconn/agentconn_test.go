package agentconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devbridge/relay/internal/wire"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, cmd wire.ExtCommand) wire.ExtResponse {
	d.mu.Lock()
	d.calls = append(d.calls, cmd.Method)
	d.mu.Unlock()
	return wire.ExtResponse{ID: cmd.ID, Result: wire.MustMarshal(map[string]bool{"ok": true})}
}

// fakeRelay serves an HTTP root (for the HEAD probe) and an /extension
// websocket endpoint, tracking how many times each has been hit.
type fakeRelay struct {
	upgrader websocket.Upgrader

	mu          sync.Mutex
	headCount   int
	acceptConns []*websocket.Conn
	rejectWS    bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}}
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headCount++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/extension", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reject := f.rejectWS
		f.mu.Unlock()
		if reject {
			http.Error(w, "no", http.StatusServiceUnavailable)
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.acceptConns = append(f.acceptConns, conn)
		f.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/extension"
}

func TestStartMaintainingReachesOpen(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	disp := &fakeDispatcher{}
	connected := make(chan struct{}, 1)
	m := New(wsURL(srv.URL), srv.URL, disp, Options{
		ProbeTimeout:      200 * time.Millisecond,
		ConnectTimeout:    500 * time.Millisecond,
		ReconnectInterval: 100 * time.Millisecond,
		KeepAliveTick:     time.Hour,
	})
	m.OnConnect = func() { connected <- struct{}{} }

	m.StartMaintaining()
	defer m.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never reached Open")
	}

	if got := m.State(); got != "open" {
		t.Errorf("expected state open, got %s", got)
	}
}

func TestStartMaintainingIsIdempotent(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	disp := &fakeDispatcher{}
	m := New(wsURL(srv.URL), srv.URL, disp, Options{KeepAliveTick: time.Hour})
	m.StartMaintaining()
	m.StartMaintaining()
	m.StartMaintaining()
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	// No assertion beyond "doesn't panic/deadlock" — idempotency here
	// means a second call while non-Idle is a no-op per spec.md §4.E.
}

func TestReplacementCodeStopsReconnecting(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	disp := &fakeDispatcher{}
	connected := make(chan struct{}, 4)
	m := New(wsURL(srv.URL), srv.URL, disp, Options{
		ProbeTimeout:      200 * time.Millisecond,
		ConnectTimeout:    500 * time.Millisecond,
		ReconnectInterval: 50 * time.Millisecond,
		KeepAliveTick:     time.Hour,
	})
	m.OnConnect = func() { connected <- struct{}{} }
	m.StartMaintaining()
	defer m.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	relay.mu.Lock()
	conn := relay.acceptConns[0]
	relay.mu.Unlock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(replacedCode, "replaced"), time.Now().Add(time.Second))
	conn.Close()

	time.Sleep(300 * time.Millisecond)
	if got := m.State(); got != "idle" {
		t.Errorf("expected idle after replacement close, got %s", got)
	}
}

func TestOtherCloseCodeReconnectsOnce(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	disp := &fakeDispatcher{}
	connected := make(chan struct{}, 4)
	m := New(wsURL(srv.URL), srv.URL, disp, Options{
		ProbeTimeout:      200 * time.Millisecond,
		ConnectTimeout:    500 * time.Millisecond,
		ReconnectInterval: 50 * time.Millisecond,
		KeepAliveTick:     time.Hour,
	})
	m.OnConnect = func() { connected <- struct{}{} }
	m.StartMaintaining()
	defer m.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected the first time")
	}

	relay.mu.Lock()
	conn := relay.acceptConns[0]
	relay.mu.Unlock()
	conn.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected after non-replacement close")
	}
	if got := m.State(); got != "open" {
		t.Errorf("expected open after reconnect, got %s", got)
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	disp := &fakeDispatcher{}
	connected := make(chan struct{}, 1)
	m := New(wsURL(srv.URL), srv.URL, disp, Options{KeepAliveTick: time.Hour})
	m.OnConnect = func() { connected <- struct{}{} }
	m.StartMaintaining()
	defer m.Stop()

	<-connected

	relay.mu.Lock()
	conn := relay.acceptConns[0]
	relay.mu.Unlock()

	conn.WriteJSON(wire.ExtCommand{ID: 7, Method: "getAvailableTargets"})

	var resp wire.ExtResponse
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.ID != 7 {
		t.Errorf("expected id 7, got %d", resp.ID)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.calls) != 1 || disp.calls[0] != "getAvailableTargets" {
		t.Errorf("expected dispatcher to see getAvailableTargets, got %v", disp.calls)
	}
}

func TestHTTPRootFromWS(t *testing.T) {
	cases := map[string]string{
		"ws://127.0.0.1:9223/extension":  "http://127.0.0.1:9223",
		"wss://relay.local/extension":    "https://relay.local",
	}
	for in, want := range cases {
		if got := HTTPRootFromWS(in); got != want {
			t.Errorf("HTTPRootFromWS(%q) = %q, want %q", in, got, want)
		}
	}
}
