package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const testToken = "secret-token"

type serviceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// fakeHub emulates the hub REST API and websocket endpoint.
type fakeHub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	states   []EntityState
	calls    []serviceCall
	failCall bool
	history  map[string][]EntityState
	lastPath string
	lastEnd  string

	received chan map[string]any
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()

	fh := &fakeHub{
		t:        t,
		received: make(chan map[string]any, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", fh.handleAPI)
	mux.HandleFunc("/api/states", fh.handleStates)
	mux.HandleFunc("/api/states/", fh.handleState)
	mux.HandleFunc("/api/services/", fh.handleService)
	mux.HandleFunc("/api/history/period/", fh.handleHistory)
	mux.HandleFunc("/api/websocket", fh.handleWebsocket)

	fh.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		fh.dropAll()
		fh.server.Close()
	})

	return fh
}

func (fh *fakeHub) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+testToken
}

func (fh *fakeHub) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/" {
		http.NotFound(w, r)
		return
	}
	if !fh.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"message":"API running."}`))
}

func (fh *fakeHub) handleStates(w http.ResponseWriter, r *http.Request) {
	if !fh.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fh.states)
}

func (fh *fakeHub) handleState(w http.ResponseWriter, r *http.Request) {
	if !fh.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/states/")

	fh.mu.Lock()
	defer fh.mu.Unlock()
	for _, s := range fh.states {
		if s.EntityID == id {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(s)
			return
		}
	}
	http.NotFound(w, r)
}

func (fh *fakeHub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !fh.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	fh.mu.Lock()
	defer fh.mu.Unlock()
	fh.lastPath = r.URL.Path
	fh.lastEnd = r.URL.Query().Get("end_time")

	out := [][]EntityState{}
	if states, ok := fh.history[r.URL.Query().Get("filter_entity_id")]; ok {
		out = append(out, states)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (fh *fakeHub) handleService(w http.ResponseWriter, r *http.Request) {
	if !fh.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/services/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var data map[string]any
	_ = json.Unmarshal(body, &data)

	fh.mu.Lock()
	fh.calls = append(fh.calls, serviceCall{Domain: parts[0], Service: parts[1], Data: data})
	fail := fh.failCall
	fh.mu.Unlock()

	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (fh *fakeHub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := fh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_ = conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2024.1.0"})

	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		_ = conn.Close()
		return
	}
	if auth["type"] != "auth" || auth["access_token"] != testToken {
		_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		_ = conn.Close()
		return
	}
	_ = conn.WriteJSON(map[string]any{"type": "auth_ok", "ha_version": "2024.1.0"})

	fh.mu.Lock()
	fh.conns = append(fh.conns, conn)
	fh.mu.Unlock()

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		fh.received <- msg

		switch msg["type"] {
		case "get_config":
			fh.send(conn, map[string]any{"id": msg["id"], "type": "result", "success": true, "result": map[string]any{"version": "2024.1.0"}})
		case "fail_me":
			fh.send(conn, map[string]any{"id": msg["id"], "type": "result", "success": false, "error": map[string]any{"code": "unknown_command", "message": "Unknown command."}})
		}
	}
}

func (fh *fakeHub) send(conn *websocket.Conn, v any) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	_ = conn.WriteJSON(v)
}

// broadcast writes v to every authenticated connection.
func (fh *fakeHub) broadcast(v any) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	for _, c := range fh.conns {
		_ = c.WriteJSON(v)
	}
}

// dropAll closes every websocket connection from the server side.
func (fh *fakeHub) dropAll() {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	for _, c := range fh.conns {
		_ = c.Close()
	}
	fh.conns = nil
}

func (fh *fakeHub) serviceCalls() []serviceCall {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return append([]serviceCall(nil), fh.calls...)
}

// waitFor returns the next received message of type msgType.
func (fh *fakeHub) waitFor(msgType string) map[string]any {
	fh.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-fh.received:
			if msg["type"] == msgType {
				return msg
			}
		case <-timeout:
			fh.t.Fatalf("Timed out waiting for %q message", msgType)
			return nil
		}
	}
}

func newTestManager(fh *fakeHub, cfg Config) *Manager {
	cfg.URL = fh.server.URL
	if cfg.Token == "" {
		cfg.Token = testToken
	}
	return NewManager(cfg, zerolog.Nop())
}
