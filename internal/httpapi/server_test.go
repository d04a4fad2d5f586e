package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/deckard/internal/config"
	"github.com/antoniostano/deckard/internal/observability"
	"github.com/antoniostano/deckard/internal/persistence"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/protocol"
	"github.com/antoniostano/deckard/internal/session"
)

// echoOrchestrator registers the session and answers every inbound message with a client_info
// naming the message type.
type echoOrchestrator struct {
	sessions *session.Registry
}

func (e *echoOrchestrator) RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := e.sessions.Open(sessionID, persona.Joi, outbound, cancel); err != nil {
		return err
	}
	defer e.sessions.Close(sessionID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			info := protocol.NewClientInfo("unknown")
			if t, ok := inboundTypeOf(msg); ok {
				info.Info = string(t)
			}
			if sp, ok := msg.(protocol.SetPersona); ok {
				info.Persona = sp.Persona
			}
			outbound <- info
		}
	}
}

type testServer struct {
	srv      *Server
	ts       *httptest.Server
	sessions *session.Registry
	store    *persistence.InMemoryStore
}

func newTestServer(t *testing.T, withOrchestrator bool) *testServer {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DefaultPersona:           "joi",
		ResponseBuffering:        true,
	}
	sessions := session.NewRegistry(cfg.SessionInactivityTimeout)
	store := persistence.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	catalog := persona.NewCatalog(t.TempDir(), map[string]string{"joi": "https://src/joi.png"})

	var orch Orchestrator
	if withOrchestrator {
		orch = &echoOrchestrator{sessions: sessions}
	}
	srv := New(cfg, sessions, orch, catalog, store, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, ts: ts, sessions: sessions, store: store}
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRootAndHealth(t *testing.T) {
	s := newTestServer(t, true)

	res, err := http.Get(s.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	body := decodeBody(t, res)
	if body["service"] != "deckard-realtime" || body["status"] != "ok" {
		t.Fatalf("GET / body = %+v", body)
	}

	res, err = http.Get(s.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if body := decodeBody(t, res); body["store_mode"] != "in-memory" {
		t.Fatalf("store_mode = %v, want in-memory", body["store_mode"])
	}
}

func TestReadyzWithoutOrchestrator(t *testing.T) {
	s := newTestServer(t, false)
	res, err := http.Get(s.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestListPersonas(t *testing.T) {
	s := newTestServer(t, true)
	res, err := http.Get(s.ts.URL + "/v1/personas")
	if err != nil {
		t.Fatalf("GET /v1/personas error = %v", err)
	}
	body := decodeBody(t, res)
	list, _ := body["personas"].([]any)
	if len(list) != len(persona.All) {
		t.Fatalf("len(personas) = %d, want %d", len(list), len(persona.All))
	}
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t, true)

	res, err := http.Post(s.ts.URL+"/v1/sessions", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	created := decodeBody(t, res)
	id, _ := created["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["ws_path"] != "/ws/"+id || created["persona"] != "joi" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	res, err = http.Post(s.ts.URL+"/v1/sessions", "application/json", strings.NewReader(`{"persona":"Officer_J"}`))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	created = decodeBody(t, res)
	if !strings.HasSuffix(created["ws_path"].(string), "?persona=officer_j") {
		t.Fatalf("ws_path = %v, want persona query", created["ws_path"])
	}

	res, err = http.Post(s.ts.URL+"/v1/sessions", "application/json", strings.NewReader(`{"persona":"deckard"}`))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown persona status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestSessionLookupAndEnd(t *testing.T) {
	s := newTestServer(t, true)
	ended := make(chan struct{})
	if _, err := s.sessions.Open("live", persona.Joi, make(chan any, 1), func() { close(ended) }); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	res, err := http.Get(s.ts.URL + "/v1/sessions/live")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	if body := decodeBody(t, res); body["session_id"] != "live" || body["response_state"] != "idle" {
		t.Fatalf("unexpected session body: %+v", body)
	}

	res, err = http.Get(s.ts.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions error = %v", err)
	}
	if list, _ := decodeBody(t, res)["sessions"].([]any); len(list) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(list))
	}

	res, err = http.Post(s.ts.URL+"/v1/sessions/live/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatalf("end did not cancel the connection")
	}

	res, err = http.Post(s.ts.URL+"/v1/sessions/missing/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestListTurns(t *testing.T) {
	s := newTestServer(t, true)
	for i := 0; i < 3; i++ {
		_ = s.store.SaveTurn(context.Background(), persistence.TurnRecord{SessionID: "s1", ResponseID: fmt.Sprintf("s1_response_%d", i+1)})
	}

	res, err := http.Get(s.ts.URL + "/v1/sessions/s1/turns?limit=2")
	if err != nil {
		t.Fatalf("GET turns error = %v", err)
	}
	if turns, _ := decodeBody(t, res)["turns"].([]any); len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}

	res, err = http.Get(s.ts.URL + "/v1/sessions/s1/turns?limit=zero")
	if err != nil {
		t.Fatalf("GET turns error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestWebsocketRejectsConnectedSession(t *testing.T) {
	s := newTestServer(t, true)
	if _, err := s.sessions.Open("busy", persona.Joi, make(chan any, 1), nil); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	res, err := http.Get(s.ts.URL + "/ws/busy")
	if err != nil {
		t.Fatalf("GET /ws/busy error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	s := newTestServer(t, true)
	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/abc?persona=officer_k"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var info protocol.ClientInfo
	if err := conn.ReadJSON(&info); err != nil {
		t.Fatalf("read persona ack: %v", err)
	}
	if info.Info != "set_persona" || info.Persona != "officer_k" {
		t.Fatalf("first message = %+v, want set_persona officer_k", info)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interrupt"}`)); err != nil {
		t.Fatalf("write interrupt: %v", err)
	}
	if err := conn.ReadJSON(&info); err != nil {
		t.Fatalf("read interrupt ack: %v", err)
	}
	if info.Info != "interrupt" {
		t.Fatalf("ack = %+v, want interrupt", info)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	var e protocol.Error
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if e.Type != protocol.TypeError || !strings.HasPrefix(e.Error, "invalid_client_message") {
		t.Fatalf("error = %+v", e)
	}

	if !s.sessions.Exists("abc") {
		t.Fatalf("session abc not registered while connected")
	}
}

func TestWebsocketPingsListenOnlyClients(t *testing.T) {
	s := newTestServer(t, true)
	s.srv.pingInterval = 20 * time.Millisecond

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/quiet"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("server sent no ping to an idle client")
	}
}
