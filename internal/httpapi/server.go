package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/deckard/internal/config"
	"github.com/antoniostano/deckard/internal/logging"
	"github.com/antoniostano/deckard/internal/observability"
	"github.com/antoniostano/deckard/internal/persistence"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/protocol"
	"github.com/antoniostano/deckard/internal/session"
)

const (
	defaultTurnsLimit = 50
	maxTurnsLimit     = 500
)

type Orchestrator interface {
	RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Registry
	orchestrator Orchestrator
	catalog      *persona.Catalog
	store        persistence.Store
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
	// pingInterval keeps listen-only clients inside wsReadTimeout while a video renders.
	pingInterval time.Duration
}

const wsReadTimeout = 120 * time.Second

func New(cfg config.Config, sessions *session.Registry, orchestrator Orchestrator, catalog *persona.Catalog, store persistence.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		catalog:      catalog,
		store:        store,
		metrics:      metrics,
		pingInterval: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"service": "deckard-realtime", "status": "ok"})
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/personas", s.handleListPersonas)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/turns", s.handleListTurns)

	r.Get("/ws/{session_id}", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ready"
	if s.orchestrator == nil {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	respondJSON(w, status, map[string]any{
		"status":             state,
		"response_buffering": s.cfg.ResponseBuffering,
		"store_mode":         storeMode(s.store),
	})
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	if s.catalog == nil {
		respondJSON(w, http.StatusOK, map[string]any{"personas": []persona.Profile{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"default":  s.cfg.DefaultPersona,
		"personas": s.catalog.Profiles(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.MintRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p := persona.ID(s.cfg.DefaultPersona)
	if strings.TrimSpace(req.Persona) != "" {
		parsed, err := persona.Parse(req.Persona)
		if err != nil {
			respondError(w, http.StatusBadRequest, "unknown_persona", err.Error())
			return
		}
		p = parsed
	}
	if p == "" {
		p = persona.Default
	}

	id := uuid.NewString()
	wsPath := "/ws/" + id
	if p != persona.ID(s.cfg.DefaultPersona) {
		wsPath += "?persona=" + url.QueryEscape(string(p))
	}
	s.metrics.SessionEvents.WithLabelValues("minted").Inc()
	respondJSON(w, http.StatusCreated, session.MintResponse{
		SessionID:       id,
		Persona:         string(p),
		WSPath:          wsPath,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.sessions.Disconnect(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "ending"})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultTurnsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTurnsLimit)
	}
	if s.store == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": []persistence.TurnRecord{}})
		return
	}
	turns, err := s.store.RecentTurns(r.Context(), id, limit)
	if err != nil {
		logging.Error("list turns failed", "session_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", "could not load turns")
		return
	}
	if turns == nil {
		turns = []persistence.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "path parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	if s.sessions.Exists(sessionID) {
		respondError(w, http.StatusConflict, "session_already_connected", session.ErrAlreadyConnected.Error())
		return
	}
	requested := strings.TrimSpace(r.URL.Query().Get("persona"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	log := logging.With("session_id", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	if requested != "" {
		inbound <- protocol.SetPersona{Type: protocol.TypeSetPersona, Persona: requested}
	}

	go func() {
		defer close(runDone)
		if err := s.orchestrator.RunConnection(ctx, sessionID, inbound, outbound); err != nil {
			log.Warn("connection ended with error", "error", err)
		}
		// Unblock the reader once the session is gone.
		cancel()
		_ = conn.SetReadDeadline(time.Now())
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(s.pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug("websocket ping failed", "error", err)
					cancel()
					return
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.SessionEvents.WithLabelValues("ws_write_error").Inc()
					log.Debug("websocket write failed", "error", err)
					cancel()
					return
				}
				if t := protocol.MessageTypeOf(msg); t != "" {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	readLimit := int64(s.cfg.WSReadLimitBytes)
	if readLimit <= 0 {
		readLimit = 16 << 20
	}
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case outbound <- protocol.NewError("invalid_client_message: " + err.Error()):
				s.metrics.ObserveOutboundMessage(string(protocol.TypeError), "queued")
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.ObserveOutboundMessage(string(protocol.TypeError), "drop_full")
			}
			continue
		}

		if t, ok := inboundTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func storeMode(store persistence.Store) string {
	switch st := store.(type) {
	case nil:
		return "disabled"
	case *persistence.PostgresStore:
		return "postgres"
	case *persistence.RedactingStore:
		return storeMode(st.Store) + "+redacted"
	default:
		return "in-memory"
	}
}

func inboundTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AudioIn:
		return m.Type, true
	case protocol.CommitAudio:
		return m.Type, true
	case protocol.ImageIn:
		return m.Type, true
	case protocol.ImageStart:
		return m.Type, true
	case protocol.ImageChunk:
		return m.Type, true
	case protocol.ImageEnd:
		return m.Type, true
	case protocol.Interrupt:
		return m.Type, true
	case protocol.SetPersona:
		return m.Type, true
	default:
		return "", false
	}
}
