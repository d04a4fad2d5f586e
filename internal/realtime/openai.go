package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/deckard/internal/logging"
	"github.com/antoniostano/deckard/internal/reliability"
)

const (
	wsDialTimeout      = 10 * time.Second
	wsWriteWait        = 10 * time.Second
	wsMaxMessageSize   = 64 << 20
	wsDialAttempts     = 3
	wsRetryBackoffBase = 500 * time.Millisecond
	wsRetryBackoffMax  = 5 * time.Second
	wsHeartbeat        = 20 * time.Second
	wsCloseGrace       = 2 * time.Second
	eventBuffer        = 512
)

type OpenAIConfig struct {
	APIKey string
	URL    string
	Model  string
}

// OpenAIConnector dials the OpenAI Realtime websocket API.
type OpenAIConnector struct {
	cfg    OpenAIConfig
	dialer *websocket.Dialer
}

func NewOpenAIConnector(cfg OpenAIConfig) *OpenAIConnector {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	return &OpenAIConnector{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: wsDialTimeout},
	}
}

func (c *OpenAIConnector) Name() string { return "openai" }

func (c *OpenAIConnector) Connect(ctx context.Context, opts Options) (Session, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	log := logging.With("component", "realtime", "session_id", opts.SessionID)

	var conn *websocket.Conn
	err = reliability.Retry(ctx, wsDialAttempts, wsRetryBackoffBase, wsRetryBackoffMax, func(ctx context.Context) error {
		cn, resp, dialErr := c.dialer.DialContext(ctx, u.String(), headers)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if dialErr != nil {
			log.Warn("realtime dial failed", "error", dialErr)
			if resp != nil {
				return &reliability.StatusError{Code: resp.StatusCode, Body: dialErr.Error()}
			}
			return dialErr
		}
		conn = cn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	conn.SetReadLimit(wsMaxMessageSize)

	s := &openAISession{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		log:    log,
	}
	if err := s.writeJSON(ctx, sessionUpdate(opts)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send session.update: %w", err)
	}
	go s.readLoop()
	go s.heartbeat()
	log.Info("realtime session connected", "model", c.cfg.Model)
	return s, nil
}

func sessionUpdate(opts Options) map[string]any {
	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"turn_detection": map[string]any{
			"type": "server_vad",
		},
	}
	if v := strings.TrimSpace(opts.Instructions); v != "" {
		session["instructions"] = v
	}
	if v := strings.TrimSpace(opts.Voice); v != "" {
		session["voice"] = v
	}
	return map[string]any{"type": "session.update", "session": session}
}

type openAISession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
	log       *slog.Logger

	errMu sync.Mutex
	err   error
}

func (s *openAISession) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.writeJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *openAISession) CommitAudio(ctx context.Context) error {
	return s.writeJSON(ctx, map[string]any{"type": "input_audio_buffer.commit"})
}

func (s *openAISession) SendMessage(ctx context.Context, msg UserMessage) error {
	if len(msg.Content) == 0 {
		return errors.New("user message has no content")
	}
	if err := s.writeJSON(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "user",
			"content": msg.Content,
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(ctx, map[string]any{"type": "response.create"})
}

func (s *openAISession) Interrupt(ctx context.Context) error {
	return s.writeJSON(ctx, map[string]any{"type": "response.cancel"})
}

func (s *openAISession) Events() <-chan Event { return s.events }

func (s *openAISession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *openAISession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsCloseGrace))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *openAISession) writeJSON(ctx context.Context, v any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("realtime write: %w", err)
	}
	return nil
}

func (s *openAISession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.setErr(err)
				}
				_ = s.Close()
			}
			return
		}
		for _, ev := range DecodeServerEvent(data) {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *openAISession) heartbeat() {
	ticker := time.NewTicker(wsHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warn("realtime ping failed", "error", err)
				return
			}
		}
	}
}

func (s *openAISession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// DecodeServerEvent maps one upstream server message to session events. Lifecycle events are
// wrapped twice so consumers see the same shape the agent SDK forwards; anything without a
// dedicated type is passed through as a single-wrapped RawModelEvent.
func DecodeServerEvent(data []byte) []Event {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		logging.Debug("realtime: dropping undecodable server message", "error", err, "bytes", len(data))
		return nil
	}
	typ := str(m["type"])
	switch typ {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(str(m["delta"]))
		if err != nil {
			logging.Debug("realtime: invalid audio delta", "error", err)
			return nil
		}
		return []Event{AudioEvent{
			Data:         pcm,
			ItemID:       str(m["item_id"]),
			ResponseID:   str(m["response_id"]),
			ContentIndex: intOf(m["content_index"]),
		}}
	case "response.audio.done":
		return []Event{AudioEndEvent{ItemID: str(m["item_id"]), ResponseID: str(m["response_id"])}}
	case "response.audio_transcript.delta":
		return []Event{TranscriptDeltaEvent{
			ItemID:     str(m["item_id"]),
			ResponseID: str(m["response_id"]),
			Delta:      str(m["delta"]),
		}}
	case "conversation.item.created", "response.output_item.done":
		var wrapper struct {
			Item Item `json:"item"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return []Event{RawModelEvent{Data: m}}
		}
		return []Event{HistoryAddedEvent{Item: wrapper.Item}}
	case "input_audio_buffer.speech_started":
		return []Event{AudioInterruptedEvent{ItemID: str(m["item_id"])}}
	case "response.created", "response.done":
		return []Event{RawModelEvent{Data: map[string]any{"type": "raw_server_event", "data": m}}}
	case "error":
		e, _ := m["error"].(map[string]any)
		code := str(e["code"])
		if code == "" {
			code = str(e["type"])
		}
		return []Event{ErrorEvent{
			Code:      code,
			Message:   str(e["message"]),
			Retryable: reliability.IsRetryableRealtimeErrorCode(code),
		}}
	default:
		return []Event{RawModelEvent{Data: m}}
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
