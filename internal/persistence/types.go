// Package persistence records finished turns and session lifecycle events.
package persistence

import (
	"context"
	"time"
)

// TurnRecord is one finished assistant turn and what happened to its video.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	ResponseID  string    `json:"response_id"`
	Persona     string    `json:"persona"`
	Strategy    string    `json:"strategy"`
	Text        string    `json:"text"`
	AudioBytes  int       `json:"audio_bytes"`
	VideoStatus string    `json:"video_status"`
	VideoURL    string    `json:"video_url,omitempty"`
	TalkID      string    `json:"talk_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	Interrupted bool      `json:"interrupted"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionEvent is a lifecycle marker such as connected, persona_set or disconnected.
type SessionEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists turns and session events.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecordSessionEvent(ctx context.Context, ev SessionEvent) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
