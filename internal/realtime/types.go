// Package realtime talks to the upstream conversational model over a bidirectional event stream.
package realtime

import (
	"context"
	"errors"
)

var ErrSessionClosed = errors.New("realtime session closed")

// Event is anything the upstream session yields. Concrete values are the typed events below,
// or RawModelEvent for everything without a dedicated type.
type Event interface {
	EventType() string
}

type AudioEvent struct {
	Data         []byte
	ItemID       string
	ResponseID   string
	ContentIndex int
}

func (AudioEvent) EventType() string { return "audio" }

type AudioEndEvent struct {
	ItemID     string
	ResponseID string
}

func (AudioEndEvent) EventType() string { return "audio_end" }

type AudioInterruptedEvent struct {
	ItemID string
}

func (AudioInterruptedEvent) EventType() string { return "audio_interrupted" }

// TranscriptDeltaEvent is an incremental piece of the assistant's spoken transcript.
type TranscriptDeltaEvent struct {
	ItemID     string
	ResponseID string
	Delta      string
}

func (TranscriptDeltaEvent) EventType() string { return "transcript_delta" }

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type HistoryAddedEvent struct {
	Item Item
}

func (HistoryAddedEvent) EventType() string { return "history_added" }

// RawModelEvent carries an upstream server payload as a generic mapping. Data may itself be a
// {"type":"raw_server_event","data":{...}} wrapper.
type RawModelEvent struct {
	Data map[string]any
}

func (RawModelEvent) EventType() string { return "raw_model_event" }

// ServerType returns the innermost upstream event type.
func (e RawModelEvent) ServerType() string {
	data := e.Data
	for i := 0; i < 3 && data != nil; i++ {
		t, _ := data["type"].(string)
		inner, ok := data["data"].(map[string]any)
		if t == "raw_server_event" && ok {
			data = inner
			continue
		}
		return t
	}
	return ""
}

type ErrorEvent struct {
	Code      string
	Message   string
	Retryable bool
}

func (ErrorEvent) EventType() string { return "error" }

func (e ErrorEvent) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// InputContent is one part of a structured user message.
type InputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type UserMessage struct {
	Content []InputContent
}

// Options configure a new upstream session.
type Options struct {
	SessionID    string
	Instructions string
	Voice        string
	SampleRate   int
}

// Session is one live upstream conversation. Events is closed when the session ends; Err then
// reports why, or nil for a clean close.
type Session interface {
	SendAudio(ctx context.Context, pcm []byte) error
	SendMessage(ctx context.Context, msg UserMessage) error
	CommitAudio(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Events() <-chan Event
	Err() error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, opts Options) (Session, error)
	Name() string
}
