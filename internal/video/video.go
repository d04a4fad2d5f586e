// Package video schedules talking-head generation for finished turns and reconciles the
// result with the turn's buffered audio.
package video

import (
	"context"
	"strings"
	"time"

	"github.com/antoniostano/deckard/internal/persona"
)

const (
	StatusError   = "error"
	StatusTimeout = "timeout"
	ErrorTimeout  = "Timeout"
)

// Result is the terminal state of one generation request.
type Result struct {
	TalkID string `json:"talk_id,omitempty"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

func IsTerminalSuccess(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "done", "complete", "succeeded":
		return true
	default:
		return false
	}
}

func IsTerminalFailure(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "error", "failed":
		return true
	default:
		return false
	}
}

// Succeeded requires both a success status and a playable URL.
func (r Result) Succeeded() bool {
	return IsTerminalSuccess(r.Status) && strings.TrimSpace(r.URL) != ""
}

// ErrorText is the message shown to the client for a failed result.
func (r Result) ErrorText() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Status != "" {
		return "video generation ended with status " + r.Status
	}
	return "video generation failed"
}

// Generator is the talking-head backend.
type Generator interface {
	GenerateTalkFromPCM(ctx context.Context, pcm []byte, sampleRate int, image persona.Image) (Result, error)
	GenerateTalkFromText(ctx context.Context, sourceURL, text, voiceID string) (Result, error)
}

type Strategy string

const (
	StrategyNone  Strategy = "none"
	StrategyAudio Strategy = "audio"
	StrategyText  Strategy = "text"
)

// Job is one scheduled generation for a turn.
type Job struct {
	SessionID  string
	ResponseID string
	Persona    persona.ID
	Strategy   Strategy
	PCM        []byte
	SampleRate int
	Text       string
	// Legacy jobs come from the streaming path; their buffer is already gone.
	Legacy     bool
	EnqueuedAt time.Time
}

// Outcome is what a background job delivers back to its session.
type Outcome struct {
	Job      Job
	Result   Result
	Duration time.Duration
}

// Coordinated reports whether the video was produced from text and must be paired with the
// buffered audio by the client.
func (o Outcome) Coordinated() bool {
	return o.Job.Strategy == StrategyText
}
