// Package did is a client for the D-ID Talks API.
package did

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/antoniostano/deckard/internal/audio"
	"github.com/antoniostano/deckard/internal/logging"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/reliability"
	"github.com/antoniostano/deckard/internal/video"
)

const (
	DefaultBaseURL = "https://api.d-id.com"

	defaultPollInterval = time.Second
	defaultMaxWait      = 120 * time.Second
	requestTimeout      = 30 * time.Second
	createAttempts      = 3
	retryBackoffBase    = 500 * time.Millisecond
	retryBackoffMax     = 4 * time.Second
	maxErrorBody        = 4 << 10
)

var ErrMissingAPIKey = errors.New("DID_API_KEY is not set")

type Config struct {
	APIKey            string
	BaseURL           string
	WebhookURL        string
	PollInterval      time.Duration
	MaxWait           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client creates talks and polls them to completion. It implements video.Generator.
type Client struct {
	baseURL      string
	user         string
	pass         string
	webhook      string
	pollInterval time.Duration
	maxWait      time.Duration
	http         *http.Client
	limiter      *rate.Limiter
}

var _ video.Generator = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	user, pass := splitKey(key)

	c := &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		user:         user,
		pass:         pass,
		webhook:      strings.TrimSpace(cfg.WebhookURL),
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		http:         cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.maxWait <= 0 {
		c.maxWait = defaultMaxWait
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: requestTimeout}
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// splitKey accepts "user:password" or a bare token used as the username.
func splitKey(key string) (string, string) {
	user, pass, found := strings.Cut(key, ":")
	if !found {
		return key, ""
	}
	return user, pass
}

// Talk is the polled state of one talk.
type Talk struct {
	ID        string
	Status    string
	ResultURL string
	Error     string
}

// CreateTalkMultipart uploads the avatar still and a WAV soundtrack and returns the talk id.
func (c *Client) CreateTalkMultipart(ctx context.Context, img persona.Image, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := writePart(mw, "source_image", img.Filename, img.ContentType, img.Data); err != nil {
		return "", err
	}
	if err := writePart(mw, "audio", "audio.wav", "audio/wav", wav); err != nil {
		return "", err
	}
	if err := mw.WriteField("config.stitch", "true"); err != nil {
		return "", fmt.Errorf("write stitch field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}
	return c.createTalk(ctx, mw.FormDataContentType(), body.Bytes())
}

func writePart(mw *multipart.Writer, field, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s part: %w", field, err)
	}
	return nil
}

type textTalkRequest struct {
	SourceURL string         `json:"source_url"`
	Script    textScript     `json:"script"`
	Config    map[string]any `json:"config"`
}

type textScript struct {
	Type     string         `json:"type"`
	Input    string         `json:"input"`
	Provider scriptProvider `json:"provider"`
	Webhook  string         `json:"webhook,omitempty"`
}

type scriptProvider struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

// CreateTalkText asks D-ID to synthesize text with voiceID over the image at sourceURL.
func (c *Client) CreateTalkText(ctx context.Context, sourceURL, text, voiceID string) (string, error) {
	if voiceID == "" {
		voiceID = persona.DefaultVoice
	}
	payload, err := json.Marshal(textTalkRequest{
		SourceURL: sourceURL,
		Script: textScript{
			Type:     "text",
			Input:    text,
			Provider: scriptProvider{Type: "microsoft", VoiceID: voiceID},
			Webhook:  c.webhook,
		},
		Config: map[string]any{"stitch": "true"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal talk request: %w", err)
	}
	return c.createTalk(ctx, "application/json", payload)
}

func (c *Client) createTalk(ctx context.Context, contentType string, payload []byte) (string, error) {
	var id string
	err := reliability.Retry(ctx, createAttempts, retryBackoffBase, retryBackoffMax, func(ctx context.Context) error {
		data, err := c.do(ctx, http.MethodPost, "/talks", contentType, payload)
		if err != nil {
			return err
		}
		id = firstString(data, "id", "talk_id")
		if id == "" {
			return reliability.Permanent(errors.New("d-id create talk: response has no id"))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logging.Debug("d-id talk created", "talk_id", id)
	return id, nil
}

// GetTalk fetches the current state of a talk.
func (c *Client) GetTalk(ctx context.Context, talkID string) (Talk, error) {
	data, err := c.do(ctx, http.MethodGet, "/talks/"+talkID, "", nil)
	if err != nil {
		return Talk{}, err
	}
	t := Talk{
		ID:        talkID,
		Status:    firstString(data, "status", "state"),
		ResultURL: firstString(data, "result_url"),
		Error:     errorText(data["error"]),
	}
	if t.Status == "" {
		t.Status = "unknown"
	}
	if t.ResultURL == "" {
		if res, ok := data["result"].(map[string]any); ok {
			t.ResultURL = firstString(res, "url")
		}
	}
	return t, nil
}

// WaitForResult polls until the talk reaches a terminal status or MaxWait elapses.
func (c *Client) WaitForResult(ctx context.Context, talkID string) (video.Result, error) {
	deadline := time.NewTimer(c.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last *Talk
	for {
		t, err := c.GetTalk(ctx, talkID)
		switch {
		case err == nil:
			last = &t
			if video.IsTerminalSuccess(t.Status) || video.IsTerminalFailure(t.Status) {
				return video.Result{TalkID: talkID, Status: t.Status, URL: t.ResultURL, Error: t.Error}, nil
			}
		case ctx.Err() != nil:
			return video.Result{}, ctx.Err()
		case reliability.Retryable(err):
			logging.Warn("d-id poll failed, will retry", "talk_id", talkID, "error", err)
		default:
			return video.Result{}, err
		}

		select {
		case <-ctx.Done():
			return video.Result{}, ctx.Err()
		case <-deadline.C:
			if last == nil {
				return video.Result{TalkID: talkID, Status: video.StatusTimeout, Error: "Timeout waiting for result"}, nil
			}
			return video.Result{TalkID: talkID, Status: video.StatusTimeout, URL: last.ResultURL, Error: video.ErrorTimeout}, nil
		case <-ticker.C:
		}
	}
}

func (c *Client) GenerateTalkFromPCM(ctx context.Context, pcm []byte, sampleRate int, img persona.Image) (video.Result, error) {
	wav, err := audio.EncodeWAV(pcm, audio.Format{SampleRate: sampleRate, Channels: 1})
	if err != nil {
		return video.Result{}, fmt.Errorf("encode wav: %w", err)
	}
	id, err := c.CreateTalkMultipart(ctx, img, wav)
	if err != nil {
		return video.Result{}, err
	}
	return c.WaitForResult(ctx, id)
}

func (c *Client) GenerateTalkFromText(ctx context.Context, sourceURL, text, voiceID string) (video.Result, error) {
	id, err := c.CreateTalkText(ctx, sourceURL, text, voiceID)
	if err != nil {
		return video.Result{}, err
	}
	return c.WaitForResult(ctx, id)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("d-id %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &reliability.StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, reliability.Permanent(fmt.Errorf("decode d-id response: %w", err))
	}
	return out, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// errorText reads D-ID's error field, which is either a string or an object.
func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case map[string]any:
		if s := firstString(e, "description", "message", "kind"); s != "" {
			return s
		}
		raw, _ := json.Marshal(e)
		return string(raw)
	default:
		return fmt.Sprint(e)
	}
}
