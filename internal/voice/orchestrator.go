package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/deckard/internal/audio"
	"github.com/antoniostano/deckard/internal/logging"
	"github.com/antoniostano/deckard/internal/normalize"
	"github.com/antoniostano/deckard/internal/observability"
	"github.com/antoniostano/deckard/internal/persistence"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/protocol"
	"github.com/antoniostano/deckard/internal/realtime"
	"github.com/antoniostano/deckard/internal/session"
	"github.com/antoniostano/deckard/internal/video"
)

const (
	persistTimeout         = 2 * time.Second
	criticalSendTimeout    = 600 * time.Millisecond
	upstreamCommandTimeout = 5 * time.Second
	defaultImagePrompt     = "Please describe this image."
	imageChunkAckEvery     = 10
)

// VideoScheduler decides how a turn is animated and runs the generation in the background.
type VideoScheduler interface {
	ChooseStrategy(id persona.ID, text string, hasAudio bool) video.Strategy
	Submit(ctx context.Context, job video.Job)
}

type Config struct {
	// ResponseBuffering holds assistant audio until the turn's video is ready. When false,
	// audio streams live and video follows on its own.
	ResponseBuffering bool
	SampleRate        int
	Instructions      string
	Voice             string
	DefaultPersona    persona.ID
}

// Orchestrator runs one client connection at a time per call to RunConnection.
type Orchestrator struct {
	sessions  *session.Registry
	connector realtime.Connector
	videos    VideoScheduler
	store     persistence.Store
	metrics   *observability.Metrics
	normalize normalize.Func
	cfg       Config
}

func NewOrchestrator(
	sessions *session.Registry,
	connector realtime.Connector,
	videos VideoScheduler,
	store persistence.Store,
	metrics *observability.Metrics,
	cfg Config,
) *Orchestrator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.DefaultPersona == "" {
		cfg.DefaultPersona = persona.Default
	}
	return &Orchestrator{
		sessions:  sessions,
		connector: connector,
		videos:    videos,
		store:     store,
		metrics:   metrics,
		normalize: normalize.Normalize,
		cfg:       cfg,
	}
}

// RunConnection owns one client session until the client leaves, the upstream session ends, or
// ctx is cancelled. Messages for the client are written to outbound; the caller owns the writer.
func (o *Orchestrator) RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := o.sessions.Open(sessionID, o.cfg.DefaultPersona, outbound, cancel); err != nil {
		return err
	}
	o.metrics.ActiveSessions.Inc()
	o.metrics.SessionEvents.WithLabelValues("connected").Inc()
	o.recordEventBestEffort(sessionID, "connected", string(o.cfg.DefaultPersona))
	defer func() {
		_, _ = o.sessions.Close(sessionID)
		o.metrics.ActiveSessions.Dec()
		o.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
		o.recordEventBestEffort(sessionID, "disconnected", "")
	}()

	log := logging.With("session_id", sessionID)

	up, err := o.connector.Connect(connCtx, realtime.Options{
		SessionID:    sessionID,
		Instructions: o.cfg.Instructions,
		Voice:        o.cfg.Voice,
		SampleRate:   o.cfg.SampleRate,
	})
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues(o.connector.Name(), "connect").Inc()
		o.send(sessionID, protocol.NewError("upstream_connect_failed: "+err.Error()))
		log.Error("upstream connect failed", "provider", o.connector.Name(), "error", err)
		return fmt.Errorf("connect upstream: %w", err)
	}
	defer up.Close()

	results, err := o.sessions.Results(sessionID)
	if err != nil {
		return err
	}
	interrupts := make(chan struct{}, 1)
	runner := newTurnRunner(o, sessionID, up, results, interrupts)

	runnerDone := make(chan struct{})
	var runErr error
	go func() {
		defer close(runnerDone)
		runErr = runner.run(connCtx)
	}()
	defer func() {
		cancel()
		<-runnerDone
	}()

	images := newImageAssembler()
	log.Info("session connected", "provider", o.connector.Name(), "buffering", o.cfg.ResponseBuffering)

	for {
		select {
		case <-connCtx.Done():
			return nil
		case <-runnerDone:
			return runErr
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = o.sessions.Touch(sessionID)
			o.handleInbound(connCtx, sessionID, up, images, interrupts, msg)
		}
	}
}

func (o *Orchestrator) handleInbound(ctx context.Context, sessionID string, up realtime.Session, images *imageAssembler, interrupts chan<- struct{}, msg any) {
	log := logging.With("session_id", sessionID)
	upCtx, cancel := context.WithTimeout(ctx, upstreamCommandTimeout)
	defer cancel()

	switch m := msg.(type) {
	case protocol.AudioIn:
		if err := up.SendAudio(upCtx, audio.PackInt16LE(m.Data)); err != nil {
			log.Warn("forward audio failed", "error", err)
		}
	case protocol.CommitAudio:
		if err := up.CommitAudio(upCtx); err != nil {
			log.Warn("commit audio failed", "error", err)
		}
	case protocol.ImageIn:
		if strings.TrimSpace(m.DataURL) == "" {
			o.send(sessionID, protocol.NewError("No data_url for image message."))
			return
		}
		if err := o.sendImage(upCtx, up, m.DataURL, m.Text); err != nil {
			log.Warn("forward image failed", "error", err)
			return
		}
		info := protocol.NewClientInfo("image_enqueued")
		info.Size = len(m.DataURL)
		o.send(sessionID, info)
	case protocol.ImageStart:
		id := string(m.ID)
		images.start(id, m.Text)
		info := protocol.NewClientInfo("image_start_ack")
		info.ID = id
		o.send(sessionID, info)
	case protocol.ImageChunk:
		id := string(m.ID)
		count, ok := images.add(id, m.Chunk)
		if ok && count%imageChunkAckEvery == 0 {
			info := protocol.NewClientInfo("image_chunk_ack")
			info.ID = id
			info.Count = count
			o.send(sessionID, info)
		}
	case protocol.ImageEnd:
		id := string(m.ID)
		dataURL, text, err := images.finish(id)
		switch {
		case errors.Is(err, errUnknownImage):
			o.send(sessionID, protocol.NewError("Unknown image id for image_end."))
			return
		case errors.Is(err, errEmptyImage):
			o.send(sessionID, protocol.NewError("Empty image."))
			return
		}
		if err := o.sendImage(upCtx, up, dataURL, text); err != nil {
			log.Warn("forward chunked image failed", "error", err)
			return
		}
		info := protocol.NewClientInfo("image_enqueued")
		info.ID = id
		info.Size = len(dataURL)
		o.send(sessionID, info)
	case protocol.Interrupt:
		if err := up.Interrupt(upCtx); err != nil {
			log.Warn("upstream interrupt failed", "error", err)
		}
		_ = o.sessions.Interrupt(sessionID)
		o.metrics.SessionEvents.WithLabelValues("interrupt").Inc()
		select {
		case interrupts <- struct{}{}:
		default:
		}
	case protocol.SetPersona:
		p, err := persona.Parse(m.Persona)
		if err != nil {
			o.send(sessionID, protocol.NewError("Unknown persona: "+strings.ToLower(strings.TrimSpace(m.Persona))))
			return
		}
		if err := o.sessions.SetPersona(sessionID, p); err != nil {
			return
		}
		o.recordEventBestEffort(sessionID, "persona_set", string(p))
		info := protocol.NewClientInfo("persona_set")
		info.Persona = string(p)
		o.send(sessionID, info)
	default:
		log.Debug("ignoring inbound message", "type", fmt.Sprintf("%T", msg))
	}
}

func (o *Orchestrator) sendImage(ctx context.Context, up realtime.Session, dataURL, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = defaultImagePrompt
	}
	return up.SendMessage(ctx, realtime.UserMessage{Content: []realtime.InputContent{
		{Type: "input_image", ImageURL: dataURL, Detail: "high"},
		{Type: "input_text", Text: text},
	}})
}

// send looks the session up on every call so background work never holds a stale transport.
func (o *Orchestrator) send(sessionID string, msg any) {
	msgType := protocol.MessageTypeOf(msg)
	record := func(result string) {
		o.metrics.ObserveOutboundMessage(string(msgType), result)
	}

	outbound, done, err := o.sessions.Outbound(sessionID)
	if err != nil {
		record("no_session")
		return
	}

	if protocol.IsCritical(msgType) {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case outbound <- msg:
			record("delivered")
		case <-done:
			record("closed")
		case <-timer.C:
			record("timeout")
			o.metrics.SessionEvents.WithLabelValues("outbound_timeout_critical").Inc()
			logging.Warn("critical outbound message timed out", "session_id", sessionID, "type", msgType)
		}
		return
	}

	select {
	case outbound <- msg:
		record("delivered")
	default:
		record("dropped")
		o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
}

func (o *Orchestrator) sendAll(sessionID string, msgs []any) {
	for _, m := range msgs {
		o.send(sessionID, m)
	}
}

func (o *Orchestrator) personaFor(sessionID string) persona.ID {
	p, err := o.sessions.Persona(sessionID)
	if err != nil || p == "" {
		return o.cfg.DefaultPersona
	}
	return p
}

func (o *Orchestrator) saveTurnBestEffort(record persistence.TurnRecord) {
	if o.store == nil {
		return
	}
	go func(r persistence.TurnRecord) {
		saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.store.SaveTurn(saveCtx, r); err != nil {
			o.metrics.SessionEvents.WithLabelValues("turn_save_failed").Inc()
			logging.Warn("save turn failed", "session_id", r.SessionID, "response_id", r.ResponseID, "error", err)
		}
	}(record)
}

func (o *Orchestrator) recordEventBestEffort(sessionID, event, detail string) {
	if o.store == nil {
		return
	}
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.store.RecordSessionEvent(saveCtx, persistence.SessionEvent{SessionID: sessionID, Event: event, Detail: detail}); err != nil {
			o.metrics.SessionEvents.WithLabelValues("session_event_save_failed").Inc()
		}
	}()
}
