package voice

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/antoniostano/deckard/internal/audio"
	"github.com/antoniostano/deckard/internal/logging"
	"github.com/antoniostano/deckard/internal/normalize"
	"github.com/antoniostano/deckard/internal/observability"
	"github.com/antoniostano/deckard/internal/persistence"
	"github.com/antoniostano/deckard/internal/persona"
	"github.com/antoniostano/deckard/internal/protocol"
	"github.com/antoniostano/deckard/internal/realtime"
	"github.com/antoniostano/deckard/internal/turn"
	"github.com/antoniostano/deckard/internal/video"
)

// turnRunner consumes one session's upstream events and video outcomes. It is the only
// goroutine that touches the tracker, so none of its state needs locking.
type turnRunner struct {
	o          *Orchestrator
	sessionID  string
	up         realtime.Session
	results    <-chan video.Outcome
	interrupts <-chan struct{}
	tracker    *turn.Tracker
	log        *slog.Logger

	// Events that arrive while a video job owns the turn, replayed in order once it clears.
	pending []normalize.Event

	jobCancel    context.CancelFunc
	jobStrategy  video.Strategy
	upstreamResp string
	// Upstream response cancelled by an interrupt; its trailing events are discarded.
	cancelledResp string
}

func newTurnRunner(o *Orchestrator, sessionID string, up realtime.Session, results <-chan video.Outcome, interrupts <-chan struct{}) *turnRunner {
	return &turnRunner{
		o:          o,
		sessionID:  sessionID,
		up:         up,
		results:    results,
		interrupts: interrupts,
		tracker:    turn.NewTracker(sessionID),
		log:        logging.With("session_id", sessionID),
	}
}

func (r *turnRunner) run(ctx context.Context) error {
	defer r.cancelJob()
	events := r.up.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := r.up.Err(); err != nil {
					r.o.send(r.sessionID, protocol.NewError("upstream_error: "+err.Error()))
					return err
				}
				return nil
			}
			r.forward(ev)
			r.dispatch(ctx, r.o.normalize(ev))
		case outcome := <-r.results:
			r.handleOutcome(ctx, outcome)
		case <-r.interrupts:
			r.interrupt()
		}
	}
}

func (r *turnRunner) dispatch(ctx context.Context, ev normalize.Event) {
	if ev.Kind == normalize.KindOther {
		return
	}
	if r.tracker.State().InFlight() {
		r.pending = append(r.pending, ev)
		return
	}
	r.apply(ctx, ev)
}

func (r *turnRunner) apply(ctx context.Context, ev normalize.Event) {
	if r.cancelledResp != "" && ev.ResponseID == r.cancelledResp {
		if ev.Kind == normalize.KindTurnDone {
			if buf := r.tracker.Buffer(); buf != nil && !buf.VideoTriggered {
				r.tracker.Clear()
				r.syncRegistry()
			}
			r.cancelledResp = ""
		}
		return
	}

	switch ev.Kind {
	case normalize.KindTurnStarted:
		r.upstreamResp = ev.ResponseID
		if buf := r.tracker.Buffer(); buf != nil && buf.UpstreamResponseID == "" {
			buf.UpstreamResponseID = ev.ResponseID
		}
	case normalize.KindAudioChunk:
		if len(ev.Audio) == 0 {
			return
		}
		buf, fresh := r.ensureBuffer()
		buf.AppendAudio(ev.Audio)
		if !fresh {
			_ = r.tracker.Transition(turn.Buffering)
		}
		if !r.o.cfg.ResponseBuffering {
			r.o.send(r.sessionID, protocol.NewAudio(base64.StdEncoding.EncodeToString(ev.Audio)))
		}
		r.syncRegistry()
	case normalize.KindAudioEnd:
		buf := r.tracker.Buffer()
		if buf != nil {
			buf.AudioEnded = true
		}
		if !r.o.cfg.ResponseBuffering {
			r.finishStreamed(ctx, buf)
		}
	case normalize.KindTextFragment:
		buf, fresh := r.ensureBuffer()
		if ev.Partial {
			buf.AppendPartial(ev.ItemID, ev.Text)
		} else {
			buf.AppendText(ev.Role, ev.Text, ev.ItemID)
		}
		if !fresh && r.tracker.State() == turn.Started {
			_ = r.tracker.Transition(turn.Buffering)
		}
		r.syncRegistry()
	case normalize.KindTurnDone:
		if !r.o.cfg.ResponseBuffering {
			if r.tracker.Buffer() != nil {
				r.tracker.Clear()
				r.syncRegistry()
			}
			return
		}
		r.finalize(ctx, ev)
	}
}

// ensureBuffer returns the active buffer, starting a turn if there is none.
func (r *turnRunner) ensureBuffer() (*turn.Buffer, bool) {
	if buf := r.tracker.Buffer(); buf != nil {
		return buf, false
	}
	buf, _ := r.tracker.Start()
	buf.UpstreamResponseID = r.upstreamResp
	r.log.Debug("turn started", "response_id", buf.ResponseID, "upstream_response_id", r.upstreamResp)
	return buf, true
}

// finishStreamed handles end of audio when responses are not buffered: the audio already
// went out live, so the turn is closed now and any video arrives on its own later.
func (r *turnRunner) finishStreamed(ctx context.Context, buf *turn.Buffer) {
	r.o.send(r.sessionID, protocol.NewAudioEnd())
	if buf == nil {
		return
	}
	if buf.TotalAudioBytes() > 0 {
		r.o.videos.Submit(ctx, video.Job{
			SessionID:  r.sessionID,
			ResponseID: buf.ResponseID,
			Persona:    r.o.personaFor(r.sessionID),
			Strategy:   video.StrategyAudio,
			PCM:        buf.PCM(),
			SampleRate: r.o.cfg.SampleRate,
			Legacy:     true,
		})
	}
	r.tracker.Clear()
	r.syncRegistry()
}

// finalize is the single trigger point for buffered turns.
func (r *turnRunner) finalize(ctx context.Context, ev normalize.Event) {
	buf := r.tracker.Buffer()
	if buf == nil || buf.VideoTriggered {
		return
	}
	if ev.ResponseID != "" {
		buf.UpstreamResponseID = ev.ResponseID
	}
	p := r.o.personaFor(r.sessionID)
	text := buf.CompleteText()
	hasAudio := buf.TotalAudioBytes() > 0
	if hasAudio {
		format := audio.Format{SampleRate: r.o.cfg.SampleRate, Channels: 1}
		r.o.metrics.ObserveTurnStage(observability.StageTurnBufferAudio, format.Duration(buf.TotalAudioBytes()))
	}

	strategy := r.o.videos.ChooseStrategy(p, text, hasAudio)
	if strategy == video.StrategyNone {
		if !buf.Empty() {
			r.o.send(r.sessionID, protocol.NewAudioEnd())
		}
		r.o.metrics.ObserveTurnOutcome(string(video.StrategyNone), "skipped")
		r.o.saveTurnBestEffort(r.record(buf, p, strategy, video.Result{Status: "skipped"}))
		r.tracker.Clear()
		r.syncRegistry()
		r.drainPending(ctx)
		return
	}

	buf.VideoTriggered = true
	if err := r.tracker.Transition(turn.GeneratingVideo); err != nil {
		r.log.Warn("unexpected state at turn end", "response_id", buf.ResponseID, "error", err)
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r.jobCancel = cancel
	r.jobStrategy = strategy

	job := video.Job{
		SessionID:  r.sessionID,
		ResponseID: buf.ResponseID,
		Persona:    p,
		Strategy:   strategy,
		SampleRate: r.o.cfg.SampleRate,
	}
	if strategy == video.StrategyText {
		job.Text = text
	} else {
		job.PCM = buf.PCM()
	}
	r.log.Info("video generation triggered",
		"response_id", buf.ResponseID, "strategy", string(strategy), "persona", string(p),
		"audio_bytes", buf.TotalAudioBytes(), "text_len", len(text))
	r.o.videos.Submit(jobCtx, job)
	r.syncRegistry()
}

func (r *turnRunner) handleOutcome(ctx context.Context, outcome video.Outcome) {
	if outcome.Job.Legacy {
		r.o.sendAll(r.sessionID, video.StandalonePayload(outcome))
		r.o.metrics.ObserveTurnOutcome(string(outcome.Job.Strategy), resultLabel(outcome, false))
		return
	}

	buf := r.tracker.Buffer()
	if buf == nil || buf.ResponseID != outcome.Job.ResponseID || r.tracker.State() != turn.GeneratingVideo {
		r.log.Info("dropping stale video outcome", "response_id", outcome.Job.ResponseID, "state", r.tracker.State().String())
		return
	}
	r.cancelJob()

	if outcome.Result.Succeeded() {
		buf.Video = &turn.VideoRef{TalkID: outcome.Result.TalkID, URL: outcome.Result.URL}
		_ = r.tracker.Transition(turn.Ready)
		r.syncRegistry()
		r.o.sendAll(r.sessionID, video.CoordinatedPayload(buf, outcome))
		_ = r.tracker.Transition(turn.Playing)
		r.o.metrics.ObserveTurnStage(observability.StageTurnToVideoReady, time.Since(buf.CreatedAt))
	} else {
		r.o.sendAll(r.sessionID, video.FallbackPayload(buf, outcome))
	}
	r.o.metrics.ObserveTurnOutcome(string(outcome.Job.Strategy), resultLabel(outcome, buf.Interrupted))
	r.o.saveTurnBestEffort(r.record(buf, outcome.Job.Persona, outcome.Job.Strategy, outcome.Result))

	r.tracker.Clear()
	r.syncRegistry()
	r.drainPending(ctx)
}

// drainPending replays backlog events until it is empty or a new job takes the turn.
func (r *turnRunner) drainPending(ctx context.Context) {
	for len(r.pending) > 0 && !r.tracker.State().InFlight() {
		ev := r.pending[0]
		r.pending[0] = normalize.Event{}
		r.pending = r.pending[1:]
		r.apply(ctx, ev)
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}
}

func (r *turnRunner) interrupt() {
	buf := r.tracker.Buffer()
	if buf == nil {
		return
	}
	r.cancelledResp = buf.UpstreamResponseID
	if r.cancelledResp == "" {
		r.cancelledResp = r.upstreamResp
	}

	if buf.VideoTriggered {
		// The job's cancelled outcome finishes the turn without its audio. Upstream is already
		// producing the next response, which is the one the cancel actually stops.
		buf.Interrupted = true
		if next := r.discardPendingResponse(); next != "" {
			r.cancelledResp = next
		}
		r.cancelJob()
		r.log.Info("turn interrupted during video generation", "response_id", buf.ResponseID)
		return
	}

	buf.Interrupted = true
	r.o.send(r.sessionID, protocol.NewAudioEnd())
	r.o.send(r.sessionID, protocol.NewClientInfo("turn_interrupted"))
	r.o.metrics.ObserveTurnOutcome(string(video.StrategyNone), "interrupted")
	r.o.saveTurnBestEffort(r.record(buf, r.o.personaFor(r.sessionID), video.StrategyNone, video.Result{Status: "interrupted"}))
	r.log.Info("turn interrupted", "response_id", buf.ResponseID)
	r.tracker.Clear()
	r.syncRegistry()
}

// discardPendingResponse drops the backlog of the most recently started upstream response and
// returns its id. Its turn_done is kept so the cancelled marker is cleared on replay.
func (r *turnRunner) discardPendingResponse() string {
	start := -1
	for i := len(r.pending) - 1; i >= 0; i-- {
		if r.pending[i].Kind == normalize.KindTurnStarted && r.pending[i].ResponseID != "" {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	id := r.pending[start].ResponseID
	kept := r.pending[:start]
	for _, ev := range r.pending[start:] {
		if ev.Kind == normalize.KindTurnDone && ev.ResponseID == id {
			kept = append(kept, ev)
		}
	}
	r.pending = kept
	return id
}

func (r *turnRunner) cancelJob() {
	if r.jobCancel != nil {
		r.jobCancel()
		r.jobCancel = nil
	}
}

func (r *turnRunner) syncRegistry() {
	responseID := ""
	if buf := r.tracker.Buffer(); buf != nil {
		responseID = buf.ResponseID
	}
	_ = r.o.sessions.UpdateTurn(r.sessionID, r.tracker.State().String(), r.tracker.Counter(), responseID)
}

func (r *turnRunner) record(buf *turn.Buffer, p persona.ID, strategy video.Strategy, res video.Result) persistence.TurnRecord {
	rec := persistence.TurnRecord{
		SessionID:   r.sessionID,
		ResponseID:  buf.ResponseID,
		Persona:     string(p),
		Strategy:    string(strategy),
		Text:        buf.CompleteText(),
		AudioBytes:  buf.TotalAudioBytes(),
		VideoStatus: res.Status,
		VideoURL:    res.URL,
		TalkID:      res.TalkID,
		Interrupted: buf.Interrupted,
	}
	if !res.Succeeded() && res.Status != "skipped" && res.Status != "interrupted" {
		rec.Error = res.ErrorText()
	}
	return rec
}

func resultLabel(o video.Outcome, interrupted bool) string {
	switch {
	case interrupted:
		return "interrupted"
	case o.Result.Succeeded():
		return "success"
	case o.Result.Status == video.StatusTimeout:
		return "timeout"
	default:
		return "failure"
	}
}
