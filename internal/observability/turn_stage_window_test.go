package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.observe(StageVideoGeneration, 5000)
	w.observe(StageVideoGeneration, 9000)
	w.observe(StageVideoGeneration, 7000)
	w.countOutcome("text", "success")
	w.countOutcome("text", "success")
	w.countOutcome("audio", "timeout")
	w.countOutcome("", "dropped")

	snap := w.snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageVideoGeneration || s.Samples != 3 {
		t.Fatalf("stage = %+v, want video_generation with 3 samples", s)
	}
	if s.LastMS != 7000 {
		t.Fatalf("LastMS = %.2f, want 7000", s.LastMS)
	}
	if s.P50MS != 7000 || s.P95MS != 9000 || s.MaxMS != 9000 {
		t.Fatalf("percentiles = p50:%.0f p95:%.0f max:%.0f, want 7000/9000/9000", s.P50MS, s.P95MS, s.MaxMS)
	}
	if s.TargetP95MS != 20000 {
		t.Fatalf("TargetP95MS = %.2f, want 20000", s.TargetP95MS)
	}
	if len(snap.Outcomes) != 2 {
		t.Fatalf("Outcomes = %+v, want 2 entries", snap.Outcomes)
	}
	if snap.Outcomes[0] != (TurnOutcomeCount{Strategy: "audio", Result: "timeout", Count: 1}) {
		t.Fatalf("Outcomes[0] = %+v", snap.Outcomes[0])
	}
	if snap.Outcomes[1] != (TurnOutcomeCount{Strategy: "text", Result: "success", Count: 2}) {
		t.Fatalf("Outcomes[1] = %+v", snap.Outcomes[1])
	}
}

func TestTurnStageWindowKeepsMostRecent(t *testing.T) {
	w := newTurnStageWindow(2)
	w.observe(StageTurnToVideoReady, 1)
	w.observe(StageTurnToVideoReady, 2)
	w.observe(StageTurnToVideoReady, 3)
	w.observe("", 4)
	w.observe(StageTurnToVideoReady, -1)

	s := w.snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 2.5 {
		t.Fatalf("AvgMS = %.2f, want 2.5", s.AvgMS)
	}
}

func TestMetricsFeedStageWindow(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("deckard_test_%d", time.Now().UnixNano()))
	m.ObserveVideoLatency("text", 1500*time.Millisecond)
	m.ObserveTurnStage(StageTurnToVideoReady, 2*time.Second)
	m.ObserveTurnOutcome("text", "success")
	m.ObserveOutboundMessage("talk_video", "queued")
	m.IncNormalizerFailure()

	snap := m.SnapshotTurnStages()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StageTurnToVideoReady || snap.Stages[0].LastMS != 2000 {
		t.Fatalf("unexpected first stage %+v", snap.Stages[0])
	}
	if len(snap.Outcomes) != 1 || snap.Outcomes[0].Count != 1 {
		t.Fatalf("Outcomes = %+v, want one text/success", snap.Outcomes)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveTurnOutcome("audio", "error")
	if got := nilMetrics.SnapshotTurnStages(); len(got.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", got)
	}
}
