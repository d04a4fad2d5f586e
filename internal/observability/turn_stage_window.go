package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Turn stages observed by the gateway.
const (
	StageTurnToVideoReady = "turn_to_video_ready"
	StageVideoGeneration  = "video_generation"
	StageTurnBufferAudio  = "turn_buffer_audio_ms"
)

// stageBudgetsMS are the p95 budgets reported next to each stage. A talking-head clip is
// rendered remotely, so budgets are in seconds rather than the sub-second range of audio.
var stageBudgetsMS = map[string]float64{
	StageVideoGeneration:  20000,
	StageTurnToVideoReady: 25000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnOutcomeCount struct {
	Strategy string `json:"strategy"`
	Result   string `json:"result"`
	Count    int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Stages      []TurnStageStats   `json:"stages"`
	Outcomes    []TurnOutcomeCount `json:"outcomes,omitempty"`
}

type outcomeKey struct {
	strategy string
	result   string
}

// turnStageWindow keeps the most recent observations per stage plus lifetime outcome tallies.
type turnStageWindow struct {
	mu       sync.Mutex
	size     int
	samples  map[string][]float64
	outcomes map[outcomeKey]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:     size,
		samples:  make(map[string][]float64),
		outcomes: make(map[outcomeKey]int),
	}
}

func (w *turnStageWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	vals := append(w.samples[stage], ms)
	if len(vals) > w.size {
		vals = vals[len(vals)-w.size:]
	}
	w.samples[stage] = vals
}

func (w *turnStageWindow) countOutcome(strategy, result string) {
	if strategy == "" || result == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[outcomeKey{strategy, result}]++
	w.mu.Unlock()
}

func (w *turnStageWindow) snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.samples)),
	}
	for stage, vals := range w.samples {
		if len(vals) == 0 {
			continue
		}
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		snap.Stages = append(snap.Stages, TurnStageStats{
			Stage:       stage,
			Samples:     len(sorted),
			LastMS:      round2(vals[len(vals)-1]),
			AvgMS:       round2(sum / float64(len(sorted))),
			P50MS:       round2(nearestRank(sorted, 0.50)),
			P95MS:       round2(nearestRank(sorted, 0.95)),
			MaxMS:       round2(sorted[len(sorted)-1]),
			TargetP95MS: stageBudgetsMS[stage],
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for k, n := range w.outcomes {
		snap.Outcomes = append(snap.Outcomes, TurnOutcomeCount{Strategy: k.strategy, Result: k.result, Count: n})
	}
	sort.Slice(snap.Outcomes, func(i, j int) bool {
		a, b := snap.Outcomes[i], snap.Outcomes[j]
		if a.Strategy != b.Strategy {
			return a.Strategy < b.Strategy
		}
		return a.Result < b.Result
	})
	return snap
}

// nearestRank expects sorted input.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
