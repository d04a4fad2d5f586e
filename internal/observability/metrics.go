package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	OutboundMessages   *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	TurnOutcomes       *prometheus.CounterVec
	VideoJobsInFlight  prometheus.Gauge
	VideoLatency       *prometheus.HistogramVec
	NormalizerFailures prometheus.Counter

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected client sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound client messages by type and enqueue result.",
		}, []string{"type", "result"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		TurnOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Finished turns by video strategy and result.",
		}, []string{"strategy", "result"}),
		VideoJobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "video_jobs_in_flight",
			Help:      "Video generation jobs currently running.",
		}),
		VideoLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "video_generation_latency_ms",
			Help:      "Wall time of one video generation job in milliseconds.",
			Buckets:   []float64{1000, 2500, 5000, 10000, 20000, 40000, 80000, 120000},
		}, []string{"strategy"}),
		NormalizerFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalizer_failures_total",
			Help:      "Upstream events the normalizer could not read.",
		}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveTurnOutcome(strategy, result string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(strategy, result).Inc()
	m.stages.countOutcome(strategy, result)
}

func (m *Metrics) ObserveVideoLatency(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.VideoLatency.WithLabelValues(strategy).Observe(float64(d.Milliseconds()))
	m.stages.observe(StageVideoGeneration, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) IncNormalizerFailure() {
	if m == nil {
		return
	}
	m.NormalizerFailures.Inc()
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).snapshot()
	}
	return m.stages.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
