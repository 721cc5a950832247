// Package telemetry exports session counters and latencies as Prometheus
// metrics. A Recorder consumes the metrics snapshots a session emits through
// its callback surface.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	loqui "github.com/loqui-ai/loqui-go/sdk"
)

// Stage labels for per-stage latency observations.
const (
	StageSTT = "stt"
	StageLLM = "llm"
	StageTTS = "tts"
)

// Recorder bridges session metrics snapshots into Prometheus. Snapshots are
// cumulative, so the recorder diffs against the previous one; it is not safe
// for concurrent use, which matches the session's serialized callback
// delivery.
type Recorder struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	utterances     prometheus.Counter
	responses      prometheus.Counter
	toolCalls      prometheus.Counter
	bargeIns       prometheus.Counter
	reconnects     prometheus.Counter
	errors         *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	e2eDuration    prometheus.Histogram
	heartbeatRTT   prometheus.Histogram

	prev loqui.Metrics
}

// NewRecorder registers the voice session metrics on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_sessions_active",
			Help: "Currently connected voice sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_total",
			Help: "Total voice sessions started",
		}),
		utterances: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_total",
			Help: "Committed user utterances",
		}),
		responses: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_responses_total",
			Help: "Completed assistant responses",
		}),
		toolCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_tool_calls_total",
			Help: "Tool invocations reported by the pipeline",
		}),
		bargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_barge_ins_total",
			Help: "User interruptions of assistant playback",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_reconnects_total",
			Help: "Automatic reconnection attempts",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_errors_total",
			Help: "Session errors by type",
		}, []string{"error_type"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_stage_duration_seconds",
			Help:    "Per-stage pipeline latency",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
		}, []string{"stage"}),
		e2eDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_e2e_duration_seconds",
			Help:    "Speech-end to first assistant audio",
			Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
		}),
		heartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_heartbeat_rtt_seconds",
			Help:    "Heartbeat round-trip time",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}),
	}
}

// SessionStarted marks a session as active.
func (r *Recorder) SessionStarted() {
	r.sessionsActive.Inc()
	r.sessionsTotal.Inc()
}

// SessionEnded marks a session as inactive and clears the snapshot baseline.
func (r *Recorder) SessionEnded() {
	r.sessionsActive.Dec()
	r.prev = loqui.Metrics{}
}

// Observe consumes one cumulative metrics snapshot. Counter deltas and newly
// completed latency measurements are exported; unchanged fields are ignored.
func (r *Recorder) Observe(m loqui.Metrics) {
	addDelta(r.utterances, m.Utterances, r.prev.Utterances)
	addDelta(r.responses, m.Responses, r.prev.Responses)
	addDelta(r.toolCalls, m.ToolCalls, r.prev.ToolCalls)
	addDelta(r.bargeIns, m.BargeIns, r.prev.BargeIns)
	addDelta(r.reconnects, m.Reconnects, r.prev.Reconnects)

	if m.TotalLatency > 0 && m.TotalLatency != r.prev.TotalLatency {
		r.stageDuration.WithLabelValues(StageSTT).Observe(m.STTLatency.Seconds())
		r.stageDuration.WithLabelValues(StageLLM).Observe(m.LLMLatency.Seconds())
		r.stageDuration.WithLabelValues(StageTTS).Observe(m.TTSLatency.Seconds())
		r.e2eDuration.Observe(m.TotalLatency.Seconds())
	}
	r.prev = m
}

// ObserveHeartbeat records one heartbeat round trip.
func (r *Recorder) ObserveHeartbeat(rtt time.Duration) {
	r.heartbeatRTT.Observe(rtt.Seconds())
}

// RecordError counts one session error by its classified type.
func (r *Recorder) RecordError(err error) {
	if e, ok := err.(*loqui.Error); ok {
		r.errors.WithLabelValues(string(e.Type)).Inc()
		return
	}
	r.errors.WithLabelValues("unknown").Inc()
}

func addDelta(c prometheus.Counter, cur, prev int) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}
