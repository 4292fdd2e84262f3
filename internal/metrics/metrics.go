package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_requests_total",
		Help: "Pipeline runs by final state",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_e2e_duration_seconds",
		Help:    "End-to-end latency from upload to response",
		Buckets: []float64{0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 30.0, 60.0, 90.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	ErrorsByKind = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_error_kind_total",
		Help: "Caller-visible errors by kind",
	}, []string{"kind"})

	TTSTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_tier_total",
		Help: "Synthesis cascade tier that produced the response",
	}, []string{"tier"})

	TTSStrategyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_strategy_failures_total",
		Help: "Absorbed synthesis failures by strategy",
	}, []string{"strategy"})

	STTPollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stt_poll_attempts",
		Help:    "Status polls needed per transcription job",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 40, 60},
	})

	NoSpeech = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_no_speech_total",
		Help: "Recordings rejected as containing no speech",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Sessions currently held in memory",
	})

	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_evicted_total",
		Help: "Sessions removed by idle eviction",
	})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Currently open WebSocket chat connections",
	})

	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total WebSocket chat connections accepted",
	})
)
