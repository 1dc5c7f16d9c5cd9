package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks bot sessions currently held in the registry.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetbot_active_sessions",
			Help: "Number of live bot sessions",
		},
	)

	// StateTransitions counts session state changes by destination state.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetbot_session_state_transitions_total",
			Help: "Total number of bot session state transitions",
		},
		[]string{"state"},
	)

	// AdmissionDenied counts rejected joins by reason (concurrency_limit|memory_limit).
	AdmissionDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetbot_admission_denied_total",
			Help: "Total number of join requests denied by admission control",
		},
		[]string{"reason"},
	)

	// PoolHandles reports browser handles by state (available|in_use).
	PoolHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meetbot_pool_handles",
			Help: "Browser handles held by the pool",
		},
		[]string{"state"},
	)

	// PoolAcquireLatency measures how long callers wait for a browser handle.
	PoolAcquireLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meetbot_pool_acquire_seconds",
			Help:    "Time spent acquiring a browser handle",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	// AudioSources counts which audio acquisition strategy produced the recording.
	AudioSources = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetbot_audio_source_total",
			Help: "Audio sources used for recordings",
		},
		[]string{"source"},
	)

	// Transcriptions counts transcription hand-offs by outcome.
	Transcriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetbot_transcriptions_total",
			Help: "Transcription outcomes",
		},
		[]string{"result"},
	)

	// MemoryBytes is the last sampled resident memory of the worker process.
	MemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetbot_memory_bytes",
			Help: "Resident memory of the worker process",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meetbot_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
