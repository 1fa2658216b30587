package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_tutor_active_sessions",
		Help: "Number of active tutoring sessions",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_tutor_sessions_total",
		Help: "Total number of tutoring sessions by final status",
	}, []string{"outcome"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "live_tutor_session_duration_seconds",
		Help:    "Duration of tutoring sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	})

	connectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "live_tutor_connect_latency_seconds",
		Help:    "Time from start request until the live connection is open",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Audio metrics
	audioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_tutor_audio_frames_total",
		Help: "Total audio frames by direction",
	}, []string{"direction"}) // direction: "in" (mic) or "out" (tutor)

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_tutor_audio_bytes_total",
		Help: "Total raw PCM bytes by direction",
	}, []string{"direction"})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_tutor_decode_errors_total",
		Help: "Inbound audio payloads dropped because they could not be decoded",
	})

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_tutor_interruptions_total",
		Help: "Number of barge-in interruptions signalled by the tutor",
	})

	playbackDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_tutor_playback_live_frames",
		Help: "Frames currently scheduled or playing",
	})

	// Lesson metrics
	lessonRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_tutor_lesson_requests_total",
		Help: "Total number of lesson requests",
	}, []string{"kind", "status"})

	lessonLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "live_tutor_lesson_latency_seconds",
		Help:    "Lesson request latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"kind"})

	// Captions metrics
	captionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_tutor_caption_events_total",
		Help: "Transcript events by source and finality",
	}, []string{"source", "final"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_tutor_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "live_tutor_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_tutor_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single tutoring session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	connectStart time.Time
	started      bool
	ended        bool
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session and of its connect attempt
func (m *Metrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = true
	m.connectStart = time.Now()
	activeSessions.Inc()
}

// RecordConnected records how long the live connection took to open
func (m *Metrics) RecordConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connectStart.IsZero() {
		connectLatency.Observe(time.Since(m.connectStart).Seconds())
	}
}

// RecordSessionEnd records the end of a session with its final status.
// Only the first call counts.
func (m *Metrics) RecordSessionEnd(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true

	if m.started {
		activeSessions.Dec()
	}
	totalSessions.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFrame records one audio frame moving in the given direction
func (m *Metrics) RecordFrame(direction string, bytes int) {
	audioFrames.WithLabelValues(direction).Inc()
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDecodeError records a dropped inbound payload
func (m *Metrics) RecordDecodeError() {
	decodeErrors.Inc()
	errorsTotal.WithLabelValues("decode_error", "playback").Inc()
}

// RecordInterruption records a barge-in
func (m *Metrics) RecordInterruption() {
	interruptions.Inc()
}

// SetPlaybackDepth records the size of the live playback set
func (m *Metrics) SetPlaybackDepth(n int) {
	playbackDepth.Set(float64(n))
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordLessonRequest records a finished lesson call
func RecordLessonRequest(kind string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	lessonRequests.WithLabelValues(kind, status).Inc()
	lessonLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordCaption records a transcript event
func RecordCaption(source string, final bool) {
	f := "false"
	if final {
		f = "true"
	}
	captionEvents.WithLabelValues(source, f).Inc()
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
