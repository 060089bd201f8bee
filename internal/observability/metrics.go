package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	examSessionsCreated  prometheus.Counter
	examSessionsActive   prometheus.Gauge
	examPhaseTransitions *prometheus.CounterVec
	examScores           *prometheus.HistogramVec
	examStepLatency      *prometheus.HistogramVec
	examRequestsTotal    *prometheus.CounterVec
	examRequestLatency   *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors used by the exam service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		examSessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_sessions_created_total",
			Help: "Total number of exam sessions opened.",
		})

		examSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_sessions_active",
			Help: "Number of exam sessions currently held in memory.",
		})

		examPhaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_phase_transitions_total",
			Help: "Exam session phase transitions.",
		}, []string{"from", "to"})

		examScores = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_score",
			Help:    "Distribution of final exam scores.",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}, []string{"language"})

		examStepLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_step_latency_seconds",
			Help:    "Latency of one session step, per phase the message arrived in.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"phase"})

		examRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_http_requests_total",
			Help: "Total number of exam API requests served.",
		}, []string{"method", "route", "status"})

		examRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_http_latency_seconds",
			Help:    "Latency distribution for exam API requests.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"method", "route"})

		prometheus.MustRegister(
			examSessionsCreated,
			examSessionsActive,
			examPhaseTransitions,
			examScores,
			examStepLatency,
			examRequestsTotal,
			examRequestLatency,
		)
	})
}

// SessionsCreated counts opened sessions.
func SessionsCreated() prometheus.Counter {
	RegisterMetrics()
	return examSessionsCreated
}

// SessionsActive tracks sessions held by the registry.
func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return examSessionsActive
}

// PhaseTransitions counts phase changes labelled by source and target phase.
func PhaseTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return examPhaseTransitions
}

// Scores records final scores by exam language.
func Scores() *prometheus.HistogramVec {
	RegisterMetrics()
	return examScores
}

// StepLatency records how long one session step took.
func StepLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return examStepLatency
}

// Requests exposes the counter for exam API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return examRequestsTotal
}

// RequestLatency exposes the latency histogram for exam API requests.
func RequestLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return examRequestLatency
}
