package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Evaluation outcomes used as metric labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeAbnormal  = "abnormal"
	OutcomeMalformed = "malformed"
)

// Metrics provides observability for provider dispatch.
type Metrics struct {
	// Evaluations by provider and outcome
	Evaluations *prometheus.CounterVec

	// Provider evaluation latency
	EvaluateLatency *prometheus.HistogramVec

	// Requests rejected before dispatch (unknown provider, empty modality)
	Unresolved *prometheus.CounterVec
}

// NewMetrics registers the dispatch metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biqt_evaluations_total",
			Help: "Provider evaluations by provider and outcome",
		}, []string{"provider", "outcome"}),

		EvaluateLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biqt_evaluate_duration_seconds",
			Help:    "Duration of a single provider evaluation",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider"}),

		Unresolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biqt_unresolved_requests_total",
			Help: "Dispatch requests whose provider or modality matched nothing",
		}, []string{"kind"}), // kind: "provider", "modality"
	}
}

// ObserveEvaluation records one finished evaluation.
func (m *Metrics) ObserveEvaluation(provider, outcome string, d time.Duration) {
	if m != nil {
		m.Evaluations.WithLabelValues(provider, outcome).Inc()
		m.EvaluateLatency.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// IncrementUnresolved records a request that resolved to no provider.
func (m *Metrics) IncrementUnresolved(kind string) {
	if m != nil {
		m.Unresolved.WithLabelValues(kind).Inc()
	}
}
