package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Batch outcomes recorded on BatchesTotal.
const (
	OutcomeOK        = "ok"
	OutcomeDropped   = "dropped"
	OutcomeError     = "error"
	OutcomeRecovered = "recovered"
)

// Event outcomes recorded on EventsTotal.
const (
	EventKept     = "kept"
	EventFiltered = "filtered"
	EventFailed   = "failed"
)

// Metrics holds all rule execution metrics.
type Metrics struct {
	BatchesTotal  *prometheus.CounterVec
	EventsTotal   *prometheus.CounterVec
	StepErrors    *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all rule metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchrules_batches_total",
			Help: "Batches handled by rule and outcome.",
		}, []string{"rule", "outcome"}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchrules_events_total",
			Help: "Events seen by rule and outcome.",
		}, []string{"rule", "outcome"}),

		StepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchrules_step_errors_total",
			Help: "Step failures by rule and step.",
		}, []string{"rule", "step"}),

		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchrules_batch_duration_seconds",
			Help:    "Time spent handling one batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule"}),
	}
}
