package wasm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks evaluation activity across the instances it is attached
// to. One Metrics value may be shared by several engines.
//
// Exposed series:
//   - opa_evaluations_total: evaluations by entrypoint and outcome
//     (ok, undefined, error)
//   - opa_evaluation_duration_seconds: evaluation latency by entrypoint
//   - opa_data_updates_total: dataset replacements
type Metrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	dataUpdatesTotal   prometheus.Counter
}

// NewMetrics creates and registers the evaluation metrics with the
// provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "opa",
				Name:      "evaluations_total",
				Help:      "Total number of policy evaluations",
			},
			[]string{"entrypoint", "outcome"},
		),

		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "opa",
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of policy evaluation in seconds",
				// In-process evaluations are expected well under 16ms
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15),
			},
			[]string{"entrypoint"},
		),

		dataUpdatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "opa",
				Name:      "data_updates_total",
				Help:      "Total number of dataset replacements",
			},
		),
	}

	reg.MustRegister(
		m.evaluationsTotal,
		m.evaluationDuration,
		m.dataUpdatesTotal,
	)

	return m
}

func (m *Metrics) observeEvaluation(entrypoint, outcome string, elapsed time.Duration) {
	m.evaluationsTotal.WithLabelValues(entrypoint, outcome).Inc()
	m.evaluationDuration.WithLabelValues(entrypoint).Observe(elapsed.Seconds())
}

func (m *Metrics) observeDataUpdate() {
	m.dataUpdatesTotal.Inc()
}
