package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the Orchestrator updates as it
// dispatches work, grounded on middleware.Metrics' registration style.
type Metrics struct {
	DocumentsProcessed *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	PoisonTotal        prometheus.Counter
}

// NewMetrics creates and registers pipeline metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocumentsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_documents_processed_total",
				Help: "Total number of documents reaching a terminal pipeline status.",
			},
			[]string{"status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_step_duration_seconds",
				Help:    "Handler invocation latency in seconds, by step and outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"step", "outcome"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Approximate number of in-flight worker loop iterations.",
			},
		),
		PoisonTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_poison_documents_total",
				Help: "Total number of documents moved to failed via the poison path.",
			},
		),
	}

	reg.MustRegister(m.DocumentsProcessed, m.StepDuration, m.QueueDepth, m.PoisonTotal)
	return m
}
