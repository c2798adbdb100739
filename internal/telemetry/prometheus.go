package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds the Prometheus metrics exposed on /metrics.
type Registry struct {
	registry *prometheus.Registry

	SnapshotsProcessed *prometheus.CounterVec
	AlertsTotal        *prometheus.CounterVec
	QueueDrops         *prometheus.CounterVec
	ProcessingTime     prometheus.Histogram
	PrimaryLatency     prometheus.Histogram
	ActiveSessions     prometheus.Gauge
	IngestQueueDepth   *prometheus.GaugeVec
	EngineMode         prometheus.Gauge
}

// NewRegistry creates and registers every metric.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		SnapshotsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobscope_snapshots_processed_total",
				Help: "Enriched snapshots emitted, by engine tag",
			},
			[]string{"engine"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobscope_alerts_total",
				Help: "Anomaly alerts emitted, by type and severity",
			},
			[]string{"type", "severity"},
		),
		QueueDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobscope_queue_drops_total",
				Help: "Snapshots dropped at a bounded queue, by reason",
			},
			[]string{"reason"},
		),
		ProcessingTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lobscope_processing_seconds",
				Help:    "Per-tick analytics processing time",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),
		PrimaryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lobscope_primary_engine_seconds",
				Help:    "Primary engine round-trip time",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lobscope_active_sessions",
				Help: "Sessions currently alive",
			},
		),
		IngestQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lobscope_ingest_queue_depth",
				Help: "Current ingest queue depth per session",
			},
			[]string{"session"},
		),
		EngineMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lobscope_engine_mode",
				Help: "Active engine mode (1=primary, 0=secondary)",
			},
		),
	}

	r.registry.MustRegister(
		r.SnapshotsProcessed, r.AlertsTotal, r.QueueDrops,
		r.ProcessingTime, r.PrimaryLatency,
		r.ActiveSessions, r.IngestQueueDepth, r.EngineMode,
	)
	return r
}

// Handler returns the promhttp handler for /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// CounterValue reads back a counter child's current value, used by the
// dashboard endpoint to derive rates without a second bookkeeping path.
func (r *Registry) CounterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
