package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the service.
type Metrics struct {
	RunsIngested   prometheus.Counter
	RunsRejected   prometheus.Counter
	DedupHits      prometheus.Counter
	DedupNoops     prometheus.Counter
	DedupConflicts prometheus.Counter
	Checkouts      prometheus.Counter
	PersistenceErr prometheus.Counter
	AuditErrors    prometheus.Counter

	RegressionAlerts *prometheus.CounterVec // labeled by severity
	RunsByModel      *prometheus.CounterVec // labeled by model_version, environment

	CommitDuration prometheus.Histogram
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RunsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bv_runs_ingested_total",
			Help: "Total number of benchmark runs committed to the transaction log",
		}),
		RunsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bv_runs_rejected_total",
			Help: "Number of benchmark runs rejected by validation",
		}),
		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bv_dedup_hits_total",
			Help: "Number of duplicate run submissions detected",
		}),
		DedupNoops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bv_dedup_noops_total",
			Help: "Number of duplicate submissions resolved as no-op success (matching content)",
		}),
		DedupConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bv_dedup_conflicts_total",
			Help: "Number of duplicate submissions rejected for conflicting content",
		}),
		Checkouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bv_checkouts_total",
			Help: "Number of snapshot checkout (rollback) operations",
		}),
		PersistenceErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bv_persistence_errors_total",
			Help: "Number of storage failures during commit or checkout",
		}),
		AuditErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bv_audit_errors_total",
			Help: "Number of audit trail write failures",
		}),

		RegressionAlerts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bv_regression_alerts_total",
				Help: "Number of regression alerts raised, by severity",
			},
			[]string{"severity"},
		),
		RunsByModel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bv_runs_by_model_total",
				Help: "Number of runs committed per model version and environment",
			},
			[]string{"model_version", "environment"},
		),

		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bv_commit_duration_seconds",
			Help:    "End-to-end latency of the atomic upsert path",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
