package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	RepoOps         *prometheus.CounterVec
	RepoLatency     *prometheus.HistogramVec
	JobsSubmitted   *prometheus.CounterVec
	JobsCompleted   *prometheus.CounterVec
	JobDuration     prometheus.Histogram
	BackendDegraded prometheus.Gauge
	TotalRules      prometheus.Gauge
	RulesWithFilter prometheus.Gauge
}

// NewMetrics creates new Prometheus metrics registered on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RepoOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forwarding_audit_repository_operations_total",
			Help: "Total number of repository operations by backend, operation, and outcome",
		}, []string{"backend", "op", "outcome"}),
		RepoLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forwarding_audit_repository_operation_duration_seconds",
			Help:    "Time spent in repository operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		JobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forwarding_audit_report_jobs_submitted_total",
			Help: "Total number of report jobs submitted",
		}, []string{"kind"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forwarding_audit_report_jobs_completed_total",
			Help: "Total number of report jobs that reached a terminal state",
		}, []string{"kind", "status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "forwarding_audit_report_job_duration_seconds",
			Help:    "Time spent generating reports",
			Buckets: prometheus.DefBuckets,
		}),
		BackendDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forwarding_audit_backend_degraded",
			Help: "1 when the configured storage backend failed and the in-memory fallback is active",
		}),
		TotalRules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forwarding_audit_total_rules",
			Help: "Number of forwarding rules at the last statistics computation",
		}),
		RulesWithFilter: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forwarding_audit_rules_with_filter",
			Help: "Number of forwarding rules with a filter at the last statistics computation",
		}),
	}
}
