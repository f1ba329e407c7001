package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)

	UsageTrackedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_usage_tracked_total",
			Help: "Total number of AI feature requests counted against usage limits.",
		},
		[]string{"feature"},
	)

	UsageRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_usage_rejections_total",
			Help: "Total number of AI feature requests rejected by usage governance.",
		},
		[]string{"feature", "reason"},
	)

	UsageViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_usage_violations_total",
			Help: "Total number of usage violations logged.",
		},
		[]string{"feature", "type"},
	)

	UsageRestrictionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_usage_restrictions_applied_total",
			Help: "Total number of temporary restrictions applied.",
		},
		[]string{"feature"},
	)

	UsageFailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_usage_fail_open_total",
			Help: "Total number of requests allowed because usage tracking was unavailable.",
		},
		[]string{"stage"},
	)

	ResetRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_usage_reset_runs_total",
			Help: "Total number of counter reset and cleanup runs.",
		},
		[]string{"job", "status"},
	)

	ResetRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_usage_reset_rows_total",
			Help: "Total number of rows touched by reset and cleanup runs.",
		},
		[]string{"job"},
	)

	GenerationTasksPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_generation_tasks_published_total",
			Help: "Total number of generation tasks handed to workers.",
		},
		[]string{"feature"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		UsageTrackedTotal,
		UsageRejectionsTotal,
		UsageViolationsTotal,
		UsageRestrictionsApplied,
		UsageFailOpenTotal,
		ResetRunsTotal,
		ResetRowsTotal,
		GenerationTasksPublished,
	)
}
