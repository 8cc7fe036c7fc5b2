package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_jobs_scheduled_total",
		Help: "Jobs accepted by the scheduler",
	}, []string{"platform"})

	PublishSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_success_total",
		Help: "Jobs that reached the published state",
	}, []string{"platform"})

	PublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_retries_total",
		Help: "Attempts that failed and were rescheduled",
	}, []string{"platform", "class"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_failures_total",
		Help: "Jobs that failed terminally",
	}, []string{"platform", "class"})

	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "publish_claims_lost_total",
		Help: "Claim attempts lost to another worker",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "publish_inflight",
		Help: "Jobs currently held under a claim lease",
	})

	DueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "publish_due_depth",
		Help: "Eligible jobs seen on the last poll",
	})

	MetricsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_snapshots_total",
		Help: "Observed metric records appended, by source",
	}, []string{"source"})

	MetricFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_fetch_failures_total",
		Help: "Metric pulls that failed and will retry next interval",
	}, []string{"platform"})

	ReconcileApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calibration_updates_total",
		Help: "Metric records folded into calibration",
	})

	ReconcileAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_abandoned_total",
		Help: "Published jobs whose metrics never arrived in the window",
	})

	PredictionError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prediction_error",
		Help:    "Absolute predicted-vs-observed score error at reconcile time",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
)

// Handler exposes the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
