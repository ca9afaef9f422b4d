// Package metrics registers the Prometheus instruments shared by the
// services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsProcessed counts dispatched jobs by type and outcome
	// (ok, error, rejected).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealflow",
		Name:      "jobs_processed_total",
		Help:      "Jobs processed by the worker dispatcher.",
	}, []string{"job_type", "outcome"})

	// JobDuration observes handler latency by job type.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dealflow",
		Name:      "job_duration_seconds",
		Help:      "Worker handler duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job_type"})

	// WebhookRequests counts ingress webhook admissions by source and
	// outcome (enqueued, duplicate, dropped, rejected).
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealflow",
		Name:      "webhook_requests_total",
		Help:      "Ingress webhook admissions.",
	}, []string{"source", "outcome"})
)

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
