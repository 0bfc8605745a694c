package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for GitHub client operations.
var (
	githubRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_requests_total",
		Help: "Total GitHub requests by endpoint and status",
	}, []string{"endpoint", "status"})

	githubRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "github_request_duration_seconds",
		Help:    "GitHub request duration in seconds by endpoint, including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	githubErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_errors_total",
		Help: "Total GitHub errors by class",
	}, []string{"class"})

	githubRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	githubRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "github_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	githubRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)
