package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pages_fetched_total",
		Help: "Total pages fetched by resource",
	}, []string{"resource"})

	recordsYieldedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_yielded_total",
		Help: "Total in-range records yielded by resource",
	}, []string{"resource"})

	boundaryHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_boundary_hits_total",
		Help: "Total fetches stopped at the watermark boundary by resource",
	}, []string{"resource"})

	pageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_page_errors_total",
		Help: "Total page fetch failures by resource",
	}, []string{"resource"})

	pageFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_page_fetch_duration_seconds",
		Help:    "Duration of a single page fetch by resource",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"resource"})
)
