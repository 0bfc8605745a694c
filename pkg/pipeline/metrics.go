package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Resource runs by outcome (success, error)",
	}, []string{"resource", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Duration of one resource run",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
	}, []string{"resource"})

	watermarkValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_watermark",
		Help: "Stored watermark per resource (unix seconds for time watermarks)",
	}, []string{"resource"})
)
