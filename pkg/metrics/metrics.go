// Package metrics serves the Prometheus metrics of gh-ingest.
// Metrics are defined in their own packages (client, cache, ratelimit,
// pagination, sink, pipeline) via promauto and land in the default registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by gh-ingest.
var Registry = prometheus.DefaultRegisterer

// HealthCheck reports whether a dependency (Redis, Postgres) is reachable.
type HealthCheck func(ctx context.Context) error

// Handler returns a mux serving /metrics and /health. Every check must
// pass within two seconds for /health to answer 200.
func Handler(checks map[string]HealthCheck) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				http.Error(w, fmt.Sprintf("%s: %v", name, err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return mux
}

// Serve runs an HTTP server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - github_requests_total{endpoint, status} (Counter)
//   - github_request_duration_seconds{endpoint} (Histogram)
//   - github_errors_total{class} (Counter): client, server, rate_limit, network
//   - github_retries_total{error_class} (Counter)
//   - github_retry_backoff_seconds{error_class} (Histogram)
//   - github_retry_exhausted_total{error_class} (Counter)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - github_rate_limit_remaining{resource} (Gauge)
//   - github_rate_limit_waits_total{resource} (Counter): requests held until reset
//   - github_rate_limit_throttles_total{resource} (Counter)
//   - github_rate_limit_wait_seconds{resource} (Histogram)
//
// Cache Metrics (pkg/cache):
//   - github_cache_hits_total{layer}, github_cache_misses_total (Counter)
//   - github_cache_size_bytes{layer} (Gauge)
//   - github_conditional_requests_total, github_304_responses_total (Counter)
//   - github_cache_errors_total{operation} (Counter)
//
// Pagination Metrics (pkg/pagination):
//   - ingest_pages_fetched_total{resource} (Counter)
//   - ingest_records_yielded_total{resource} (Counter)
//   - ingest_boundary_hits_total{resource} (Counter)
//   - ingest_page_errors_total{resource} (Counter)
//   - ingest_page_fetch_duration_seconds{resource} (Histogram)
//
// Sink and Pipeline Metrics (pkg/sink, pkg/pipeline):
//   - ingest_sink_rows_total{table, operation} (Counter)
//   - ingest_sink_upsert_duration_seconds{table} (Histogram)
//   - ingest_runs_total{resource, status} (Counter)
//   - ingest_run_duration_seconds{resource} (Histogram)
//   - ingest_watermark{resource} (Gauge)
//
// Example Prometheus Queries:
//
//   # Remaining core budget
//   github_rate_limit_remaining{resource="core"} < 500
//
//   # Failed runs in the last hour
//   increase(ingest_runs_total{status="error"}[1h])
//
//   # Watermark lag in seconds
//   time() - ingest_watermark
//
//   # 304 Response Rate
//   rate(github_304_responses_total[5m]) / rate(github_requests_total[5m])
