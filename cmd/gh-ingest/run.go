package main

import (
	"context"

	"github.com/Sternrassler/github-ingest/pkg/client"
	"github.com/Sternrassler/github-ingest/pkg/logging"
	"github.com/Sternrassler/github-ingest/pkg/metrics"
	"github.com/Sternrassler/github-ingest/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		resources   []string
		dryRun      bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch new records for the configured resources",
		Long: `Run loads the stored watermark of each resource, fetches the records
updated since then, upserts them and advances the watermark.

A resource whose fetch fails keeps its previous watermark, so the next run
fetches the same window again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd.Context(), opts, resources, dryRun, metricsAddr)
		},
	}

	cmd.Flags().StringSliceVarP(&resources, "resource", "r", nil, "resources to run (default: all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch without writing records or watermarks")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address, e.g. :9090")
	return cmd
}

func runIngest(ctx context.Context, opts *rootOptions, names []string, dryRun bool, metricsAddr string) error {
	cfg, logger := opts.cfg, opts.logger

	resources, err := cfg.Select(names...)
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := b.watermarkStore(ctx, cfg)
	if err != nil {
		return err
	}
	s, err := b.recordSink(cfg, dryRun, logger)
	if err != nil {
		return err
	}

	gh, err := client.New(cfg.ClientConfig(b.redis))
	if err != nil {
		return err
	}
	defer gh.Close()

	p, err := pipeline.New(gh, store, s, cfg.PipelineConfig(dryRun), logging.NewLogger("pipeline"))
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(mctx, metricsAddr, metrics.Handler(b.healthChecks()), logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	logger.Info().
		Int("resources", len(resources)).
		Str("store", cfg.StoreBackend()).
		Bool("dry_run", dryRun).
		Msg("Starting ingest")

	results, err := p.Run(ctx, resources...)
	for _, res := range results {
		event := logger.Info()
		if res.Err != nil {
			event = logger.Warn().Err(res.Err)
		}
		event.
			Str("resource", res.Resource).
			Int("pages", res.Pages).
			Int("records", res.Records).
			Int("inserted", res.Inserted).
			Int("updated", res.Updated).
			Str("watermark", res.Watermark.String()).
			Dur("duration", res.Duration).
			Msg("Resource summary")
	}

	if state, stateErr := gh.RateLimitState(ctx); stateErr == nil && state != nil {
		logger.Info().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit after ingest")
	}
	return err
}
