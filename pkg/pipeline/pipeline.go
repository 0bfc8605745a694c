// Package pipeline runs incremental loads: for each resource it loads the
// stored watermark, fetches the newer records, upserts them into the sink
// and advances the watermark once the fetch has completed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/pagination"
	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/Sternrassler/github-ingest/pkg/sink"
	"github.com/Sternrassler/github-ingest/pkg/watermark"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Defaults.
const (
	DefaultConcurrency = 2
	DefaultBatchSize   = 500
)

// Config holds settings shared by all resources.
type Config struct {
	BaseURL string

	// Concurrency bounds how many resources run at once. Pages of one
	// resource are always fetched sequentially.
	Concurrency int

	// BatchSize is the number of records per sink upsert.
	BatchSize int

	PageSize       int
	RateLimitDelay time.Duration

	// DryRun fetches records but writes neither records nor watermarks.
	DryRun bool
}

// DefaultConfig returns a Config for api.github.com.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.github.com",
		Concurrency:    DefaultConcurrency,
		BatchSize:      DefaultBatchSize,
		PageSize:       pagination.DefaultPageSize,
		RateLimitDelay: pagination.DefaultRateLimitDelay,
	}
}

// Result summarizes one resource run.
type Result struct {
	Resource string
	Pages    int
	Records  int
	Inserted int
	Updated  int

	// Previous is the watermark the run started from.
	Previous record.Watermark

	// Watermark is the stored watermark after the run.
	Watermark record.Watermark

	BoundaryHit bool
	Tables      []string
	Duration    time.Duration
	Err         error
}

// Pipeline wires a doer, a watermark store and a sink.
type Pipeline struct {
	doer   pagination.Doer
	store  watermark.Store
	sink   sink.Sink
	config Config
	logger zerolog.Logger
}

// New creates a pipeline.
func New(doer pagination.Doer, store watermark.Store, s sink.Sink, cfg Config, logger zerolog.Logger) (*Pipeline, error) {
	if doer == nil {
		return nil, errors.New("doer is required")
	}
	if store == nil {
		return nil, errors.New("watermark store is required")
	}
	if s == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RateLimitDelay < 0 {
		return nil, fmt.Errorf("rate_limit_delay must be >= 0 (got %s)", cfg.RateLimitDelay)
	}

	return &Pipeline{
		doer:   doer,
		store:  store,
		sink:   s,
		config: cfg,
		logger: logger,
	}, nil
}

// Run processes the resources concurrently. A failing resource does not
// stop the others; the returned error joins every resource error. Results
// follow the order of resources.
func (p *Pipeline) Run(ctx context.Context, resources ...Resource) ([]Result, error) {
	for _, r := range resources {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	results := make([]Result, len(resources))
	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)

	for i, r := range resources {
		i, r := i, r
		g.Go(func() error {
			results[i] = p.RunResource(ctx, r)
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}

// RunResource processes one resource. The watermark is saved only when the
// fetch finished without error and observed a newer watermark.
func (p *Pipeline) RunResource(ctx context.Context, r Resource) (res Result) {
	start := time.Now()
	res.Resource = r.Name
	logger := p.logger.With().Str("resource", r.Name).Logger()

	defer func() {
		res.Duration = time.Since(start)
		status := "success"
		if res.Err != nil {
			status = "error"
		}
		runsTotal.WithLabelValues(r.Name, status).Inc()
		runDuration.WithLabelValues(r.Name).Observe(res.Duration.Seconds())
	}()

	if err := r.Validate(); err != nil {
		res.Err = err
		return res
	}

	previous, ok, err := p.store.Load(ctx, r.Name)
	if err != nil {
		res.Err = fmt.Errorf("%s: load watermark: %w", r.Name, err)
		logger.Error().Err(res.Err).Msg("Run failed")
		return res
	}
	if !ok {
		previous = r.InitialWatermark
	}
	res.Previous = previous
	res.Watermark = previous

	fetcher, err := pagination.NewFetcher(p.doer, r.fetcherConfig(p.config.BaseURL, p.config.PageSize, p.config.RateLimitDelay), logger)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", r.Name, err)
		return res
	}

	logger.Info().
		Str("watermark", previous.String()).
		Bool("dry_run", p.config.DryRun).
		Msg("Starting run")

	w := &batchWriter{
		sink:      p.sink,
		keys:      r.PrimaryKey,
		batchSize: p.config.BatchSize,
		dryRun:    p.config.DryRun,
		pending:   make(map[string][]record.Record),
		tables:    make(map[string]bool),
	}

	it := fetcher.Fetch(ctx, previous)
	for it.Next() {
		full := it.Record()
		table, err := r.tableFor(full)
		if err != nil {
			res.Err = fmt.Errorf("%s: route record: %w", r.Name, err)
			break
		}
		if err := w.add(ctx, table, full.Project(r.Fields)); err != nil {
			res.Err = fmt.Errorf("%s: %w", r.Name, err)
			break
		}
	}
	if res.Err == nil {
		res.Err = it.Err()
	}
	if res.Err == nil {
		if err := w.flush(ctx); err != nil {
			res.Err = fmt.Errorf("%s: %w", r.Name, err)
		}
	}

	state := it.State()
	res.Pages = state.Pages
	res.Records = state.Records
	res.BoundaryHit = state.BoundaryHit()
	res.Inserted = w.stats.Inserted
	res.Updated = w.stats.Updated
	res.Tables = w.tableNames()

	if res.Err != nil {
		logger.Error().
			Err(res.Err).
			Int("pages", res.Pages).
			Int("records", res.Records).
			Msg("Run failed, watermark not advanced")
		return res
	}

	if newer := state.MaxWatermark; !newer.IsZero() && (previous.IsZero() || newer.After(previous)) {
		if !p.config.DryRun {
			if err := p.store.Save(ctx, r.Name, newer); err != nil {
				res.Err = fmt.Errorf("%s: save watermark: %w", r.Name, err)
				logger.Error().Err(res.Err).Msg("Run failed")
				return res
			}
		}
		res.Watermark = newer
	}
	recordWatermark(r.Name, res.Watermark)

	logger.Info().
		Int("pages", res.Pages).
		Int("records", res.Records).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Bool("boundary_hit", res.BoundaryHit).
		Str("watermark", res.Watermark.String()).
		Dur("duration", time.Since(start)).
		Msg("Run completed")

	return res
}

func recordWatermark(resource string, wm record.Watermark) {
	switch wm.Kind() {
	case record.KindTime:
		watermarkValue.WithLabelValues(resource).Set(float64(wm.Time().Unix()))
	case record.KindNumber:
		watermarkValue.WithLabelValues(resource).Set(float64(wm.Number()))
	}
}

// batchWriter buffers records per table and upserts full batches.
type batchWriter struct {
	sink      sink.Sink
	keys      []string
	batchSize int
	dryRun    bool

	mu      sync.Mutex
	pending map[string][]record.Record
	tables  map[string]bool
	stats   sink.Stats
}

func (w *batchWriter) add(ctx context.Context, table string, rec record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tables[table] = true
	w.pending[table] = append(w.pending[table], rec)
	if len(w.pending[table]) >= w.batchSize {
		return w.write(ctx, table)
	}
	return nil
}

func (w *batchWriter) flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, table := range w.sortedTables() {
		if err := w.write(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// write must be called with mu held.
func (w *batchWriter) write(ctx context.Context, table string) error {
	batch := w.pending[table]
	if len(batch) == 0 {
		return nil
	}
	delete(w.pending, table)

	if w.dryRun {
		return nil
	}
	stats, err := w.sink.Upsert(ctx, table, w.keys, batch)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	w.stats = w.stats.Add(stats)
	return nil
}

func (w *batchWriter) sortedTables() []string {
	names := make([]string, 0, len(w.tables))
	for t := range w.tables {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

func (w *batchWriter) tableNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sortedTables()
}
