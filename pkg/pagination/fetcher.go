package pagination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/client"
	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/rs/zerolog"
)

// Defaults for GitHub REST collections.
const (
	DefaultPageSize       = 100
	DefaultPageSizeParam  = "per_page"
	DefaultRateLimitDelay = 2 * time.Second
	DefaultWatermarkField = "updated_at"
)

// maxPageBody bounds a single page body.
const maxPageBody = 64 << 20

// Doer sends HTTP requests. *client.Client and *http.Client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes one paginated collection.
type Config struct {
	// Name labels logs and metrics.
	Name string

	// BaseURL is joined with Path unless Path is an absolute URL.
	BaseURL string
	Path    string

	// Params are sent on the first request only; next links carry their own query.
	Params url.Values

	PageSize      int
	PageSizeParam string

	// RateLimitDelay is waited before every page after the first.
	RateLimitDelay time.Duration

	// InitialWatermark is used when Fetch is called without a watermark.
	InitialWatermark record.Watermark

	// WatermarkField is the (dotted) record field compared with the watermark.
	WatermarkField string
	WatermarkKind  record.Kind

	// SinceParam, when set, passes the watermark to the server on the first
	// request so it can filter too.
	SinceParam string
}

// DefaultConfig returns the configuration for an updated_at-sorted GitHub collection.
func DefaultConfig() Config {
	return Config{
		PageSize:       DefaultPageSize,
		PageSizeParam:  DefaultPageSizeParam,
		RateLimitDelay: DefaultRateLimitDelay,
		WatermarkField: DefaultWatermarkField,
		WatermarkKind:  record.KindTime,
	}
}

// Phase is the position of an iterator in its fetch cycle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseFetchingPage Phase = "fetching_page"
	PhaseEmitRecords  Phase = "emit_records"
	PhaseBoundaryHit  Phase = "boundary_hit"
	PhaseNoMorePages  Phase = "no_more_pages"
	PhaseDone         Phase = "done"
	PhaseError        Phase = "error"
)

// FetchState is the progress of one Fetch call.
type FetchState struct {
	// Watermark is the initial watermark the fetch compares against.
	Watermark record.Watermark

	// InRange is false once a record older than Watermark was seen.
	InRange bool

	// MaxWatermark is the newest watermark among yielded records.
	MaxWatermark record.Watermark

	Pages   int
	Records int
	Phase   Phase

	// Terminal phase before Done: PhaseBoundaryHit or PhaseNoMorePages.
	StopReason Phase
}

// BoundaryHit reports whether the fetch stopped at the watermark boundary.
func (s FetchState) BoundaryHit() bool {
	return s.StopReason == PhaseBoundaryHit
}

// Fetcher reads one collection. It holds no per-fetch state, so Fetch may
// be called repeatedly and from several goroutines.
type Fetcher struct {
	doer     Doer
	config   Config
	startURL *url.URL
	logger   zerolog.Logger
}

// NewFetcher validates cfg and creates a fetcher.
func NewFetcher(doer Doer, cfg Config, logger zerolog.Logger) (*Fetcher, error) {
	if doer == nil {
		return nil, fmt.Errorf("doer is required")
	}
	if cfg.WatermarkField == "" {
		return nil, fmt.Errorf("watermark field is required")
	}
	if cfg.PageSize < 0 {
		return nil, fmt.Errorf("page_size must be >= 0 (got %d)", cfg.PageSize)
	}
	if cfg.PageSize > 0 && cfg.PageSizeParam == "" {
		cfg.PageSizeParam = DefaultPageSizeParam
	}
	if cfg.RateLimitDelay < 0 {
		return nil, fmt.Errorf("rate_limit_delay must be >= 0 (got %s)", cfg.RateLimitDelay)
	}
	if cfg.WatermarkKind == "" {
		cfg.WatermarkKind = record.KindTime
	}
	if !cfg.InitialWatermark.IsZero() && cfg.InitialWatermark.Kind() != cfg.WatermarkKind {
		return nil, fmt.Errorf("initial watermark is %s, want %s", cfg.InitialWatermark.Kind(), cfg.WatermarkKind)
	}

	start, err := startURL(cfg.BaseURL, cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = start.Path
	}

	return &Fetcher{
		doer:     doer,
		config:   cfg,
		startURL: start,
		logger:   logger.With().Str("resource", cfg.Name).Logger(),
	}, nil
}

func startURL(base, path string) (*url.URL, error) {
	var raw string
	switch {
	case strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://"):
		raw = path
	case path == "":
		raw = base
	default:
		raw = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("endpoint %q is not an absolute URL", raw)
	}
	return u, nil
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.config
}

// Fetch returns a lazy iterator over the in-range records of the collection.
// No request is made until the first call to Next. A zero initial falls
// back to Config.InitialWatermark; when both are absent every record is
// yielded.
func (f *Fetcher) Fetch(ctx context.Context, initial record.Watermark) *Iterator {
	if initial.IsZero() {
		initial = f.config.InitialWatermark
	}

	it := &Iterator{
		f:   f,
		ctx: ctx,
		state: FetchState{
			Watermark: initial,
			InRange:   true,
			Phase:     PhaseIdle,
		},
	}
	if !initial.IsZero() && initial.Kind() != f.config.WatermarkKind {
		it.err = fmt.Errorf("%s: initial watermark is %s, want %s", f.config.Name, initial.Kind(), f.config.WatermarkKind)
		it.state.Phase = PhaseError
		return it
	}

	it.nextURL = f.firstPageURL(initial)
	return it
}

func (f *Fetcher) firstPageURL(initial record.Watermark) string {
	u := *f.startURL
	q := u.Query()
	for k, vs := range f.config.Params {
		q[k] = append([]string(nil), vs...)
	}
	if f.config.PageSize > 0 {
		q.Set(f.config.PageSizeParam, strconv.Itoa(f.config.PageSize))
	}
	if f.config.SinceParam != "" && !initial.IsZero() {
		q.Set(f.config.SinceParam, initial.String())
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Iterator walks the pages of one Fetch call. It is not safe for
// concurrent use.
type Iterator struct {
	f   *Fetcher
	ctx context.Context

	state   FetchState
	nextURL string
	pageURL string

	buf []record.Record
	pos int
	cur record.Record
	err error
}

// Next advances to the next in-range record, fetching pages as needed.
// It returns false when the collection is exhausted, the boundary was
// crossed, or an error occurred.
func (it *Iterator) Next() bool {
	it.cur = nil
	for {
		if it.err != nil || it.state.Phase == PhaseDone {
			return false
		}

		if it.pos < len(it.buf) {
			rec := it.buf[it.pos]
			it.pos++

			wm, err := rec.Watermark(it.f.config.WatermarkField, it.f.config.WatermarkKind)
			if err != nil {
				pageErrorsTotal.WithLabelValues(it.f.config.Name).Inc()
				it.fail(&PageError{Resource: it.f.config.Name, Page: it.state.Pages, URL: it.pageURL, Err: err})
				return false
			}

			if wm.Before(it.state.Watermark) {
				it.state.InRange = false
				it.finish(PhaseBoundaryHit)
				boundaryHitsTotal.WithLabelValues(it.f.config.Name).Inc()
				it.f.logger.Info().
					Int("page", it.state.Pages).
					Str("watermark", it.state.Watermark.String()).
					Str("record_watermark", wm.String()).
					Msg("Watermark boundary reached")
				return false
			}

			if wm.After(it.state.MaxWatermark) {
				it.state.MaxWatermark = wm
			}
			it.state.Records++
			it.state.Phase = PhaseEmitRecords
			recordsYieldedTotal.WithLabelValues(it.f.config.Name).Inc()
			it.cur = rec
			return true
		}

		if it.nextURL == "" {
			it.finish(PhaseNoMorePages)
			return false
		}

		if it.state.Pages > 0 {
			if err := wait(it.ctx, it.f.config.RateLimitDelay); err != nil {
				it.fail(err)
				return false
			}
		}

		if err := it.fetchPage(); err != nil {
			it.fail(err)
			return false
		}
	}
}

// Record returns the current record.
func (it *Iterator) Record() record.Record {
	return it.cur
}

// Err returns the error that stopped the iterator, if any.
func (it *Iterator) Err() error {
	return it.err
}

// State returns a snapshot of the fetch progress.
func (it *Iterator) State() FetchState {
	return it.state
}

// Collect drains the iterator.
func (it *Iterator) Collect() ([]record.Record, error) {
	var out []record.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.Err()
}

func (it *Iterator) fetchPage() error {
	cfg := it.f.config
	page := it.state.Pages + 1
	target := it.nextURL

	it.state.Phase = PhaseFetchingPage
	it.pageURL = target
	start := time.Now()

	pageErr := func(status int, err error) error {
		pageErrorsTotal.WithLabelValues(cfg.Name).Inc()
		return &PageError{Resource: cfg.Name, Page: page, URL: target, StatusCode: status, Err: err}
	}

	req, err := http.NewRequestWithContext(it.ctx, http.MethodGet, target, nil)
	if err != nil {
		return pageErr(0, fmt.Errorf("create request: %w", err))
	}

	resp, err := it.f.doer.Do(req)
	if err != nil {
		status := 0
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return pageErr(status, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return pageErr(resp.StatusCode, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
	if err != nil {
		return pageErr(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	records, err := record.DecodePage(body)
	if err != nil {
		return pageErr(resp.StatusCode, fmt.Errorf("%w: %w", ErrMalformedPage, err))
	}

	// Cached responses carry no Request.
	base := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	next, _ := NextLink(resp.Header, base)

	it.state.Pages = page
	it.buf, it.pos = records, 0
	it.nextURL = next

	pagesFetchedTotal.WithLabelValues(cfg.Name).Inc()
	pageFetchDuration.WithLabelValues(cfg.Name).Observe(time.Since(start).Seconds())

	it.f.logger.Debug().
		Int("page", page).
		Int("records", len(records)).
		Bool("has_next", next != "").
		Dur("duration", time.Since(start)).
		Msg("Fetched page")

	return nil
}

func (it *Iterator) finish(reason Phase) {
	it.state.StopReason = reason
	it.state.Phase = PhaseDone
	it.buf, it.pos = nil, 0
	it.nextURL = ""
}

func (it *Iterator) fail(err error) {
	if ctxErr := it.ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", err, ctxErr)
	}
	it.err = err
	it.state.Phase = PhaseError
	it.buf, it.pos = nil, 0
	it.f.logger.Error().
		Err(err).
		Int("pages", it.state.Pages).
		Int("records", it.state.Records).
		Msg("Fetch failed")
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
