// Package pagination fetches GitHub collection endpoints page by page and
// stops as soon as the data falls behind a watermark.
//
// GitHub paginates collections with a Link header (RFC 8288) whose rel="next"
// target is requested until none is returned. Collections that are sorted
// newest-first can be read incrementally: the first record whose watermark
// (updated_at, created_at, id, ...) is older than the watermark of the
// previous run marks the boundary, and no further page is requested.
//
// Example usage:
//
//	cfg := pagination.DefaultConfig()
//	cfg.Name = "issues"
//	cfg.BaseURL = "https://api.github.com"
//	cfg.Path = "/repos/octo/hello/issues"
//	cfg.Params = url.Values{"state": {"all"}, "sort": {"updated"}, "direction": {"desc"}}
//	cfg.SinceParam = "since"
//
//	fetcher, err := pagination.NewFetcher(githubClient, cfg, logger)
//	it := fetcher.Fetch(ctx, lastWatermark)
//	for it.Next() {
//		rec := it.Record()
//		...
//	}
//	if err := it.Err(); err != nil {
//		// do not advance the watermark
//	}
//	newWatermark := it.State().MaxWatermark
//
// The fetcher:
//   - Requests pages strictly one after another, never ahead of the consumer
//   - Yields records in server order
//   - Waits RateLimitDelay before every page after the first
//   - Reports failures as *PageError carrying the page number and URL
//
// A record is yielded while its watermark is at or after the initial
// watermark. Records that share the initial watermark are therefore seen
// again on the next run and must be written with an upsert.
package pagination
