// Package cache stores GitHub collection responses in Redis so repeated
// fetches can be made as conditional requests.
//
// GitHub does not count a 304 Not Modified answer against the primary rate
// limit, so re-reading the first page of an unchanged collection is free when
// the previous ETag is sent back in If-None-Match.
//
// Entries carry no freshness lifetime of their own. Every cached entry is
// revalidated against GitHub; the retention passed to NewManager only bounds
// how long an ETag is kept in Redis.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient, 24*time.Hour)
//
//	key := cache.KeyForRequest(req)
//	entry, err := manager.Get(ctx, key)
//	if err == nil && cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
//	// 200: remember the body and ETag
//	if cache.Cacheable(resp) {
//		entry, _ := cache.ResponseToEntry(resp)
//		_ = manager.Set(ctx, key, entry)
//	}
//
//	// 304: serve the cached body
//	resp = cache.EntryToResponse(entry)
//
// # Metrics
//
//   - github_cache_hits_total{layer="redis"} - Cache hits
//   - github_cache_misses_total - Cache misses
//   - github_cache_size_bytes{layer="redis"} - Bytes written to the cache
//   - github_conditional_requests_total - Requests sent with a validator
//   - github_304_responses_total - Not Modified answers served from cache
//   - github_cache_errors_total{operation} - Cache operation errors
package cache
