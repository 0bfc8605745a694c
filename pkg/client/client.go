// Package client provides the GitHub REST HTTP client with rate limiting,
// conditional-request caching, and retry with backoff.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/cache"
	"github.com/Sternrassler/github-ingest/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public GitHub REST API.
const DefaultBaseURL = "https://api.github.com"

// DefaultAPIVersion is sent as X-GitHub-Api-Version.
const DefaultAPIVersion = "2022-11-28"

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// Client is the GitHub REST client.
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	cacheScope  string
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is prefixed to relative paths passed to Get.
	BaseURL string

	// Redis enables the shared rate limit tracker and the ETag cache.
	// Both are skipped when nil.
	Redis *redis.Client

	// User-Agent header (REQUIRED by GitHub)
	UserAgent string

	// Token is sent as a bearer token when set.
	Token string

	// APIVersion is sent as X-GitHub-Api-Version.
	APIVersion string

	// RateLimit caps outgoing requests per second; 0 disables the cap.
	RateLimit float64
	RateBurst int

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// CacheRetention bounds how long ETags are kept in Redis.
	CacheRetention time.Duration

	// MaxRateLimitWait bounds how long a request may wait for an exhausted
	// rate limit window to reset.
	MaxRateLimitWait time.Duration

	// RetryPolicy selects retry behaviour per error class.
	RetryPolicy RetryPolicy

	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		Redis:            redis,
		UserAgent:        userAgent,
		APIVersion:       DefaultAPIVersion,
		RateLimit:        10,
		RateBurst:        1,
		Timeout:          30 * time.Second,
		CacheRetention:   cache.DefaultRetention,
		MaxRateLimitWait: 15 * time.Minute,
		RetryPolicy:      RetryConfigForErrorClass,
	}
}

// New creates a new GitHub client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %v)", cfg.RateLimit)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = RetryConfigForErrorClass
	}

	logger := log.With().Str("component", "github-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		config: cfg,
		logger: logger,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		if cfg.MaxRateLimitWait > 0 {
			c.rateLimiter.MaxWait = cfg.MaxRateLimitWait
		}
		c.cache = cache.NewManager(cfg.Redis, cfg.CacheRetention)
	}

	// Responses fetched with different tokens may differ, so they are cached apart.
	if cfg.Token != "" {
		sum := sha256.Sum256([]byte(cfg.Token))
		c.cacheScope = hex.EncodeToString(sum[:8])
	}

	return c, nil
}

// Do performs an HTTP request with rate limiting, caching, and retries.
// Any response with status >= 400 is returned as an *APIError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	startTime := time.Now()
	defer func() {
		githubRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Wait for primary rate limit capacity
	if c.rateLimiter != nil {
		if err := c.rateLimiter.WaitForCapacity(ctx, ratelimit.DefaultResource); err != nil {
			switch {
			case errors.Is(err, ratelimit.ErrRateLimitExhausted):
				githubRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
				return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
			case ctx.Err() != nil:
				return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			default:
				c.logger.Error().Err(err).Msg("Rate limit check failed")
				return nil, fmt.Errorf("rate limit check: %w", err)
			}
		}
	}

	// Step 2: Check cache
	cacheKey := cache.KeyForRequest(req, c.cacheScope)
	var cachedEntry *cache.CacheEntry
	if c.cache != nil && req.Method == http.MethodGet {
		entry, err := c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
		cachedEntry = entry
	}

	// Step 3: Conditional request if we hold a validator
	if cache.ShouldMakeConditionalRequest(cachedEntry) {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	// Step 4: GitHub headers
	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/vnd.github+json")
	}
	req.Header.Set("X-GitHub-Api-Version", c.config.APIVersion)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing GitHub request")

	// Step 5: Execute with retry
	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.config.RetryPolicy, c.logger, func() error {
		r, err := c.attempt(ctx, req, endpoint)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}

	// Step 6: 304 Not Modified
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()
		resp.Body.Close()

		if err := c.cache.Touch(ctx, cacheKey); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to extend cache retention")
		}
		return cache.EntryToResponse(cachedEntry), nil
	}

	// Step 7: Remember validators on success
	if c.cache != nil && cache.Cacheable(resp) {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			resp.Body.Close()
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassNetwork,
				Message:    "read response body",
				Err:        err,
			}
		}
		if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("endpoint", endpoint).
				Str("etag", entry.ETag).
				Msg("Cached response")
		}
	}

	return resp, nil
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			}
			return nil, fmt.Errorf("request rate limiter: %w", err)
		}
	}

	attemptReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		attemptReq.Body = body
	}

	resp, err := c.httpClient.Do(attemptReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		githubErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		githubRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	githubRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 400 {
		return resp, nil
	}

	errClass := ClassifyResponse(resp)
	githubErrorsTotal.WithLabelValues(string(errClass)).Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    errorMessage(resp, body),
		RetryAfter: RetryAfter(resp.Header, time.Now()),
	}

	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Dur("retry_after", apiErr.RetryAfter).
		Msg("GitHub request error")

	return nil, apiErr
}

// ClassifyResponse categorizes an error response for retry handling.
func ClassifyResponse(resp *http.Response) ErrorClass {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode == http.StatusForbidden &&
		(resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""):
		// Primary and secondary rate limits surface as 403 on GitHub.
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// RetryAfter returns the server-requested delay from Retry-After (seconds
// or HTTP date) or, for an exhausted budget, the time until X-RateLimit-Reset.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	if h.Get("X-RateLimit-Remaining") == "0" {
		if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			if d := time.Unix(reset, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

// errorMessage picks the "message" field of a GitHub error body, falling
// back to the status line.
func errorMessage(resp *http.Response, body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return resp.Status
}

// Get performs a GET request. Relative paths are resolved against BaseURL.
func (c *Client) Get(ctx context.Context, target string) (*http.Response, error) {
	if strings.HasPrefix(target, "/") {
		target = c.config.BaseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	return c.Do(req)
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// RateLimitState returns the last recorded primary rate limit state, or nil
// when no tracker is configured.
func (c *Client) RateLimitState(ctx context.Context) (*ratelimit.RateLimitState, error) {
	if c.rateLimiter == nil {
		return nil, nil
	}
	return c.rateLimiter.GetState(ctx, ratelimit.DefaultResource)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, nil without Redis.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}
