package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	githubRateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "github_rate_limit_remaining",
		Help: "Requests remaining in the current GitHub rate limit window",
	}, []string{"resource"})

	githubRateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_rate_limit_waits_total",
		Help: "Total number of requests held until the rate limit window reset",
	}, []string{"resource"})

	githubRateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to a low remaining budget",
	}, []string{"resource"})

	githubRateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "github_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the rate limit window to reset",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
	}, []string{"resource"})
)

// ErrRateLimitExhausted is returned when the window resets later than the
// tracker is allowed to wait.
var ErrRateLimitExhausted = errors.New("rate limit exhausted")

// Hash fields of the per-resource state.
const (
	fieldLimit      = "limit"
	fieldRemaining  = "remaining"
	fieldUsed       = "used"
	fieldReset      = "reset"
	fieldLastUpdate = "last_update"
)

// Tracker monitors GitHub rate limits and gates requests.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	// MaxWait bounds how long WaitForCapacity blocks for a reset.
	MaxWait time.Duration

	// ThrottleDelay is the pause applied in warning state.
	ThrottleDelay time.Duration
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		MaxWait:       15 * time.Minute,
		ThrottleDelay: 1 * time.Second,
	}
}

// RedisKey returns the Redis hash key for a resource.
func RedisKey(resource string) string {
	return RedisKeyPrefix + ":" + resource
}

// GetState retrieves the state for resource from Redis.
// Returns a healthy default if nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context, resource string) (*RateLimitState, error) {
	values, err := t.redis.HGetAll(ctx, RedisKey(resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if len(values) == 0 {
		t.logger.Debug().Str("resource", resource).Msg("No rate limit state in Redis, assuming healthy")
		return &RateLimitState{
			Resource:   resource,
			Remaining:  ThresholdHealthy,
			ResetAt:    time.Now(),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	state := &RateLimitState{Resource: resource}
	if state.Limit, err = atoiField(values, fieldLimit); err != nil {
		return nil, err
	}
	if state.Remaining, err = atoiField(values, fieldRemaining); err != nil {
		return nil, err
	}
	if state.Used, err = atoiField(values, fieldUsed); err != nil {
		return nil, err
	}
	reset, err := strconv.ParseInt(values[fieldReset], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reset timestamp: %w", err)
	}
	state.ResetAt = time.Unix(reset, 0)

	if lu := values[fieldLastUpdate]; lu != "" {
		if state.LastUpdate, err = time.Parse(time.RFC3339Nano, lu); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}
	state.UpdateHealth()

	return state, nil
}

// ParseHeaders extracts rate limit state from response headers.
// Returns nil when the response carries no rate limit headers.
func ParseHeaders(headers http.Header) (*RateLimitState, error) {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return nil, fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetStr := headers.Get("X-RateLimit-Reset")
	if resetStr == "" {
		return nil, fmt.Errorf("X-RateLimit-Reset header missing")
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}

	state := &RateLimitState{
		Resource:   headers.Get("X-RateLimit-Resource"),
		Remaining:  remain,
		ResetAt:    time.Unix(reset, 0),
		LastUpdate: time.Now(),
	}
	if state.Resource == "" {
		state.Resource = DefaultResource
	}
	if v := headers.Get("X-RateLimit-Limit"); v != "" {
		if state.Limit, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse X-RateLimit-Limit header: %w", err)
		}
	}
	if v := headers.Get("X-RateLimit-Used"); v != "" {
		if state.Used, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse X-RateLimit-Used header: %w", err)
		}
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders parses GitHub rate limit headers and stores the state.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	state, err := ParseHeaders(headers)
	if err != nil || state == nil {
		return err
	}

	key := RedisKey(state.Resource)
	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldLimit:      state.Limit,
		fieldRemaining:  state.Remaining,
		fieldUsed:       state.Used,
		fieldReset:      state.ResetAt.Unix(),
		fieldLastUpdate: state.LastUpdate.Format(time.RFC3339Nano),
	})
	// Drop the state a minute after the window resets so it never outlives it.
	pipe.ExpireAt(ctx, key, state.ResetAt.Add(time.Minute))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	githubRateLimitRemaining.WithLabelValues(state.Resource).Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Str("resource", state.Resource).
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("GitHub rate limit CRITICAL - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Str("resource", state.Resource).
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("GitHub rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Str("resource", state.Resource).
			Int("remaining", state.Remaining).
			Bool("is_healthy", state.IsHealthy).
			Msg("GitHub rate limit state updated")
	}

	return nil
}

// WaitForCapacity blocks while the resource budget is exhausted and applies
// a short throttle when it is low. It returns ErrRateLimitExhausted when the
// reset is further away than MaxWait.
func (t *Tracker) WaitForCapacity(ctx context.Context, resource string) error {
	state, err := t.GetState(ctx, resource)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		wait := state.TimeUntilReset() + time.Second
		if t.MaxWait > 0 && wait > t.MaxWait {
			t.logger.Error().
				Str("resource", resource).
				Dur("wait_duration", wait).
				Dur("max_wait", t.MaxWait).
				Msg("GitHub rate limit exhausted beyond max wait")
			return fmt.Errorf("%w: %s resets at %s", ErrRateLimitExhausted, resource, state.ResetAt.Format(time.RFC3339))
		}

		t.logger.Warn().
			Str("resource", resource).
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("GitHub rate limit reached - waiting for reset")

		githubRateLimitWaitsTotal.WithLabelValues(resource).Inc()
		githubRateLimitWaitSeconds.WithLabelValues(resource).Observe(wait.Seconds())
		return sleep(ctx, wait)
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Str("resource", resource).
			Int("remaining", state.Remaining).
			Msg("GitHub rate limit warning - throttling request")

		githubRateLimitThrottlesTotal.WithLabelValues(resource).Inc()
		return sleep(ctx, t.ThrottleDelay)
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

func atoiField(values map[string]string, field string) (int, error) {
	v, ok := values[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return n, nil
}
