// Package ratelimit implements GitHub primary rate limit tracking and request
// gating. It reads the X-RateLimit-Limit, X-RateLimit-Remaining,
// X-RateLimit-Used, X-RateLimit-Reset and X-RateLimit-Resource headers and
// shares the resulting state across fetchers via Redis.
package ratelimit

import (
	"time"
)

// DefaultResource is the rate limit bucket used by REST collection endpoints.
const DefaultResource = "core"

// RedisKeyPrefix prefixes the per-resource Redis hash holding the state.
const RedisKeyPrefix = "github:rate_limit"

// Thresholds for rate limit decisions, in requests remaining.
const (
	// ThresholdCritical blocks requests until the window resets.
	ThresholdCritical = 1

	// ThresholdWarning applies throttling below this value.
	ThresholdWarning = 10

	// ThresholdHealthy indicates normal operation at or above this value.
	ThresholdHealthy = 50
)

// RateLimitState is the last known state of one GitHub rate limit bucket.
type RateLimitState struct {
	// Resource is the bucket name from X-RateLimit-Resource (core, search, ...).
	Resource string `json:"resource"`

	// Limit is the maximum number of requests per window.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// Used is the number of requests made in the current window.
	Used int `json:"used"`

	// ResetAt is when the current window resets (X-RateLimit-Reset, epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests must wait for the window reset.
// A window whose reset time has passed is treated as replenished.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}
