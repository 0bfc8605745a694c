//go:build integration

package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_FullRequestFlow(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	var calls atomic.Int32
	reset := time.Now().Add(time.Hour).Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(5000-int(calls.Load())))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		if r.Header.Get("If-None-Match") == `"page-1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"page-1"`)
		w.Write([]byte(`[{"id":1,"updated_at":"2024-05-01T00:00:00Z"}]`))
	}))
	defer server.Close()

	cfg := DefaultConfig(redisClient, "gh-ingest-integration/1.0")
	cfg.BaseURL = server.URL
	cfg.RetryPolicy = fastPolicy
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()

	// First request populates the cache and the rate limit state.
	resp, err := c.Get(ctx, "/repos/octo/hello/issues")
	if err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	first, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	state, err := c.RateLimitState(ctx)
	if err != nil {
		t.Fatalf("RateLimitState() error = %v", err)
	}
	if state.Remaining != 4999 {
		t.Errorf("Remaining = %d, want 4999", state.Remaining)
	}

	u, _ := url.Parse(server.URL)
	key := cache.CacheKey{Host: u.Host, Endpoint: "/repos/octo/hello/issues"}
	if _, err := c.GetCache().Get(ctx, key); err != nil {
		t.Errorf("entry should be cached: %v", err)
	}

	// Second request is answered with 304 and served from Redis.
	resp, err = c.Get(ctx, "/repos/octo/hello/issues")
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	second, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(first) != string(second) {
		t.Errorf("cached body %q differs from original %q", second, first)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}

	state, _ = c.RateLimitState(ctx)
	if state.Remaining != 4998 {
		t.Errorf("Remaining after 304 = %d, want 4998", state.Remaining)
	}
}
