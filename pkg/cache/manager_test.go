package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis starts an in-memory Redis for unit tests.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewManager(t *testing.T) {
	client, _ := setupTestRedis(t)

	manager := NewManager(client, 0)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
	if manager.Retention() != DefaultRetention {
		t.Errorf("Retention() = %v, want %v", manager.Retention(), DefaultRetention)
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, time.Hour)
}

func TestManager_SetAndGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := CacheKey{Endpoint: "/repos/octo/hello/issues"}
	entry := &CacheEntry{
		Data:       []byte(`[{"id":1}]`),
		ETag:       `"abc123"`,
		StatusCode: 200,
		Headers:    http.Header{"Link": []string{`<https://x?page=2>; rel="next"`}},
		CachedAt:   time.Now(),
	}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != string(entry.Data) {
		t.Errorf("Data = %s, want %s", got.Data, entry.Data)
	}
	if got.ETag != entry.ETag {
		t.Errorf("ETag = %s, want %s", got.ETag, entry.ETag)
	}
	if got.Headers.Get("Link") == "" {
		t.Error("Headers not round-tripped")
	}

	if ttl := mr.TTL(key.String()); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestManager_GetMiss(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	_, err := manager.Get(context.Background(), CacheKey{Endpoint: "/missing"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_GetInvalid(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	key := CacheKey{Endpoint: "/broken"}

	if err := mr.Set(key.String(), "not json"); err != nil {
		t.Fatal(err)
	}

	_, err := manager.Get(context.Background(), key)
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
}

func TestManager_TouchAndDelete(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	key := CacheKey{Endpoint: "/repos/octo/hello/events"}

	if err := manager.Set(ctx, key, &CacheEntry{Data: []byte(`[]`), ETag: `"e"`}); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(30 * time.Minute)
	if err := manager.Touch(ctx, key); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if ttl := mr.TTL(key.String()); ttl != time.Hour {
		t.Errorf("TTL after Touch = %v, want 1h", ttl)
	}

	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_SetNil(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	if err := manager.Set(context.Background(), CacheKey{Endpoint: "/x"}, nil); err == nil {
		t.Error("Set(nil) should fail")
	}
}
