package watermark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Load(ctx, "octo/hello/issues"); err != nil || ok {
		t.Fatalf("Load() on empty store = ok %v, err %v", ok, err)
	}

	first := record.TimeWatermark(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.Save(ctx, "octo/hello/issues", first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, ok, err := s.Load(ctx, "octo/hello/issues")
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v, err %v", ok, err)
	}
	if got.Compare(first) != 0 {
		t.Errorf("Load() = %s, want %s", got, first)
	}

	second := record.TimeWatermark(time.Date(2024, 2, 1, 8, 30, 0, 0, time.UTC))
	if err := s.Save(ctx, "octo/hello/issues", second); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}
	if got, _, _ := s.Load(ctx, "octo/hello/issues"); got.Compare(second) != 0 {
		t.Errorf("Load() after overwrite = %s, want %s", got, second)
	}

	num := record.NumberWatermark(987654321)
	if err := s.Save(ctx, "octo/hello/events", num); err != nil {
		t.Fatalf("Save() number error = %v", err)
	}
	if got, _, _ := s.Load(ctx, "octo/hello/events"); got.Kind() != record.KindNumber || got.Number() != 987654321 {
		t.Errorf("Load() number = %s (%s)", got, got.Kind())
	}

	if err := s.Delete(ctx, "octo/hello/issues"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := s.Load(ctx, "octo/hello/issues"); ok {
		t.Error("Load() after Delete should report absent")
	}

	if err := s.Save(ctx, "", first); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Save(empty key) error = %v, want ErrEmptyKey", err)
	}
	if err := s.Save(ctx, "k", record.Watermark{}); !errors.Is(err, ErrAbsent) {
		t.Errorf("Save(absent) error = %v, want ErrAbsent", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	if s.Saves() != 3 {
		t.Errorf("Saves() = %d, want 3", s.Saves())
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseStore(t, NewRedisStore(client))

	if !mr.Exists(RedisKey("octo/hello/events")) {
		t.Error("watermark key not written")
	}
	if ttl := mr.TTL(RedisKey("octo/hello/events")); ttl != 0 {
		t.Errorf("watermark must not expire, TTL = %v", ttl)
	}
}

func TestRedisStore_CorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if err := mr.Set(RedisKey("bad"), `{"kind":"time","value":"yesterday"}`); err != nil {
		t.Fatal(err)
	}
	_, _, err := NewRedisStore(client).Load(context.Background(), "bad")
	if !errors.Is(err, record.ErrInvalidWatermark) {
		t.Errorf("Load() error = %v, want ErrInvalidWatermark", err)
	}
}
