package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sternrassler/github-ingest/pkg/config"
	"github.com/Sternrassler/github-ingest/pkg/logging"
	"github.com/Sternrassler/github-ingest/pkg/metrics"
	"github.com/Sternrassler/github-ingest/pkg/sink"
	"github.com/Sternrassler/github-ingest/pkg/watermark"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// backends holds the connections opened for one command.
type backends struct {
	redis *redis.Client
	db    *sql.DB
}

// openBackends connects to the configured Redis and Postgres. Either may be
// absent.
func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.redis = redis.NewClient(opt)
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info().Str("addr", opt.Addr).Msg("Connected to Redis")
	}

	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.db = db
		if err := db.PingContext(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		logger.Info().Msg("Connected to Postgres")
	}

	return b, nil
}

// watermarkStore opens the configured store.
func (b *backends) watermarkStore(ctx context.Context, cfg *config.Config) (watermark.Store, error) {
	switch cfg.StoreBackend() {
	case config.StoreRedis:
		if b.redis == nil {
			return nil, errors.New("redis watermark store needs redis.url")
		}
		return watermark.NewRedisStore(b.redis), nil
	case config.StorePostgres:
		if b.db == nil {
			return nil, errors.New("postgres watermark store needs postgres.dsn")
		}
		s, err := watermark.NewPostgresStore(b.db, cfg.Postgres.WatermarkTable)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return watermark.NewMemoryStore(), nil
	}
}

// recordSink opens the destination for records. Without Postgres, or in a
// dry run, records are kept in memory.
func (b *backends) recordSink(cfg *config.Config, dryRun bool, logger zerolog.Logger) (sink.Sink, error) {
	if dryRun || b.db == nil {
		if !dryRun {
			logger.Warn().Msg("No postgres.dsn configured, records are kept in memory only")
		}
		return sink.NewMemorySink(), nil
	}
	return sink.NewPostgresSink(b.db, cfg.Postgres.Schema, logging.NewLogger("sink"))
}

func (b *backends) healthChecks() map[string]metrics.HealthCheck {
	checks := make(map[string]metrics.HealthCheck)
	if b.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
	}
	if b.db != nil {
		checks["postgres"] = b.db.PingContext
	}
	return checks
}

// Close closes every open connection.
func (b *backends) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}
