package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	sinkRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_sink_rows_total",
		Help: "Rows written to Postgres by table and operation",
	}, []string{"table", "operation"})

	sinkUpsertDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_sink_upsert_duration_seconds",
		Help:    "Duration of one upsert batch by table",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"table"})
)

// Reserved columns of every sink table.
const (
	dataColumn     = "data"
	loadedAtColumn = "loaded_at"
)

// PostgresSink stores each record as JSONB next to its key columns.
// Tables are created on first use.
type PostgresSink struct {
	db     *sql.DB
	schema string
	logger zerolog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewPostgresSink creates a sink writing into schema (empty for the search path).
func NewPostgresSink(db *sql.DB, schema string, logger zerolog.Logger) (*PostgresSink, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &PostgresSink{
		db:      db,
		schema:  schema,
		logger:  logger,
		ensured: make(map[string]bool),
	}, nil
}

func (s *PostgresSink) qualified(table string) string {
	if s.schema == "" {
		return pq.QuoteIdentifier(table)
	}
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(table)
}

// Upsert writes records in one transaction and counts inserts and updates.
func (s *PostgresSink) Upsert(ctx context.Context, table string, keys []string, records []record.Record) (Stats, error) {
	if table == "" {
		return Stats{}, ErrNoTable
	}
	if len(keys) == 0 {
		return Stats{}, ErrNoKeys
	}
	for _, k := range keys {
		if k == dataColumn || k == loadedAtColumn {
			return Stats{}, fmt.Errorf("sink: key field %q collides with a reserved column", k)
		}
	}
	if len(records) == 0 {
		return Stats{}, nil
	}

	start := time.Now()
	if err := s.ensureTable(ctx, table, keys); err != nil {
		return Stats{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("begin upsert %s: %w", table, err)
	}
	defer tx.Rollback()

	query := upsertSQL(s.qualified(table), keys)

	var stats Stats
	for _, rec := range records {
		values, err := rec.KeyValues(keys)
		if err != nil {
			return Stats{}, fmt.Errorf("upsert %s: %w", table, err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return Stats{}, fmt.Errorf("upsert %s: encode record: %w", table, err)
		}

		args := make([]any, 0, len(values)+1)
		for _, v := range values {
			args = append(args, v)
		}
		args = append(args, string(data))

		var inserted bool
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&inserted); err != nil {
			return Stats{}, fmt.Errorf("upsert %s: %w", table, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("commit upsert %s: %w", table, err)
	}

	sinkRowsTotal.WithLabelValues(table, "inserted").Add(float64(stats.Inserted))
	sinkRowsTotal.WithLabelValues(table, "updated").Add(float64(stats.Updated))
	sinkUpsertDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())

	s.logger.Debug().
		Str("table", table).
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Dur("duration", time.Since(start)).
		Msg("Upserted batch")

	return stats, nil
}

// ensureTable creates the table once per sink.
func (s *PostgresSink) ensureTable(ctx context.Context, table string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured[table] {
		return nil
	}

	var stmts []string
	if s.schema != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(s.schema))
	}
	stmts = append(stmts, createTableSQL(s.qualified(table), keys))

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}

	s.ensured[table] = true
	s.logger.Info().Str("table", table).Strs("keys", keys).Msg("Ensured sink table")
	return nil
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pq.QuoteIdentifier(n)
	}
	return out
}

func createTableSQL(table string, keys []string) string {
	cols := make([]string, 0, len(keys)+2)
	for _, k := range quoteAll(keys) {
		cols = append(cols, k+" text NOT NULL")
	}
	cols = append(cols,
		dataColumn+" jsonb NOT NULL",
		loadedAtColumn+" timestamptz NOT NULL DEFAULT now()",
		"PRIMARY KEY ("+strings.Join(quoteAll(keys), ", ")+")",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", table, strings.Join(cols, ",\n  "))
}

// upsertSQL returns an INSERT whose RETURNING column is true for new rows.
// xmax is 0 only for a tuple that was inserted, not updated, in this transaction.
func upsertSQL(table string, keys []string) string {
	quoted := quoteAll(keys)
	placeholders := make([]string, 0, len(keys)+1)
	for i := range keys {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	placeholders = append(placeholders, fmt.Sprintf("$%d::jsonb", len(keys)+1))

	return fmt.Sprintf(`INSERT INTO %s (%s, %s, %s)
VALUES (%s, now())
ON CONFLICT (%s) DO UPDATE SET
  %s = EXCLUDED.%s,
  %s = EXCLUDED.%s
RETURNING (xmax = 0) AS inserted`,
		table, strings.Join(quoted, ", "), dataColumn, loadedAtColumn,
		strings.Join(placeholders, ", "),
		strings.Join(quoted, ", "),
		dataColumn, dataColumn,
		loadedAtColumn, loadedAtColumn)
}
