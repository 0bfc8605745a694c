package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/lib/pq"
)

// DefaultTable holds watermarks in Postgres.
const DefaultTable = "ingest_watermarks"

// PostgresStore keeps watermarks in a Postgres table keyed by resource.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a store on db. An empty table uses DefaultTable.
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}, nil
}

// EnsureSchema creates the watermark table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  key text PRIMARY KEY,
  kind text NOT NULL,
  value text NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create watermark table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, key string) (record.Watermark, bool, error) {
	if key == "" {
		return record.Watermark{}, false, ErrEmptyKey
	}

	var kind, value string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT kind, value FROM %s WHERE key = $1`, s.table), key).
		Scan(&kind, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Watermark{}, false, nil
	}
	if err != nil {
		return record.Watermark{}, false, fmt.Errorf("load watermark %s: %w", key, err)
	}

	wm, err := record.ParseWatermarkString(record.Kind(kind), value)
	if err != nil {
		return record.Watermark{}, false, fmt.Errorf("load watermark %s: %w", key, err)
	}
	return wm, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, key string, wm record.Watermark) error {
	if err := validate(key, wm); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (key, kind, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET
  kind = EXCLUDED.kind,
  value = EXCLUDED.value,
  updated_at = EXCLUDED.updated_at`, s.table),
		key, string(wm.Kind()), wm.String())
	if err != nil {
		return fmt.Errorf("save watermark %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("delete watermark %s: %w", key, err)
	}
	return nil
}
