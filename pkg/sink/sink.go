// Package sink writes records to their destination with upsert semantics,
// so re-delivered records replace their earlier copy.
package sink

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/Sternrassler/github-ingest/pkg/record"
)

var (
	// ErrNoKeys is returned when no key fields are given.
	ErrNoKeys = errors.New("sink: no key fields")

	// ErrNoTable is returned for an empty table name.
	ErrNoTable = errors.New("sink: no table")
)

// Stats counts the rows written by an upsert.
type Stats struct {
	Inserted int
	Updated  int
}

// Add returns the sum of two Stats.
func (s Stats) Add(o Stats) Stats {
	return Stats{Inserted: s.Inserted + o.Inserted, Updated: s.Updated + o.Updated}
}

// Total returns the number of rows written.
func (s Stats) Total() int {
	return s.Inserted + s.Updated
}

// Sink upserts records into a table keyed by the given fields.
type Sink interface {
	Upsert(ctx context.Context, table string, keys []string, records []record.Record) (Stats, error)
}

// NormalizeName turns an API name such as "PushEvent" or "pull-requests"
// into a snake_case table name ("push_event", "pull_requests").
func NormalizeName(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = true
		default:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
			prevLower = false
		}
	}
	return strings.Trim(b.String(), "_")
}

// MemorySink keeps tables in memory. It is used by tests and dry runs.
type MemorySink struct {
	mu     sync.RWMutex
	tables map[string]map[string]record.Record
	calls  int
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{tables: make(map[string]map[string]record.Record)}
}

func (s *MemorySink) Upsert(ctx context.Context, table string, keys []string, records []record.Record) (Stats, error) {
	if table == "" {
		return Stats{}, ErrNoTable
	}
	if len(keys) == 0 {
		return Stats{}, ErrNoKeys
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	// Resolve every key before touching the table so a bad record writes nothing.
	ids := make([]string, len(records))
	for i, rec := range records {
		id, err := rec.Key(keys)
		if err != nil {
			return Stats{}, err
		}
		ids[i] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]record.Record)
		s.tables[table] = rows
	}

	var stats Stats
	for i, rec := range records {
		if _, exists := rows[ids[i]]; exists {
			stats.Updated++
		} else {
			stats.Inserted++
		}
		rows[ids[i]] = rec
	}
	return stats, nil
}

// Rows returns the records of a table ordered by key.
func (s *MemorySink) Rows(table string) []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.tables[table]
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, rows[id])
	}
	return out
}

// Tables returns the table names written so far, sorted.
func (s *MemorySink) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calls returns how many Upsert calls reached the sink.
func (s *MemorySink) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}
