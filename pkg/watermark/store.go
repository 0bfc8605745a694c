// Package watermark persists the per-resource watermark between runs.
package watermark

import (
	"context"
	"errors"
	"sync"

	"github.com/Sternrassler/github-ingest/pkg/record"
)

var (
	// ErrEmptyKey is returned for an empty resource key.
	ErrEmptyKey = errors.New("watermark key is empty")

	// ErrAbsent is returned when saving an absent watermark.
	ErrAbsent = errors.New("watermark is absent")
)

// Store loads and saves watermarks by resource key.
type Store interface {
	// Load returns the stored watermark; ok is false when none was saved.
	Load(ctx context.Context, key string) (wm record.Watermark, ok bool, err error)
	Save(ctx context.Context, key string, wm record.Watermark) error
	Delete(ctx context.Context, key string) error
}

func validate(key string, wm record.Watermark) error {
	if key == "" {
		return ErrEmptyKey
	}
	if wm.IsZero() {
		return ErrAbsent
	}
	return nil
}

// MemoryStore keeps watermarks in process memory. It is used by tests and
// dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	marks map[string]record.Watermark
	saves int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[string]record.Watermark)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (record.Watermark, bool, error) {
	if key == "" {
		return record.Watermark{}, false, ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wm, ok := s.marks[key]
	return wm, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, wm record.Watermark) error {
	if err := validate(key, wm); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[key] = wm
	s.saves++
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, key)
	return nil
}

// Saves returns how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
