// Package store implements a file-backed key-value store with an in-memory
// source of truth. Writers raise a dirty flag; a periodic flusher rewrites
// the whole file when the flag is set. Reads never touch disk after Load.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Store holds string-keyed records of type T under a single top-level TOML
// table. All access goes through the store lock.
type Store[T any] struct {
	mu     sync.Mutex
	path   string
	root   string
	data   map[string]T
	dirty  bool
	logger *slog.Logger
}

func New[T any](path, rootTable string, logger *slog.Logger) *Store[T] {
	return &Store[T]{
		path:   path,
		root:   rootTable,
		data:   make(map[string]T),
		logger: logger,
	}
}

// Load reads the backing file into memory. A missing file yields an empty
// store; a corrupt file is logged and replaced by an empty store so a bad
// shutdown never blocks startup.
func (s *Store[T]) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = make(map[string]T)
			s.logger.Info("No existing data file, starting fresh", "path", s.path)
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	document := map[string]map[string]T{}
	if err := toml.Unmarshal(raw, &document); err != nil {
		s.logger.Error("Corrupt data file, starting fresh", "path", s.path, "error", err)
		s.data = make(map[string]T)
		return nil
	}

	if table, ok := document[s.root]; ok && table != nil {
		s.data = table
	} else {
		s.data = make(map[string]T)
	}
	s.logger.Info("Loaded data file", "path", s.path, "records", len(s.data))
	return nil
}

// Get returns a single record by key.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Len returns the number of records.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// View runs fn with the live map under the store lock without marking the
// store dirty. fn must not retain the map.
func (s *Store[T]) View(fn func(map[string]T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

// Update runs fn with the live map under the store lock and marks the store
// dirty. fn must not retain the map.
func (s *Store[T]) Update(fn func(map[string]T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
	s.dirty = true
}

// Mutate runs fn with the live map under the store lock; the store is
// marked dirty only when fn reports a change. Used by callers whose
// mutations are conditional, so an unchanged store stays clean.
func (s *Store[T]) Mutate(fn func(map[string]T) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn(s.data) {
		s.dirty = true
	}
}

// Dirty reports whether unflushed changes exist.
func (s *Store[T]) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Flush rewrites the backing file if the dirty flag is set.
func (s *Store[T]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	document := map[string]map[string]T{s.root: s.data}
	raw, err := toml.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", s.path, err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}

	s.dirty = false
	s.logger.Debug("Data flushed to disk", "path", s.path, "records", len(s.data))
	return nil
}

// StartFlusher runs Flush on a fixed period until ctx is cancelled. A final
// flush runs on shutdown. Errors are logged and swallowed.
func (s *Store[T]) StartFlusher(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := s.Flush(); err != nil {
					s.logger.Error("Final flush failed", "path", s.path, "error", err)
				}
				return
			case <-ticker.C:
				if err := s.Flush(); err != nil {
					s.logger.Error("Periodic flush failed", "path", s.path, "error", err)
				}
			}
		}
	}()
}
