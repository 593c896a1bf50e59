// Package memory provides an in-memory keyring.Store implementation.
// Intended for testing; rows are not persisted across restarts.
package memory

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"

	"nexus/internal/keyring"
	"nexus/internal/nexus"
)

// Store is an in-memory keyring.Store implementation.
type Store struct {
	mu      sync.RWMutex
	rows    map[nexus.ChunkIndex]keyring.Row
	damaged bool
}

var _ keyring.Store = (*Store)(nil)

// NewStore creates a new in-memory keyring store.
func NewStore() *Store {
	return &Store{rows: make(map[nexus.ChunkIndex]keyring.Row)}
}

func (s *Store) Get(_ context.Context, index nexus.ChunkIndex) (keyring.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[index]
	return row, ok, nil
}

func (s *Store) Put(_ context.Context, row keyring.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.Chunk] = row
	return nil
}

func (s *Store) IterateRange(_ context.Context, start, end nexus.ChunkIndex) iter.Seq2[keyring.Row, error] {
	return func(yield func(keyring.Row, error) bool) {
		s.mu.RLock()
		indices := slices.Collect(maps.Keys(s.rows))
		rows := maps.Clone(s.rows)
		s.mu.RUnlock()

		slices.Sort(indices)
		for _, idx := range indices {
			if idx < start || idx >= end {
				continue
			}
			if !yield(rows[idx], nil) {
				return
			}
		}
	}
}

func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

func (s *Store) IsDamaged(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.damaged, nil
}

func (s *Store) SetDamaged(_ context.Context, damaged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.damaged = damaged
	return nil
}

func (s *Store) Close() error { return nil }
