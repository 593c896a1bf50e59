// Package memory provides an in-memory config.Store implementation.
// Intended for testing. Configuration is not persisted across restarts.
package memory

import (
	"context"
	"sync"

	"nexus/internal/config"
)

// Store is an in-memory config.Store implementation.
type Store struct {
	mu  sync.RWMutex
	cfg *config.DeviceConfig
}

var _ config.Store = (*Store)(nil)

// NewStore creates a new in-memory config.Store.
func NewStore() *Store {
	return &Store{}
}

// Load returns a copy of the stored configuration, or nil if none has
// been saved yet.
func (s *Store) Load(ctx context.Context) (*config.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cfg == nil {
		return nil, nil
	}
	c := *s.cfg
	c.AllowedCompression = append([]string(nil), s.cfg.AllowedCompression...)
	return &c, nil
}

// Save stores a copy of cfg, replacing whatever was there.
func (s *Store) Save(ctx context.Context, cfg *config.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	c.AllowedCompression = append([]string(nil), cfg.AllowedCompression...)
	s.cfg = &c
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
