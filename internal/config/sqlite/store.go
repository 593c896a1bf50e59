// Package sqlite provides a SQLite-based config.Store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"nexus/internal/config"
)

// Store is a SQLite-based config.Store implementation, matching the
// teacher's config/sqlite single-connection, WAL-mode discipline.
type Store struct {
	db *sql.DB
}

var _ config.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the device configuration. Returns nil if none has been saved.
func (s *Store) Load(ctx context.Context) (*config.DeviceConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chunk_size, chunk_count, cache_entries, max_in_flight, suite,
		       allowed_compression, preferred_compression,
		       parcel_uuid, parcel_server, parcel_user, parcel_name,
		       index_path, data_path, keyring_path
		FROM device_config WHERE id = 1
	`)

	var cfg config.DeviceConfig
	var allowed string
	err := row.Scan(&cfg.ChunkSize, &cfg.ChunkCount, &cfg.CacheEntries, &cfg.MaxInFlight, &cfg.Suite,
		&allowed, &cfg.PreferredCompression,
		&cfg.ParcelUUID, &cfg.ParcelServer, &cfg.ParcelUser, &cfg.ParcelName,
		&cfg.IndexPath, &cfg.DataPath, &cfg.KeyringPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device config: %w", err)
	}
	if allowed != "" {
		cfg.AllowedCompression = strings.Split(allowed, ",")
	}
	return &cfg, nil
}

// Save persists cfg, replacing any prior configuration.
func (s *Store) Save(ctx context.Context, cfg *config.DeviceConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_config (
			id, chunk_size, chunk_count, cache_entries, max_in_flight, suite,
			allowed_compression, preferred_compression,
			parcel_uuid, parcel_server, parcel_user, parcel_name,
			index_path, data_path, keyring_path
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chunk_size             = excluded.chunk_size,
			chunk_count            = excluded.chunk_count,
			cache_entries          = excluded.cache_entries,
			max_in_flight          = excluded.max_in_flight,
			suite                  = excluded.suite,
			allowed_compression    = excluded.allowed_compression,
			preferred_compression  = excluded.preferred_compression,
			parcel_uuid            = excluded.parcel_uuid,
			parcel_server          = excluded.parcel_server,
			parcel_user            = excluded.parcel_user,
			parcel_name            = excluded.parcel_name,
			index_path             = excluded.index_path,
			data_path              = excluded.data_path,
			keyring_path           = excluded.keyring_path
	`, cfg.ChunkSize, cfg.ChunkCount, cfg.CacheEntries, cfg.MaxInFlight, cfg.Suite,
		strings.Join(cfg.AllowedCompression, ","), cfg.PreferredCompression,
		cfg.ParcelUUID, cfg.ParcelServer, cfg.ParcelUser, cfg.ParcelName,
		cfg.IndexPath, cfg.DataPath, cfg.KeyringPath)
	if err != nil {
		return fmt.Errorf("save device config: %w", err)
	}
	return nil
}
