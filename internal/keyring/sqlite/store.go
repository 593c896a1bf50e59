// Package sqlite provides a SQLite-based keyring.Store implementation,
// owned by the user-space keeper per spec §4.C.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"nexus/internal/keyring"
	"nexus/internal/nexus"
)

// Store is a SQLite-based keyring.Store implementation.
type Store struct {
	db *sql.DB
}

var _ keyring.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create keyring directory: %w", err)
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
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// isBusy classifies a sqlite busy/locked error as §7's KindBusy, so
// callers can retry with nexus.Do instead of surfacing it.
func isBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return nexus.NewError("keyring.sqlite", nexus.KindBusy, err)
	}
	return err
}

func (s *Store) Get(ctx context.Context, index nexus.ChunkIndex) (keyring.Row, bool, error) {
	var row keyring.Row
	var found bool
	err := nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		var tag, key []byte
		var compression int
		e := s.db.QueryRowContext(ctx,
			`SELECT chunk, tag, key, compression FROM keys WHERE chunk = ?`, int64(index),
		).Scan(&row.Chunk, &tag, &key, &compression)
		if e == sql.ErrNoRows {
			found = false
			return nil
		}
		if e != nil {
			return isBusy(fmt.Errorf("get chunk %d: %w", index, e))
		}
		row.Tag = tag
		row.Key = key
		row.Compression = nexus.Compression(compression)
		found = true
		return nil
	})
	if err != nil || !found {
		return keyring.Row{}, false, err
	}
	return row, true, nil
}

func (s *Store) Put(ctx context.Context, row keyring.Row) error {
	return nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO keys (chunk, tag, key, compression) VALUES (?, ?, ?, ?)
			 ON CONFLICT(chunk) DO UPDATE SET tag = excluded.tag, key = excluded.key, compression = excluded.compression`,
			int64(row.Chunk), []byte(row.Tag), []byte(row.Key), int(row.Compression),
		)
		if err != nil {
			return isBusy(fmt.Errorf("put chunk %d: %w", row.Chunk, err))
		}
		return nil
	})
}

func (s *Store) IterateRange(ctx context.Context, start, end nexus.ChunkIndex) iter.Seq2[keyring.Row, error] {
	return func(yield func(keyring.Row, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT chunk, tag, key, compression FROM keys WHERE chunk >= ? AND chunk < ? ORDER BY chunk`,
			int64(start), int64(end))
		if err != nil {
			yield(keyring.Row{}, isBusy(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row keyring.Row
			var tag, key []byte
			var compression int
			if err := rows.Scan(&row.Chunk, &tag, &key, &compression); err != nil {
				if !yield(keyring.Row{}, err) {
					return
				}
				continue
			}
			row.Tag = tag
			row.Key = key
			row.Compression = nexus.Compression(compression)
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(keyring.Row{}, err)
		}
	}
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM keys`).Scan(&count)
	if err != nil {
		return 0, isBusy(err)
	}
	return count, nil
}

func (s *Store) IsDamaged(ctx context.Context) (bool, error) {
	var damaged int
	err := s.db.QueryRowContext(ctx, `SELECT damaged FROM keyring_meta WHERE id = 0`).Scan(&damaged)
	if err != nil {
		return false, isBusy(err)
	}
	return damaged != 0, nil
}

func (s *Store) SetDamaged(ctx context.Context, damaged bool) error {
	v := 0
	if damaged {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE keyring_meta SET damaged = ? WHERE id = 0`, v)
	if err != nil {
		return isBusy(err)
	}
	return nil
}
