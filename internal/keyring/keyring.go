// Package keyring defines the durable (tag, key, compression) mapping
// of spec §4.C: a transactional table keyed by chunk index, owned by
// the user-space keeper and reached by the kernel core only through
// the user-message channel (internal/usermsg).
package keyring

import (
	"context"
	"iter"

	"nexus/internal/nexus"
)

// Row is one persisted keyring entry, per the schema of spec §6:
// keys(chunk, tag, key, compression).
type Row struct {
	Chunk       nexus.ChunkIndex
	Tag         nexus.Tag
	Key         nexus.Key
	Compression nexus.Compression
}

// Store is the durable keyring table. Lookups happen on the hot read
// path and must be fast; updates happen on write-back (spec §4.C).
type Store interface {
	// Get returns the row for index, or ok=false if no row exists
	// ("missing" in spec §4.C — distinct from a zero-length ciphertext,
	// which is a row that exists with an empty Tag).
	Get(ctx context.Context, index nexus.ChunkIndex) (row Row, ok bool, err error)
	// Put atomically replaces the row for index.
	Put(ctx context.Context, row Row) error
	// IterateRange yields rows for chunk indices in [start, end) in
	// ascending order, for the hoard's validation pass and bulk import/
	// export tools.
	IterateRange(ctx context.Context, start, end nexus.ChunkIndex) iter.Seq2[Row, error]
	// Count returns the number of rows currently stored.
	Count(ctx context.Context) (int64, error)

	// IsDamaged reports the persistent "damaged" flag (spec §7): once
	// set by a write-path IoError/Corruption, uploads are blocked until
	// a full validation pass (hoard.Cache.Validate) clears it.
	IsDamaged(ctx context.Context) (bool, error)
	// SetDamaged sets or clears the damaged flag.
	SetDamaged(ctx context.Context, damaged bool) error

	// Close releases the store's resources.
	Close() error
}
