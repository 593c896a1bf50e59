// Package hoard implements the hoard cache of spec §4.H: a
// content-addressed, on-disk slot pool shared by every parcel on the
// host, backed by a sqlite index and a sector-addressed slot file.
package hoard

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"nexus/internal/keyring"
	"nexus/internal/logging"
	"nexus/internal/nexus"
	"nexus/internal/transform/digest"
)

// overlaySlot is a recently-allocated slot not yet flushed to the
// chunks table.
type overlaySlot struct {
	tag        nexus.Tag
	offset     int64
	length     int
	crypto     nexus.Suite
	lastAccess int64
	referenced bool
	data       []byte
}

// Cache is the hoard cache: the durable chunks/parcels/refs schema
// plus the transient in-memory overlay of spec §4.H.
type Cache struct {
	log *slog.Logger

	db   *sql.DB
	file *slotFile
	lock *fileLock

	chunkSize       int
	minHoardedChunks int

	mu      sync.Mutex
	overlay map[string]*overlaySlot // keyed by string(tag)
}

// Config configures a Cache at construction.
type Config struct {
	// IndexPath is the sqlite index file path.
	IndexPath string
	// DataPath is the slot data file path.
	DataPath string
	// ChunkSize is the device's chunk size in bytes; slots never
	// exceed this length.
	ChunkSize int
	// MinHoardedChunks is the slot-count floor eviction must not cross
	// (spec §4.H slot allocation policy step 2), grounded on hoard.c's
	// configurable hoard_set_minsize.
	MinHoardedChunks int
	Logger           *slog.Logger
}

// Open constructs a Cache, opening (and migrating) the sqlite index
// and opening the slot data file under a shared lock.
func Open(cfg Config) (*Cache, error) {
	if dir := filepath.Dir(cfg.IndexPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create hoard directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("open hoard index: %w", err)
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
		return nil, fmt.Errorf("run hoard migrations: %w", err)
	}

	sf, err := openSlotFile(cfg.DataPath, cfg.ChunkSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	lock := newFileLock(sf.f)
	if err := lock.lockShared(); err != nil {
		db.Close()
		sf.close()
		return nil, err
	}

	return &Cache{
		log:              logging.Default(cfg.Logger).With("component", "hoard"),
		db:               db,
		file:             sf,
		lock:             lock,
		chunkSize:        cfg.ChunkSize,
		minHoardedChunks: cfg.MinHoardedChunks,
		overlay:          make(map[string]*overlaySlot),
	}, nil
}

// Close releases the hoard file lock and closes the index and data file.
func (c *Cache) Close() error {
	c.lock.unlock()
	c.file.close()
	return c.db.Close()
}

func tagKey(tag nexus.Tag) string { return string(tag) }

// Get looks up tag in the overlay, then in the chunks table. On a hit
// it updates last_access and verifies hash(data) == tag, invalidating
// safely on mismatch (spec §4.H).
func (c *Cache) Get(ctx context.Context, tag nexus.Tag) (data []byte, length int, found bool, err error) {
	key := tagKey(tag)

	c.mu.Lock()
	if slot, ok := c.overlay[key]; ok {
		slot.lastAccess = time.Now().Unix()
		data := append([]byte(nil), slot.data...)
		length := slot.length
		c.mu.Unlock()
		return data, length, true, nil
	}
	c.mu.Unlock()

	var offset int64
	var length64 int64
	err = nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		e := c.db.QueryRowContext(ctx,
			`SELECT offset, length FROM chunks WHERE tag = ?`, []byte(tag)).Scan(&offset, &length64)
		if e == sql.ErrNoRows {
			found = false
			return nil
		}
		if e == nil {
			found = true
		}
		return classifyBusy(e)
	})
	if err != nil || !found {
		return nil, 0, false, err
	}

	data, err = c.file.readAt(offset, int(length64))
	if err != nil {
		return nil, 0, false, err
	}

	sum := digest.Sum(digest.SHA1, data)
	if !bytes.Equal(sum, []byte(tag)) {
		c.log.Warn("hoard slot failed verification on read, invalidating", "offset", offset)
		if ierr := c.Invalidate(ctx, offset, tag); ierr != nil {
			c.log.Warn("failed to invalidate corrupt hoard slot", "error", ierr)
		}
		return nil, 0, false, nexus.NewError("hoard.Get", nexus.KindCorruption, nexus.ErrCorruption)
	}

	_ = nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		_, e := c.db.ExecContext(ctx, `UPDATE chunks SET last_access = ? WHERE offset = ?`, time.Now().Unix(), offset)
		return classifyBusy(e)
	})

	return data, int(length64), true, nil
}

func (c *Cache) rowExists(ctx context.Context, tag nexus.Tag) (bool, error) {
	var n int
	err := nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		e := c.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks WHERE tag = ?`, []byte(tag)).Scan(&n)
		return classifyBusy(e)
	})
	return n > 0, err
}

// Put stores data under tag if absent, else makes parcel a
// reference-holder of the existing slot. parcel is a parcel row id;
// callers that have not yet registered their parcel should do so via
// RegisterParcel first.
func (c *Cache) Put(ctx context.Context, parcel int64, tag nexus.Tag, data []byte, crypto nexus.Suite) error {
	key := tagKey(tag)

	c.mu.Lock()
	if _, ok := c.overlay[key]; ok {
		c.mu.Unlock()
		return c.addRef(ctx, parcel, tag)
	}
	c.mu.Unlock()

	if found, err := c.rowExists(ctx, tag); err != nil {
		return err
	} else if found {
		return c.addRef(ctx, parcel, tag)
	}

	offset, err := c.allocateSlot(ctx, len(data))
	if err != nil {
		return err
	}
	if err := c.file.writeAt(offset, data); err != nil {
		return err
	}

	c.mu.Lock()
	c.overlay[key] = &overlaySlot{
		tag: tag, offset: offset, length: len(data), crypto: crypto,
		lastAccess: time.Now().Unix(), referenced: true,
		data: append([]byte(nil), data...),
	}
	c.mu.Unlock()

	return c.addRef(ctx, parcel, tag)
}

func (c *Cache) addRef(ctx context.Context, parcel int64, tag nexus.Tag) error {
	return nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO refs (parcel, tag) VALUES (?, ?) ON CONFLICT(parcel, tag) DO NOTHING`,
			parcel, []byte(tag))
		return classifyBusy(err)
	})
}

// allocateSlot implements §4.H's slot allocation policy: (1) reuse
// unallocated slots; (2) LRU-evict referenced=0 slots, respecting
// min_hoarded_chunks; (3) extend the pool.
func (c *Cache) allocateSlot(ctx context.Context, length int) (int64, error) {
	var offset int64
	err := nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return classifyBusy(err)
		}
		defer tx.Rollback()

		// Step 1: an unallocated slot (tag IS NULL).
		row := tx.QueryRowContext(ctx, `SELECT offset FROM chunks WHERE tag IS NULL AND referenced = 0 LIMIT 1`)
		if err := row.Scan(&offset); err == nil {
			return tx.Commit()
		} else if err != sql.ErrNoRows {
			return classifyBusy(err)
		}

		// Step 2: LRU-evict an unreferenced allocated slot, respecting
		// the configured floor.
		var total int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM chunks`).Scan(&total); err != nil {
			return classifyBusy(err)
		}
		if total > c.minHoardedChunks {
			row := tx.QueryRowContext(ctx,
				`SELECT offset FROM chunks WHERE referenced = 0 AND tag IS NOT NULL ORDER BY last_access ASC LIMIT 1`)
			if err := row.Scan(&offset); err == nil {
				if _, err := tx.ExecContext(ctx, `UPDATE chunks SET tag = NULL, referenced = 0 WHERE offset = ?`, offset); err != nil {
					return classifyBusy(err)
				}
				return tx.Commit()
			} else if err != sql.ErrNoRows {
				return classifyBusy(err)
			}
		}

		// Step 3: extend the pool. Offsets are rounded up to
		// chunksize/512 steps (spec §6).
		stepSectors := int64(c.chunkSize / sectorSize)
		var maxOffset sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT max(offset) FROM chunks`).Scan(&maxOffset); err != nil {
			return classifyBusy(err)
		}
		next := int64(0)
		if maxOffset.Valid {
			next = maxOffset.Int64 + stepSectors
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (tag, offset, length, crypto, last_access, referenced) VALUES (NULL, ?, 0, 0, 0, 0)`,
			next); err != nil {
			return classifyBusy(err)
		}
		offset = next
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if err := c.file.truncateToSectors(offset + int64((length+sectorSize-1)/sectorSize)); err != nil {
		return 0, err
	}
	return offset, nil
}

// SyncRefs atomically drops parcel's references to tags not in
// liveTags, adds references for tags present in both the cache and
// liveTags, and clears the referenced bit on chunks that lost their
// last reference.
func (c *Cache) SyncRefs(ctx context.Context, parcel int64, liveTags []nexus.Tag) error {
	live := make(map[string]bool, len(liveTags))
	for _, t := range liveTags {
		live[string(t)] = true
	}

	return nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return classifyBusy(err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `SELECT tag FROM refs WHERE parcel = ?`, parcel)
		if err != nil {
			return classifyBusy(err)
		}
		var toDrop [][]byte
		for rows.Next() {
			var tag []byte
			if err := rows.Scan(&tag); err != nil {
				rows.Close()
				return classifyBusy(err)
			}
			if !live[string(tag)] {
				toDrop = append(toDrop, tag)
			}
		}
		rows.Close()

		for _, tag := range toDrop {
			if _, err := tx.ExecContext(ctx, `DELETE FROM refs WHERE parcel = ? AND tag = ?`, parcel, tag); err != nil {
				return classifyBusy(err)
			}
			var remaining int
			if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM refs WHERE tag = ?`, tag).Scan(&remaining); err != nil {
				return classifyBusy(err)
			}
			if remaining == 0 {
				if _, err := tx.ExecContext(ctx, `UPDATE chunks SET referenced = 0 WHERE tag = ?`, tag); err != nil {
					return classifyBusy(err)
				}
			}
		}

		for tag := range live {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM chunks WHERE tag = ?`, []byte(tag)).Scan(&n); err != nil {
				return classifyBusy(err)
			}
			if n == 0 {
				continue // not resident in this hoard; nothing to reference
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO refs (parcel, tag) VALUES (?, ?) ON CONFLICT(parcel, tag) DO NOTHING`,
				parcel, []byte(tag)); err != nil {
				return classifyBusy(err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE chunks SET referenced = 1 WHERE tag = ?`, []byte(tag)); err != nil {
				return classifyBusy(err)
			}
		}

		return tx.Commit()
	})
}

// Invalidate zeroes the row at offset only if its tag still matches,
// guarding against a reclaim-then-reuse race after a bad read.
func (c *Cache) Invalidate(ctx context.Context, offset int64, tag nexus.Tag) error {
	return nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		res, err := c.db.ExecContext(ctx,
			`UPDATE chunks SET tag = NULL, length = 0, crypto = 0, referenced = 0 WHERE offset = ? AND tag = ?`,
			offset, []byte(tag))
		if err != nil {
			return classifyBusy(err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			c.log.Debug("invalidate no-op: offset/tag no longer matches", "offset", offset)
		}
		return nil
	})
}

// RegisterParcel inserts (or finds) a parcels row for uuid, returning
// its parcel id.
func (c *Cache) RegisterParcel(ctx context.Context, uuid, server, user, name string) (int64, error) {
	var id int64
	err := nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO parcels (uuid, server, user, name) VALUES (?, ?, ?, ?) ON CONFLICT(uuid) DO NOTHING`,
			uuid, server, user, name)
		if err != nil {
			return classifyBusy(err)
		}
		return classifyBusy(c.db.QueryRowContext(ctx, `SELECT parcel FROM parcels WHERE uuid = ?`, uuid).Scan(&id))
	})
	return id, err
}

// FlushOverlay transactionally installs every overlay row into chunks,
// per spec §4.H: on a unique-offset conflict (another parcel stole the
// slot first) the reservation is released and the overlay row dropped;
// otherwise the slot's chunks row is committed with its tag. Refs rows
// are not written here: Put records them when it adds the overlay row.
func (c *Cache) FlushOverlay(ctx context.Context) error {
	c.mu.Lock()
	slots := make([]*overlaySlot, 0, len(c.overlay))
	keys := make([]string, 0, len(c.overlay))
	for k, s := range c.overlay {
		slots = append(slots, s)
		keys = append(keys, k)
	}
	c.mu.Unlock()

	if len(slots) == 0 {
		return nil
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].offset < slots[j].offset })

	dropped := make(map[string]bool)
	err := nexus.Do(ctx, nexus.DefaultRetryBudget, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return classifyBusy(err)
		}
		defer tx.Rollback()

		for _, s := range slots {
			res, err := tx.ExecContext(ctx,
				`UPDATE chunks SET tag = ?, length = ?, crypto = ?, last_access = ?, referenced = 1
				 WHERE offset = ? AND tag IS NULL`,
				[]byte(s.tag), s.length, int(s.crypto), s.lastAccess, s.offset)
			if err != nil {
				if isUniqueConflict(err) {
					dropped[tagKey(s.tag)] = true
					continue
				}
				return classifyBusy(err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				// Offset was already claimed by another parcel: release
				// this overlay row without error.
				dropped[tagKey(s.tag)] = true
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, k := range keys {
		delete(c.overlay, k)
	}
	c.mu.Unlock()

	if len(dropped) > 0 {
		c.log.Warn("overlay flush dropped slots claimed by another parcel", "count", len(dropped))
	}
	return nil
}

// Validate walks every row in keys, re-verifies that hoard content
// backing its tag still exists and re-hashes intact, and clears keys's
// damaged flag only if every row passes (spec §7, "damaged flag ...
// prevents uploads until a full validation pass clears it"; grounded
// in hoard.c's ls_validate). A row whose tag is missing from the hoard
// entirely is not itself a validation failure: the chunk may simply
// never have been hoarded locally. Only a hash mismatch on backing
// content that IS present counts as corruption.
func (c *Cache) Validate(ctx context.Context, keys keyring.Store) error {
	clean := true
	var checked, failed int64
	for row, err := range keys.IterateRange(ctx, 0, math.MaxInt64) {
		if err != nil {
			return err
		}
		if len(row.Tag) == 0 {
			continue // never written: no backing ciphertext to verify
		}
		checked++
		if _, _, found, err := c.Get(ctx, row.Tag); err != nil {
			if nexus.KindOf(err) == nexus.KindCorruption {
				clean = false
				failed++
				continue
			}
			return err
		} else if !found {
			continue // not resident locally; nothing to verify yet
		}
	}

	c.log.Info("hoard validation pass complete", "checked", checked, "failed", failed, "clean", clean)

	if clean {
		return keys.SetDamaged(ctx, false)
	}
	return nexus.NewError("hoard.Validate", nexus.KindCorruption,
		fmt.Errorf("%w: %d of %d checked rows failed verification", nexus.ErrCorruption, failed, checked))
}

func isUniqueConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func classifyBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return nexus.NewError("hoard", nexus.KindBusy, err)
	}
	return nexus.NewError("hoard", nexus.KindIoError, err)
}
