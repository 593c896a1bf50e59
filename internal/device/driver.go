// Package device wires components A through H into the block-device
// surface of spec §6: Open/Submit/Sync/Close against one parcel, tying
// the chunk state machine to the keyring (via the user-message
// channel), the transform layer, and the hoard cache.
package device

import (
	"context"
	"fmt"
	"log/slog"

	"nexus/internal/chunkcache"
	"nexus/internal/coalescer"
	"nexus/internal/hoard"
	"nexus/internal/logging"
	"nexus/internal/nexus"
	"nexus/internal/scatter"
	"nexus/internal/transform"
	"nexus/internal/usermsg"
	"nexus/internal/workerpool"
)

// driver implements coalescer.ChunkDriver: it drives one reserved
// cache entry through whatever state-machine work a fragment needs,
// using the keyring (through the user-message channel), the hoard
// cache, and the transform suite.
type driver struct {
	log       *slog.Logger
	suite     transform.Suite
	chunkSize int
	allowed   nexus.CompressionMask
	preferred nexus.Compression

	parcel   int64
	keeper   *usermsg.Channel
	hoard    *hoard.Cache
	cacheRef *chunkcache.Cache
	pool     *workerpool.Pool
}

var _ coalescer.ChunkDriver = (*driver)(nil)

func newDriver(log *slog.Logger, suite transform.Suite, chunkSize int, allowed nexus.CompressionMask, preferred nexus.Compression, parcel int64, keeper *usermsg.Channel, hc *hoard.Cache, cache *chunkcache.Cache, pool *workerpool.Pool) *driver {
	return &driver{
		log:       logging.Default(log).With("component", "device.driver"),
		suite:     suite,
		chunkSize: chunkSize,
		allowed:   allowed,
		preferred: preferred,
		parcel:    parcel,
		keeper:    keeper,
		hoard:     hc,
		cacheRef:  cache,
		pool:      pool,
	}
}

// doIO runs fn on the worker pool's singleton IO goroutine and blocks
// the caller until it completes or ctx is done. Backing-store reads
// and writes are routed through this dedicated goroutine rather than
// the bounded per-CPU worker set (§4.E's COMPLETE_IO/CRYPTO classes)
// so that a worker already running a fragment's Service/Flush call
// never has to wait on another job competing for one of the same
// fixed worker slots — see DESIGN.md for why the other two classes
// and the REQUEST singleton are not used this way.
func (d *driver) doIO(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	d.pool.SubmitIO(func(ioCtx context.Context) {
		done <- fn(ioCtx)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nexus.NewError("device.driver", nexus.KindShutdown, ctx.Err())
	}
}

// Service implements coalescer.ChunkDriver. A miss (state INVALID)
// runs the full LOAD_META → META → LOAD_DATA → ENCRYPTED → DECRYPTING
// → VALID pipeline unless the fragment is a whole-chunk overwrite, per
// spec §4.D's tie-break ("a write covering the full chunk skips
// LOAD_DATA/DECRYPTING on a miss"). A hit (state VALID or DIRTY) goes
// straight to the copy step.
func (d *driver) Service(ctx context.Context, entry *chunkcache.Entry, write bool, chunkOff, length int, segments []coalescer.Segment) error {
	state := d.cacheStateOf(entry)
	wholeChunkWrite := write && chunkOff == 0 && length == d.chunkSize

	if state == chunkcache.StateInvalid {
		if wholeChunkWrite {
			d.cache().MarkWholeChunkUpdate()
			entry.Buffer().Reset()
			d.cache().Transition(entry, chunkcache.StateValid)
		} else if err := d.load(ctx, entry); err != nil {
			return err
		}
	} else if state == chunkcache.StateError {
		return nexus.NewError("device.Service", nexus.KindCorruption,
			fmt.Errorf("chunk %d is in an error state", entry.Index()))
	}

	if write {
		if err := entry.Buffer().CopyIn(chunkOff, toFragments(segments)); err != nil {
			return nexus.NewError("device.Service", nexus.KindBadInput, err)
		}
		d.cache().MarkDirty(entry)
		return nil
	}

	if err := entry.Buffer().CopyOut(chunkOff, toFragments(segments)); err != nil {
		return nexus.NewError("device.Service", nexus.KindBadInput, err)
	}
	return nil
}

// load runs the miss pipeline for entry: resolve metadata from the
// keeper, fetch backing ciphertext from the hoard (or synthesize an
// all-zero chunk for a never-written tag), decrypt, and land in VALID.
func (d *driver) load(ctx context.Context, entry *chunkcache.Entry) error {
	cache := d.cache()

	cache.Transition(entry, chunkcache.StateLoadMeta)
	reply, err := d.keeper.GetMeta(ctx, entry.Index())
	if err != nil {
		cache.MarkError(entry, chunkcache.FlagErrorUser)
		return err
	}
	cache.SetMeta(entry, reply.Tag, reply.Key, reply.Length, reply.Compression)

	if len(reply.Tag) == 0 {
		// Never written: spec §4.D's zero-length-ciphertext case reads
		// as zeros without backing I/O.
		cache.MarkEncryptedDiscard()
		entry.Buffer().Reset()
		cache.Transition(entry, chunkcache.StateValid)
		return nil
	}

	cache.Transition(entry, chunkcache.StateLoadData)
	var ciphertext []byte
	var found bool
	err = d.doIO(ctx, func(ioCtx context.Context) error {
		data, _, ok, gerr := d.hoard.Get(ioCtx, reply.Tag)
		ciphertext, found = data, ok
		return gerr
	})
	if err != nil {
		cache.MarkError(entry, chunkcache.FlagErrorIO)
		return err
	}
	if !found {
		// The keyring has a row for this chunk (reply.Tag is non-empty),
		// so a missing hoard entry is a referential-integrity failure,
		// not an unknown chunk index. KindNotFound is reserved for
		// indices outside the device's chunk range, which the coalescer
		// rejects before any fragment reaches the driver.
		cache.MarkError(entry, chunkcache.FlagErrorIO)
		return nexus.NewError("device.load", nexus.KindCorruption,
			fmt.Errorf("%w: tagged content absent from hoard for chunk %d", nexus.ErrCorruption, entry.Index()))
	}

	cache.Transition(entry, chunkcache.StateEncrypted)
	cache.Transition(entry, chunkcache.StateDecrypting)
	plaintext, err := d.suite.Decode(ciphertext, reply.Key, reply.Compression, d.chunkSize)
	if err != nil {
		cache.MarkError(entry, chunkcache.FlagErrorValid)
		return err
	}
	if err := entry.Buffer().SetBytes(plaintext); err != nil {
		cache.MarkError(entry, chunkcache.FlagErrorValid)
		return nexus.NewError("device.load", nexus.KindCorruption, err)
	}

	cache.Transition(entry, chunkcache.StateValid)
	return nil
}

// Flush implements coalescer.ChunkDriver: drives entry from DIRTY back
// to VALID by encrypting its buffer, storing the ciphertext in the
// hoard, and notifying the keeper of the new (tag, key), per spec
// §4.D's write-back pipeline DIRTY → DIRTY_META → STORE_META →
// STORE_DATA → VALID.
func (d *driver) Flush(ctx context.Context, entry *chunkcache.Entry) error {
	cache := d.cache()

	if cache.State(entry) != chunkcache.StateDirty {
		return nil // already flushed by a concurrent call
	}

	cache.Transition(entry, chunkcache.StateDirtyMeta)

	plaintext := entry.Buffer().Bytes()
	result, err := d.suite.Encode(plaintext, d.chunkSize, d.allowed, d.preferred)
	if err != nil {
		cache.MarkError(entry, chunkcache.FlagErrorValid)
		return err
	}

	cache.Transition(entry, chunkcache.StateStoreMeta)
	if _, err := d.keeper.UpdateMeta(ctx, entry.Index(), result.Length, result.Compression, result.Key, result.Tag); err != nil {
		cache.MarkError(entry, chunkcache.FlagErrorUser)
		return err
	}

	cache.Transition(entry, chunkcache.StateStoreData)
	if err := d.doIO(ctx, func(ioCtx context.Context) error {
		return d.hoard.Put(ioCtx, d.parcel, result.Tag, result.Ciphertext, d.suite.Name)
	}); err != nil {
		cache.MarkError(entry, chunkcache.FlagErrorIO)
		return err
	}

	cache.Transition(entry, chunkcache.StateValid)
	return nil
}

func (d *driver) cacheStateOf(e *chunkcache.Entry) chunkcache.State { return d.cache().State(e) }

func (d *driver) cache() *chunkcache.Cache { return d.cacheRef }

func toFragments(segs []coalescer.Segment) []scatter.Fragment {
	out := make([]scatter.Fragment, len(segs))
	for i, s := range segs {
		out[i] = scatter.Fragment{Page: s.Page, Offset: s.Offset, Length: s.Length}
	}
	return out
}
