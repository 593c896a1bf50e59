package coalescer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"nexus/internal/chunkcache"
	"nexus/internal/logging"
	"nexus/internal/nexus"
	"nexus/internal/workerpool"
)

// ChunkDriver services one fragment of a request against a reserved
// cache entry. Implementations live in internal/device, which wires
// the chunk state machine, the keyring, and the transform layer
// together; the coalescer itself only knows about fragmenting,
// reserving, and aggregating.
type ChunkDriver interface {
	// Service drives entry's chunk through whatever state-machine work
	// is needed to satisfy this fragment (a miss load, a whole-chunk
	// overwrite, an in-place write into VALID plaintext, ...) and
	// copies bytes in or out of the given segments at chunkOff.
	Service(ctx context.Context, entry *chunkcache.Entry, write bool, chunkOff, length int, segments []Segment) error

	// Flush drives entry from DIRTY back to VALID via a write-back
	// cycle, blocking until it completes or fails.
	Flush(ctx context.Context, entry *chunkcache.Entry) error
}

// Coalescer implements spec §4.F: it splits requests into per-chunk
// fragments, reserves their cache entries atomically, dispatches each
// fragment to the worker pool's UPDATE_CHUNK queue, and aggregates
// completion with most-severe-error-wins semantics.
type Coalescer struct {
	log        *slog.Logger
	cache      *chunkcache.Cache
	pool       *workerpool.Pool
	driver     ChunkDriver
	chunkSize  int
	chunkCount int64

	// inFlight bounds concurrent in-flight fragments across all
	// requests on this device, so a burst of large requests cannot
	// unboundedly fan out UPDATE_CHUNK jobs.
	inFlight *semaphore.Weighted
}

// New constructs a Coalescer. maxInFlight bounds concurrent in-flight
// fragments across all requests on the device; Request.validate
// separately bounds each request's segment count (MaxSegments), not
// its fragment count. chunkCount is the device's total chunk
// count, used to reject out-of-range requests with KindNotFound before
// they reach the keyring; a non-positive chunkCount disables the check,
// for callers that have not yet been wired with a device-wide bound.
func New(cache *chunkcache.Cache, pool *workerpool.Pool, driver ChunkDriver, chunkSize int, chunkCount int64, maxInFlight int, logger *slog.Logger) *Coalescer {
	return &Coalescer{
		log:        logging.Default(logger).With("component", "coalescer"),
		cache:      cache,
		pool:       pool,
		driver:     driver,
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		inFlight:   semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// checkChunkBounds rejects a request whose range reaches a chunk index
// at or beyond chunkCount, the only place a request's chunk range is
// checked against the device's declared size before fragmenting and
// reserving cache entries for it.
func (c *Coalescer) checkChunkBounds(req Request) error {
	if c.chunkCount <= 0 {
		return nil
	}
	_, end := req.ByteRange()
	lastChunk := nexus.ChunkIndex((end - 1) / int64(c.chunkSize))
	if int64(lastChunk) >= c.chunkCount {
		return nexus.NewError("coalescer.Submit", nexus.KindNotFound,
			fmt.Errorf("%w: chunk %d is outside the device's %d chunks", nexus.ErrNotFound, lastChunk, c.chunkCount))
	}
	return nil
}

// Submit services req to completion, returning the most severe
// fragment error (nil if every fragment succeeded). A write's
// completion is reported once every touched chunk reaches DIRTY (or
// VALID, for a pure read), not after any write-back — durability is
// provided only by Sync.
func (c *Coalescer) Submit(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}

	if err := c.checkChunkBounds(req); err != nil {
		return err
	}

	frags, err := planFragments(req, c.chunkSize)
	if err != nil {
		return err
	}

	indices := make([]nexus.ChunkIndex, len(frags))
	for i, f := range frags {
		indices[i] = f.chunk
	}

	entries, err := c.cache.Reserve(ctx, indices)
	if err != nil {
		return err
	}
	defer c.cache.Release(entries)

	var (
		mu    sync.Mutex
		worst error
		wg    sync.WaitGroup
	)

	for i, f := range frags {
		if err := c.inFlight.Acquire(ctx, 1); err != nil {
			mu.Lock()
			worst = nexus.MostSevere(worst, nexus.NewError("coalescer.Submit", nexus.KindShutdown, err))
			mu.Unlock()
			continue
		}

		entry := entries[i]
		f := f
		wg.Add(1)
		c.pool.Submit(workerpool.ClassUpdateChunk, func(jctx context.Context, ts *workerpool.TransformState) {
			defer wg.Done()
			defer c.inFlight.Release(1)

			ferr := c.driver.Service(jctx, entry, req.Write, f.chunkOff, f.length, f.segments)
			if ferr != nil {
				mu.Lock()
				worst = nexus.MostSevere(worst, ferr)
				mu.Unlock()
			}
		})
	}

	wg.Wait()

	if worst != nil {
		c.log.Warn("request completed with error", "kind", nexus.KindOf(worst))
	}
	return worst
}

// Sync blocks until every currently-DIRTY entry in the cache reaches
// VALID, the explicit durability action of spec §4.F ("Write-through
// semantics are NOT required ... durability is provided by an explicit
// sync action which blocks until every DIRTY entry reaches VALID").
func (c *Coalescer) Sync(ctx context.Context) error {
	dirty := c.cache.DirtyEntries()
	if len(dirty) == 0 {
		return nil
	}

	var (
		mu    sync.Mutex
		worst error
		wg    sync.WaitGroup
	)
	for _, e := range dirty {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.driver.Flush(ctx, e); err != nil {
				mu.Lock()
				worst = nexus.MostSevere(worst, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return worst
}
