package chunkcache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nexus/internal/callgroup"
	"nexus/internal/logging"
	"nexus/internal/nexus"
	"nexus/internal/scatter"
)

// Cache is the fixed-size arena of cache entries, §4.D's core: a
// chunk-index→entry hash table, an LRU list of evictable entries, and
// the reservation/eviction logic the request coalescer drives.
type Cache struct {
	log *slog.Logger

	chunkSize int

	mu      sync.Mutex
	cond    *sync.Cond
	entries []*Entry
	byIndex map[nexus.ChunkIndex]*Entry
	lru     *list.List // of *Entry, most-recently-used at Back
	stats   Stats

	// build deduplicates concurrent LOAD_META/LOAD_DATA/DECRYPTING work
	// for the same chunk index, so multiple requests on a miss share
	// one build per spec §4.D's at-most-one-build rule.
	build callgroup.Group[nexus.ChunkIndex]

	// writeBack drives a DIRTY entry back to VALID; Reserve calls it
	// under reservation pressure when nothing free or evictable is
	// found, per rule 2 ("DIRTY entries are written back before
	// becoming eligible"). Installed by SetWriteBack; nil until then.
	writeBack func(ctx context.Context, e *Entry) error
}

// SetWriteBack installs the function Reserve uses to flush a DIRTY
// entry so it can be reclaimed, breaking the deadlock that rule 2
// would otherwise create once every arena entry is DIRTY and no
// Sync has run. device.Open wires this to the driver's Flush.
func (c *Cache) SetWriteBack(fn func(ctx context.Context, e *Entry) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeBack = fn
}

// New allocates a Cache with the given number of cache entries, each
// sized to hold one chunkSize-byte chunk.
func New(numEntries, chunkSize int, logger *slog.Logger) *Cache {
	c := &Cache{
		log:       logging.Default(logger).With("component", "chunkcache"),
		chunkSize: chunkSize,
		entries:   make([]*Entry, numEntries),
		byIndex:   make(map[nexus.ChunkIndex]*Entry, numEntries),
		lru:       list.New(),
	}
	c.cond = sync.NewCond(&c.mu)
	for i := range c.entries {
		c.entries[i] = newEntry(chunkSize)
	}
	return c
}

// NumEntries is the arena's fixed entry count (the device's
// cache_entries configuration value).
func (c *Cache) NumEntries() int { return len(c.entries) }

// Reserve obtains a reservation on the cache entry for every index, in
// chunk-index order, atomically: either all succeed or none do. This
// is the single global acquisition the reservation rule of §4.D
// requires to avoid deadlock between requests with overlapping chunk
// sets. ctx cancellation unparks a waiting caller.
func (c *Cache) Reserve(ctx context.Context, indices []nexus.ChunkIndex) ([]*Entry, error) {
	sorted := append([]nexus.ChunkIndex(nil), indices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, nexus.NewError("chunkcache.Reserve", nexus.KindShutdown, err)
		}

		if entries, ok := c.tryReserveLocked(sorted); ok {
			return c.toRequestOrder(indices, sorted, entries), nil
		}

		if e, ok := c.pickWriteBackLocked(); ok {
			writeBack := c.writeBack
			c.mu.Unlock()
			err := writeBack(ctx, e)
			c.mu.Lock()
			e.flushing = false
			c.cond.Broadcast()
			if err != nil {
				c.log.Warn("eviction write-back failed", "chunk", e.index, "error", err)
			}
			continue
		}

		c.cond.Wait()
	}
}

// pickWriteBackLocked finds the least-recently-used DIRTY entry not
// already being flushed and marks it flushing, so Reserve can release
// the lock and write it back instead of parking forever behind an
// arena full of dirty entries. Returns false if writeBack is unset or
// no DIRTY entry is eligible.
func (c *Cache) pickWriteBackLocked() (*Entry, bool) {
	if c.writeBack == nil {
		return nil, false
	}
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		if e.state == StateDirty && !e.flushing {
			e.flushing = true
			return e, true
		}
	}
	return nil, false
}

// tryReserveLocked attempts one all-or-nothing reservation pass over
// sorted indices. On success every returned entry has reservations
// incremented and is removed from the LRU list. On failure the cache
// state is left unchanged.
func (c *Cache) tryReserveLocked(sorted []nexus.ChunkIndex) ([]*Entry, bool) {
	got := make([]*Entry, 0, len(sorted))
	touched := map[nexus.ChunkIndex]bool{}

	for _, idx := range sorted {
		if touched[idx] {
			continue // duplicate index within one request
		}

		e, existed := c.byIndex[idx]
		if !existed {
			var ok bool
			e, ok = c.claimFreeOrEvictLocked(idx)
			if !ok {
				// All-or-nothing: undo reservations already taken in
				// this pass before reporting failure.
				c.releaseLocked(got)
				return nil, false
			}
		}
		touched[idx] = true
		if e.reservations == 0 && e.lruElem != nil {
			c.lru.Remove(e.lruElem)
			e.lruElem = nil
		}
		e.reservations++
		got = append(got, e)
	}

	return got, true
}

// claimFreeOrEvictLocked binds idx to a free entry, or evicts the
// least-recently-used evictable entry per rule 2. DIRTY entries are
// not reclaimable here: Reserve writes them back through
// pickWriteBackLocked and retries; this call only reclaims VALID or
// ERROR entries.
func (c *Cache) claimFreeOrEvictLocked(idx nexus.ChunkIndex) (*Entry, bool) {
	for _, e := range c.entries {
		if !e.bound {
			e.reset(idx, time.Now())
			c.byIndex[idx] = e
			c.stats.Misses++
			return e, true
		}
	}

	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		if e.evictable() {
			c.lru.Remove(elem)
			e.lruElem = nil
			delete(c.byIndex, e.index)
			c.stats.Evictions++
			e.reset(idx, time.Now())
			c.byIndex[idx] = e
			c.stats.Misses++
			return e, true
		}
	}

	return nil, false
}

// toRequestOrder restores the caller's original (possibly unsorted,
// possibly duplicate-containing) index order from a sorted reservation
// result.
func (c *Cache) toRequestOrder(indices, sorted []nexus.ChunkIndex, sortedEntries []*Entry) []*Entry {
	byIdx := make(map[nexus.ChunkIndex]*Entry, len(sorted))
	for i, idx := range sorted {
		if _, ok := byIdx[idx]; !ok {
			byIdx[idx] = sortedEntries[i]
		}
	}
	out := make([]*Entry, len(indices))
	for i, idx := range indices {
		out[i] = byIdx[idx]
	}
	return out
}

// Release drops one reservation on each entry. An entry whose
// reservation count reaches zero and is bound rejoins the LRU list
// (back = most recently used) and unparked reservers are woken.
func (c *Cache) Release(entries []*Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(entries)
	c.cond.Broadcast()
}

func (c *Cache) releaseLocked(entries []*Entry) {
	seen := map[*Entry]bool{}
	for _, e := range entries {
		if seen[e] {
			continue
		}
		seen[e] = true
		if e.reservations == 0 {
			continue
		}
		e.reservations--
		if e.reservations == 0 && e.bound {
			e.lruElem = c.lru.PushBack(e)
		}
	}
}

// Hit records that index was already bound at reservation time
// (called by the coalescer once it knows, since Reserve itself cannot
// distinguish a hit from a just-claimed-free-entry miss without this
// explicit signal — the coalescer knows because it checked the
// entry's state before reserving).
func (c *Cache) Hit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

// Lookup returns the entry currently bound to index, if any, without
// reserving it. Used by the coalescer to decide hit vs. miss before
// calling Reserve.
func (c *Cache) Lookup(index nexus.ChunkIndex) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byIndex[index]
	return e, ok
}

// Build runs fn at most once concurrently for index, per the
// at-most-one-build rule: concurrent misses on the same chunk index
// share a single LOAD/DECRYPT pipeline.
func (c *Cache) Build(ctx context.Context, index nexus.ChunkIndex, fn func() error) error {
	select {
	case err := <-c.build.DoChan(index, fn):
		return err
	case <-ctx.Done():
		return nexus.NewError("chunkcache.Build", nexus.KindShutdown, ctx.Err())
	}
}

// Transition moves e to state s, recording dwell-time statistics and
// waking any goroutines parked on e's next transition.
func (c *Cache) Transition(e *Entry, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.setState(s, time.Now(), &c.stats)
	e.wake()
	c.cond.Broadcast()
}

// SetMeta records a keyring reply's (tag, key, length, compression)
// on e, for the LOAD_META → META transition.
func (c *Cache) SetMeta(e *Entry, tag nexus.Tag, key nexus.Key, length int, compression nexus.Compression) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.tag = tag
	e.key = key
	e.length = length
	e.compression = compression
	e.setState(StateMeta, time.Now(), &c.stats)
	e.wake()
	c.cond.Broadcast()
}

// MarkDirty sets FlagDirty and transitions e to DIRTY; called after a
// write is applied to e's buffer.
func (c *Cache) MarkDirty(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.flags |= FlagDirty
	e.setState(StateDirty, time.Now(), &c.stats)
	c.cond.Broadcast()
}

// MarkWholeChunkUpdate records the whole_chunk_updates statistic for a
// write that skips LOAD_DATA/DECRYPTING on a miss (spec §4.D tie-break).
func (c *Cache) MarkWholeChunkUpdate() {
	c.mu.Lock()
	c.stats.WholeChunkUpdates++
	c.mu.Unlock()
}

// MarkEncryptedDiscard records a zero-length-ciphertext read that
// returned zeros without backing I/O (spec §4.D, §9).
func (c *Cache) MarkEncryptedDiscard() {
	c.mu.Lock()
	c.stats.EncryptedDiscards++
	c.mu.Unlock()
}

// MarkError transitions e to ERROR with the given classification
// flag; the entry becomes evictable directly (reservation rule 2's
// "ERROR entries are reclaimed directly").
func (c *Cache) MarkError(e *Entry, flag Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.flags |= flag
	e.setState(StateError, time.Now(), &c.stats)
	e.wake()
	c.cond.Broadcast()
	c.log.Warn("cache entry entered error state", "chunk", e.index, "flag", flag)
}

// Wait blocks until e's next state transition or ctx is done.
func (c *Cache) Wait(ctx context.Context, e *Entry) error {
	c.mu.Lock()
	ch := make(chan struct{}, 1)
	e.waiters = append(e.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return nexus.NewError("chunkcache.Wait", nexus.KindShutdown, ctx.Err())
	}
}

// State returns e's current state under the cache lock, since the
// entry's state field is only safe to read while holding it.
func (c *Cache) State(e *Entry) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.state
}

// DirtyEntries returns every currently-bound entry with FlagDirty set,
// for an explicit Sync action (§4.F) to drive to completion.
func (c *Cache) DirtyEntries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Entry
	for _, e := range c.entries {
		if e.bound && e.flags.Has(FlagDirty) {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns a point-in-time copy of the cache's statistics.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var snap Snapshot
	snap.Hits = c.stats.Hits
	snap.Misses = c.stats.Misses
	snap.WholeChunkUpdates = c.stats.WholeChunkUpdates
	snap.EncryptedDiscards = c.stats.EncryptedDiscards
	snap.Evictions = c.stats.Evictions

	counts := [stateCount]int{}
	for _, e := range c.entries {
		counts[e.state]++
	}
	for s := 0; s < stateCount; s++ {
		snap.PerState[s] = StateSnapshot{
			State:       State(s),
			Count:       counts[s],
			TotalDwell:  c.stats.dwellTotal[s],
			SampleCount: c.stats.dwellCount[s],
		}
	}
	return snap
}

// Entry accessors used by components outside the package (workerpool,
// coalescer) that need read access to an entry's chunk-specific state
// without reaching into cache internals.

func (e *Entry) Index() nexus.ChunkIndex        { return e.index }
func (e *Entry) Buffer() *scatter.Buffer        { return e.buf }
func (e *Entry) Tag() nexus.Tag                 { return e.tag }
func (e *Entry) Key() nexus.Key                 { return e.key }
func (e *Entry) Length() int                    { return e.length }
func (e *Entry) Compression() nexus.Compression { return e.compression }
func (e *Entry) Flags() Flag                    { return e.flags }

func (e *Entry) String() string {
	return fmt.Sprintf("chunk=%d state=%s flags=%02x", e.index, e.state, e.flags)
}
