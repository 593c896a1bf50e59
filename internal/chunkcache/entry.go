package chunkcache

import (
	"container/list"
	"time"

	"nexus/internal/nexus"
	"nexus/internal/scatter"
)

// Entry is one cache-entry slot in the arena: bound to at most one
// chunk index at a time, per spec §3's cache-entry data model.
type Entry struct {
	index nexus.ChunkIndex
	bound bool

	state State
	flags Flag

	buf *scatter.Buffer

	tag         nexus.Tag
	key         nexus.Key
	length      int
	compression nexus.Compression

	// reservations counts requests currently holding this entry; it
	// must be zero for the entry to be eviction-eligible (spec §4.D
	// reservation rule 2).
	reservations int

	// fragments counts outstanding I/O fragments against this entry,
	// for merging multiple backing-store completions into one state
	// transition.
	fragments int

	// lruElem is this entry's membership in the cache's LRU list,
	// nil when the entry is unbound or reserved (pinned, not evictable).
	lruElem *list.Element
	// flushing marks that Reserve has handed this entry to writeBack
	// and is awaiting its result, so a concurrent Reserve call does
	// not pick the same DIRTY entry twice.
	flushing bool
	// userPendingElem is this entry's membership in the FIFO of
	// entries awaiting a user-message reply.
	userPendingElem *list.Element

	// waiters are goroutines parked on this entry's next transition,
	// each a channel signaled exactly once.
	waiters []chan struct{}

	// stateSince marks when the entry last changed state, for dwell-time
	// statistics.
	stateSince time.Time
}

func newEntry(chunkSize int) *Entry {
	return &Entry{
		state: StateInvalid,
		buf:   scatter.New(chunkSize),
	}
}

// reset rebinds the entry to a new chunk index, clearing all
// chunk-specific fields; callers must hold the cache lock and must not
// call this while reservations or fragments are outstanding.
func (e *Entry) reset(index nexus.ChunkIndex, now time.Time) {
	e.index = index
	e.bound = true
	e.state = StateInvalid
	e.flags = 0
	e.buf.Reset()
	e.tag = nil
	e.key = nil
	e.length = 0
	e.compression = 0
	e.reservations = 0
	e.fragments = 0
	e.lruElem = nil
	e.flushing = false
	e.userPendingElem = nil
	e.waiters = nil
	e.stateSince = now
}

// setState transitions the entry and records dwell-time statistics for
// the state it is leaving. Callers must hold the cache lock.
func (e *Entry) setState(s State, now time.Time, stats *Stats) {
	if !e.stateSince.IsZero() {
		stats.recordDwell(e.state, now.Sub(e.stateSince))
	}
	stats.recordTransition(e.state, s)
	e.state = s
	e.stateSince = now
	if s == StateDirty {
		e.flags |= FlagDirty
	} else {
		e.flags &^= FlagDirty
	}
}

// wake broadcasts this entry's current transition to every waiter and
// clears the wait list. Callers must hold the cache lock; channels are
// buffered so sends never block.
func (e *Entry) wake() {
	for _, ch := range e.waiters {
		ch <- struct{}{}
	}
	e.waiters = nil
}

// evictable reports whether the entry may be reclaimed by eviction:
// bound, unreserved, and either VALID (clean) or ERROR.
func (e *Entry) evictable() bool {
	if !e.bound || e.reservations > 0 {
		return false
	}
	return e.state == StateValid || e.state == StateError
}

// writeBackPending reports whether the entry needs a write-back cycle
// before it can become VALID-and-clean.
func (e *Entry) writeBackPending() bool {
	return e.flags.Has(FlagDirty)
}
