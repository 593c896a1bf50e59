package chunkcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nexus/internal/nexus"
)

func TestReserveBindsFreeEntries(t *testing.T) {
	c := New(4, 4096, nil)

	entries, err := c.Reserve(context.Background(), []nexus.ChunkIndex{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i, want := range []nexus.ChunkIndex{1, 2, 3} {
		require.Equal(t, want, entries[i].Index())
	}

	snap := c.Snapshot()
	require.EqualValues(t, 3, snap.Misses)
}

func TestReserveSameIndexSharesEntry(t *testing.T) {
	c := New(4, 4096, nil)

	entries, err := c.Reserve(context.Background(), []nexus.ChunkIndex{5, 5})
	require.NoError(t, err)
	require.Same(t, entries[0], entries[1])
}

func TestReservationBlocksWhenArenaFull(t *testing.T) {
	c := New(1, 4096, nil)

	held, err := c.Reserve(context.Background(), []nexus.ChunkIndex{1})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		entries, err := c.Reserve(context.Background(), []nexus.ChunkIndex{2})
		require.NoError(t, err)
		require.Equal(t, nexus.ChunkIndex(2), entries[0].Index())
	}()

	select {
	case <-done:
		t.Fatal("second reservation should not succeed while arena is full and entry 1 is reserved")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(held)
	// Entry 1 is now reservations==0 but still bound to chunk 1 and
	// VALID-or-not — it only becomes evictable once its state is VALID
	// or ERROR. It starts at INVALID, which is not evictable, so the
	// second reservation still cannot proceed; transition it to VALID
	// to make it reclaimable.
	c.Transition(held[0], StateValid)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reservation never completed after entry became evictable")
	}
}

func TestAllOrNothingReservationRollsBackOnFailure(t *testing.T) {
	c := New(1, 4096, nil)

	// Reserve chunk 1, leaving no free/evictable entries.
	held, err := c.Reserve(context.Background(), []nexus.ChunkIndex{1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Reserve(ctx, []nexus.ChunkIndex{2, 3})
	require.Error(t, err)
	require.Equal(t, nexus.KindShutdown, nexus.KindOf(err))

	// Entry 1's reservation count must be untouched by the failed
	// all-or-nothing attempt.
	c.mu.Lock()
	require.Equal(t, 1, held[0].reservations)
	c.mu.Unlock()
}

func TestEvictionPrefersLeastRecentlyUsed(t *testing.T) {
	c := New(2, 4096, nil)

	e1, err := c.Reserve(context.Background(), []nexus.ChunkIndex{1})
	require.NoError(t, err)
	c.Transition(e1[0], StateValid)
	c.Release(e1)

	e2, err := c.Reserve(context.Background(), []nexus.ChunkIndex{2})
	require.NoError(t, err)
	c.Transition(e2[0], StateValid)
	c.Release(e2)

	// Both entries are now VALID and unreserved; chunk 1 was released
	// first so it is least-recently-used.
	e3, err := c.Reserve(context.Background(), []nexus.ChunkIndex{3})
	require.NoError(t, err)
	require.Equal(t, nexus.ChunkIndex(3), e3[0].Index())

	_, ok := c.Lookup(1)
	require.False(t, ok, "chunk 1 should have been evicted")
	_, ok = c.Lookup(2)
	require.True(t, ok, "chunk 2 should still be resident")

	snap := c.Snapshot()
	require.EqualValues(t, 1, snap.Evictions)
}

func TestBuildDeduplicatesConcurrentMisses(t *testing.T) {
	c := New(4, 4096, nil)
	var calls int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Build(context.Background(), 7, func() error {
				mu.Lock()
				calls++
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, calls)
}

func TestReserveWritesBackDirtyEntryBeforeReclaiming(t *testing.T) {
	c := New(1, 4096, nil)

	e, err := c.Reserve(context.Background(), []nexus.ChunkIndex{1})
	require.NoError(t, err)
	c.Transition(e[0], StateDirty)
	c.Release(e)

	var flushed nexus.ChunkIndex
	c.SetWriteBack(func(ctx context.Context, entry *Entry) error {
		flushed = entry.Index()
		c.Transition(entry, StateValid)
		return nil
	})

	e2, err := c.Reserve(context.Background(), []nexus.ChunkIndex{2})
	require.NoError(t, err)
	require.Equal(t, nexus.ChunkIndex(2), e2[0].Index())
	require.Equal(t, nexus.ChunkIndex(1), flushed, "the dirty entry should have been written back before reclaim")
}

func TestReserveDoesNotDeadlockWhenEntireArenaIsDirty(t *testing.T) {
	c := New(2, 4096, nil)

	var flushedCount int
	var mu sync.Mutex
	c.SetWriteBack(func(ctx context.Context, entry *Entry) error {
		mu.Lock()
		flushedCount++
		mu.Unlock()
		c.Transition(entry, StateValid)
		return nil
	})

	for _, idx := range []nexus.ChunkIndex{1, 2} {
		e, err := c.Reserve(context.Background(), []nexus.ChunkIndex{idx})
		require.NoError(t, err)
		c.Transition(e[0], StateDirty)
		c.Release(e)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e, err := c.Reserve(context.Background(), []nexus.ChunkIndex{3})
		require.NoError(t, err)
		require.Equal(t, nexus.ChunkIndex(3), e[0].Index())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reservation deadlocked against a fully-dirty arena")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, flushedCount, 1)
}

func TestErrorEntryIsDirectlyReclaimable(t *testing.T) {
	c := New(1, 4096, nil)

	e, err := c.Reserve(context.Background(), []nexus.ChunkIndex{1})
	require.NoError(t, err)
	c.MarkError(e[0], FlagErrorIO)
	c.Release(e)

	e2, err := c.Reserve(context.Background(), []nexus.ChunkIndex{2})
	require.NoError(t, err)
	require.Equal(t, nexus.ChunkIndex(2), e2[0].Index())
}

func TestDwellTimeAccumulates(t *testing.T) {
	c := New(1, 4096, nil)
	e, err := c.Reserve(context.Background(), []nexus.ChunkIndex{1})
	require.NoError(t, err)

	c.Transition(e[0], StateLoadMeta)
	time.Sleep(5 * time.Millisecond)
	c.Transition(e[0], StateMeta)

	snap := c.Snapshot()
	require.Greater(t, snap.PerState[StateLoadMeta].TotalDwell, time.Duration(0))
	require.EqualValues(t, 1, snap.PerState[StateLoadMeta].SampleCount)
}

func TestStateCountsSumToCacheEntries(t *testing.T) {
	c := New(4, 4096, nil)
	entries, err := c.Reserve(context.Background(), []nexus.ChunkIndex{1, 2, 3})
	require.NoError(t, err)
	for _, e := range entries {
		c.Transition(e, StateValid)
	}
	c.Release(entries)

	snap := c.Snapshot()
	var total int
	for _, s := range snap.PerState {
		total += s.Count
	}
	require.Equal(t, 4, total, "every entry is counted; the never-bound entry counts as INVALID")
}
