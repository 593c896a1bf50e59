package chunkcache

import "time"

// Stats accumulates the per-state timing and counter statistics spec
// §4.D requires: cumulative dwell time and sample counts per state,
// plus the hit/miss/whole-chunk-update/encrypted-discard counters
// named across §4.D and §6.
type Stats struct {
	dwellTotal [stateCount]time.Duration
	dwellCount [stateCount]int64

	Hits               int64
	Misses             int64
	WholeChunkUpdates  int64
	EncryptedDiscards  int64
	Evictions          int64
}

func (s *Stats) recordDwell(from State, d time.Duration) {
	s.dwellTotal[from] += d
	s.dwellCount[from]++
}

// recordTransition is a hook point for future per-transition counters;
// currently a no-op beyond dwell time, kept separate from recordDwell
// so Entry.setState has one call site to extend.
func (s *Stats) recordTransition(from, to State) {}

// Snapshot is an immutable, point-in-time copy of the cache's
// statistics, safe to read after the cache lock is released.
type Snapshot struct {
	PerState [stateCount]StateSnapshot

	Hits              int64
	Misses            int64
	WholeChunkUpdates int64
	EncryptedDiscards int64
	Evictions         int64
}

// StateSnapshot reports the live entry count and cumulative dwell
// statistics for one State.
type StateSnapshot struct {
	State       State
	Count       int
	TotalDwell  time.Duration
	SampleCount int64
}
