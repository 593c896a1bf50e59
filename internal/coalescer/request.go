// Package coalescer implements the request coalescer of spec §4.F: it
// splits one block request into per-chunk fragments, reserves their
// cache entries atomically, drives each fragment through the chunk
// state machine via the worker pool, and aggregates completion with
// most-severe-error-wins semantics.
package coalescer

import (
	"fmt"

	"nexus/internal/nexus"
)

// SectorSize is the fixed 512-byte sector unit spec §6 defines for
// request ranges and the hoard file layout.
const SectorSize = 512

// MaxSegments bounds the number of memory segments a single request
// may carry (spec §6's implementation-defined ≤32 bound).
const MaxSegments = 32

// Segment is one physically contiguous piece of the caller's memory
// region for a request, expressed in bytes — the device-API-facing
// analogue of scatter.Fragment before it has been split at chunk
// boundaries.
type Segment struct {
	Page   []byte
	Offset int
	Length int
}

// Request is one block-device request: a contiguous sector range plus
// an ordered list of memory segments whose concatenated length must
// equal the byte range the sectors describe.
type Request struct {
	StartSector int64
	Sectors     int64
	Segments    []Segment
	Write       bool
}

// ByteRange is the request's [start, end) byte range.
func (r Request) ByteRange() (start, end int64) {
	start = r.StartSector * SectorSize
	end = start + r.Sectors*SectorSize
	return
}

func (r Request) validate() error {
	if r.Sectors <= 0 {
		return nexus.NewError("coalescer.Request", nexus.KindBadInput,
			fmt.Errorf("%w: non-positive sector count %d", nexus.ErrBadInput, r.Sectors))
	}
	if len(r.Segments) > MaxSegments {
		return nexus.NewError("coalescer.Request", nexus.KindBadInput,
			fmt.Errorf("%w: %d segments exceeds bound %d", nexus.ErrBadInput, len(r.Segments), MaxSegments))
	}
	total := 0
	for _, s := range r.Segments {
		if s.Offset < 0 || s.Length < 0 || s.Offset+s.Length > len(s.Page) {
			return nexus.NewError("coalescer.Request", nexus.KindBadInput,
				fmt.Errorf("%w: segment out of page bounds", nexus.ErrBadInput))
		}
		total += s.Length
	}
	if int64(total) != r.Sectors*SectorSize {
		return nexus.NewError("coalescer.Request", nexus.KindBadInput,
			fmt.Errorf("%w: segments cover %d bytes, want %d", nexus.ErrBadInput, total, r.Sectors*SectorSize))
	}
	return nil
}

// fragment is one chunk's slice of a Request: the chunk index, the
// byte offset and length within that chunk, and the contiguous run of
// segments (re-sliced at chunk boundaries) that cover it.
type fragment struct {
	chunk    nexus.ChunkIndex
	chunkOff int
	length   int
	segments []Segment
}

// planFragments computes (chunk_index, byte_offset_into_chunk,
// byte_length) for every chunk the request touches, and re-slices the
// request's segment list at chunk boundaries, per spec §4.F step 1.
// Segment boundaries already respect page boundaries (scatter's
// invariant); this only ever splits a segment further, never merges.
func planFragments(r Request, chunkSize int) ([]fragment, error) {
	start, end := r.ByteRange()
	firstChunk := nexus.ChunkIndex(start / int64(chunkSize))
	lastChunk := nexus.ChunkIndex((end - 1) / int64(chunkSize))

	frags := make([]fragment, 0, int(lastChunk-firstChunk)+1)

	segIdx, segOff := 0, 0
	pos := start
	for chunk := firstChunk; chunk <= lastChunk; chunk++ {
		chunkStart := int64(chunk) * int64(chunkSize)
		chunkEnd := chunkStart + int64(chunkSize)

		fragStart := pos
		fragEnd := min64(end, chunkEnd)
		need := fragEnd - fragStart
		if need <= 0 {
			continue
		}

		var segs []Segment
		remaining := need
		for remaining > 0 {
			if segIdx >= len(r.Segments) {
				return nil, nexus.NewError("coalescer.planFragments", nexus.KindBadInput,
					fmt.Errorf("%w: segment list exhausted before covering request range", nexus.ErrBadInput))
			}
			seg := r.Segments[segIdx]
			avail := seg.Length - segOff
			take := avail
			if int64(take) > remaining {
				take = int(remaining)
			}
			segs = append(segs, Segment{
				Page:   seg.Page,
				Offset: seg.Offset + segOff,
				Length: take,
			})
			segOff += take
			remaining -= int64(take)
			if segOff >= seg.Length {
				segIdx++
				segOff = 0
			}
		}

		frags = append(frags, fragment{
			chunk:    chunk,
			chunkOff: int(fragStart - chunkStart),
			length:   int(need),
			segments: segs,
		})
		pos = fragEnd
	}

	return frags, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
