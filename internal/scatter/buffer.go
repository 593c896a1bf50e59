// Package scatter provides the page-list buffer of spec §4.B: the
// owned backing storage for one chunk's data, addressed as an ordered
// list of page-sized buffers, with copy-in/copy-out against the
// physically discontiguous segment lists the block device API
// delivers (spec §6), and a contiguous view for the transform layer.
package scatter

import (
	"errors"
	"fmt"
)

// PageSize is the unit the buffer allocates in. It matches the host
// page size assumption the original device driver made; a value other
// than 4096 only changes how many pages a chunk spans, never the
// logical semantics.
const PageSize = 4096

var (
	// ErrSegmentCrossesPage is returned when a Fragment's Offset+Length
	// would read or write past its page's end — spec §4.B forbids this:
	// "segment boundaries in requests never coalesce across page
	// boundaries".
	ErrSegmentCrossesPage = errors.New("scatter: segment crosses page boundary")
	// ErrOutOfRange is returned when a copy would read or write past
	// the chunk's logical length.
	ErrOutOfRange = errors.New("scatter: offset+length exceeds chunk size")
)

// Fragment describes one physically contiguous piece of an external
// memory region: the caller's page buffer itself, a byte offset within
// that page, and a length that must not extend past the page (spec
// §4.B invariant).
type Fragment struct {
	Page   []byte
	Offset int
	Length int
}

func (f Fragment) validate() error {
	if f.Offset < 0 || f.Length < 0 || f.Offset+f.Length > len(f.Page) {
		return fmt.Errorf("%w: offset=%d length=%d page=%d", ErrSegmentCrossesPage, f.Offset, f.Length, len(f.Page))
	}
	return nil
}

// Buffer holds one chunk's data as an ordered list of page-sized
// buffers, allocated and freed as a unit.
type Buffer struct {
	chunkSize int
	pages     [][]byte
}

// New allocates a Buffer of ceil(chunkSize/PageSize) pages, per spec
// §4.B.
func New(chunkSize int) *Buffer {
	n := (chunkSize + PageSize - 1) / PageSize
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = make([]byte, PageSize)
	}
	return &Buffer{chunkSize: chunkSize, pages: pages}
}

// Len is the buffer's logical chunk size.
func (b *Buffer) Len() int { return b.chunkSize }

// Pages exposes the buffer's backing pages, in order. Callers must not
// retain them past the Buffer's lifetime or resize them.
func (b *Buffer) Pages() [][]byte { return b.pages }

// Reset zeroes the buffer in place, for reuse after eviction recycles
// the owning cache entry to a new chunk index.
func (b *Buffer) Reset() {
	for _, p := range b.pages {
		clear(p)
	}
}

// Bytes returns the buffer's logical content as one contiguous slice.
// The returned slice aliases the buffer's pages when chunkSize fits in
// a single page; callers needing a stable contiguous view across
// multiple pages should prefer CopyOut with a single all-covering
// fragment, which this helper does internally for the multi-page case.
func (b *Buffer) Bytes() []byte {
	if len(b.pages) == 1 {
		return b.pages[0][:b.chunkSize]
	}
	out := make([]byte, b.chunkSize)
	b.copyOutContiguous(out)
	return out
}

// SetBytes overwrites the buffer's logical content from a contiguous
// source, the mirror of Bytes. len(src) must equal chunkSize.
func (b *Buffer) SetBytes(src []byte) error {
	if len(src) != b.chunkSize {
		return fmt.Errorf("%w: got %d want %d", ErrOutOfRange, len(src), b.chunkSize)
	}
	b.copyInContiguous(src)
	return nil
}

func (b *Buffer) copyOutContiguous(dst []byte) {
	off := 0
	for _, p := range b.pages {
		n := copy(dst[off:], p)
		off += n
		if off >= len(dst) {
			return
		}
	}
}

func (b *Buffer) copyInContiguous(src []byte) {
	off := 0
	for i, p := range b.pages {
		n := min(len(p), len(src)-off)
		if n <= 0 {
			break
		}
		copy(p, src[off:off+n])
		off += n
		_ = i
	}
}

// CopyIn copies bytes from an ordered sequence of external fragments
// into the buffer starting at chunkOffset, the mirror of a request's
// write path: the request coalescer supplies one Fragment per
// physically discontiguous segment, in order, and this call lays them
// into the chunk's logical byte stream. The total length copied must
// not cross the chunk boundary (spec §4.B invariant).
func (b *Buffer) CopyIn(chunkOffset int, fragments []Fragment) error {
	total := 0
	for _, f := range fragments {
		if err := f.validate(); err != nil {
			return err
		}
		total += f.Length
	}
	if chunkOffset < 0 || chunkOffset+total > b.chunkSize {
		return fmt.Errorf("%w: offset=%d total=%d chunkSize=%d", ErrOutOfRange, chunkOffset, total, b.chunkSize)
	}

	pos := chunkOffset
	for _, f := range fragments {
		src := f.Page[f.Offset : f.Offset+f.Length]
		b.writeAt(pos, src)
		pos += f.Length
	}
	return nil
}

// CopyOut is the mirror of CopyIn: it copies chunkSize-relative bytes
// starting at chunkOffset out of the buffer into the caller's ordered
// fragment list, for a request's read path.
func (b *Buffer) CopyOut(chunkOffset int, fragments []Fragment) error {
	total := 0
	for _, f := range fragments {
		if err := f.validate(); err != nil {
			return err
		}
		total += f.Length
	}
	if chunkOffset < 0 || chunkOffset+total > b.chunkSize {
		return fmt.Errorf("%w: offset=%d total=%d chunkSize=%d", ErrOutOfRange, chunkOffset, total, b.chunkSize)
	}

	pos := chunkOffset
	for _, f := range fragments {
		dst := f.Page[f.Offset : f.Offset+f.Length]
		b.readAt(pos, dst)
		pos += f.Length
	}
	return nil
}

// writeAt copies src into the buffer's logical byte stream starting at
// chunkOffset, splitting across pages as needed.
func (b *Buffer) writeAt(chunkOffset int, src []byte) {
	pageIdx := chunkOffset / PageSize
	pageOff := chunkOffset % PageSize
	pos := 0
	for pos < len(src) {
		n := min(PageSize-pageOff, len(src)-pos)
		copy(b.pages[pageIdx][pageOff:pageOff+n], src[pos:pos+n])
		pos += n
		pageIdx++
		pageOff = 0
	}
}

// readAt is the mirror of writeAt.
func (b *Buffer) readAt(chunkOffset int, dst []byte) {
	pageIdx := chunkOffset / PageSize
	pageOff := chunkOffset % PageSize
	pos := 0
	for pos < len(dst) {
		n := min(PageSize-pageOff, len(dst)-pos)
		copy(dst[pos:pos+n], b.pages[pageIdx][pageOff:pageOff+n])
		pos += n
		pageIdx++
		pageOff = 0
	}
}
