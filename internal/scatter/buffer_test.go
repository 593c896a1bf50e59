package scatter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyInThenCopyOutRoundTrips(t *testing.T) {
	b := New(4096)
	src := bytes.Repeat([]byte{0xAB}, 4096)

	require.NoError(t, b.CopyIn(0, []Fragment{{Page: src, Offset: 0, Length: 4096}}))

	out := make([]byte, 4096)
	require.NoError(t, b.CopyOut(0, []Fragment{{Page: out, Offset: 0, Length: 4096}}))
	require.Equal(t, src, out)
}

// TestCopyInAcrossSegmentAndPageBoundaries exercises a buffer spanning
// multiple pages (chunkSize > PageSize), written from several
// physically discontiguous fragments whose lengths don't line up with
// the page boundaries, then read back the same way.
func TestCopyInAcrossSegmentAndPageBoundaries(t *testing.T) {
	const chunkSize = 3 * PageSize
	b := New(chunkSize)
	require.Len(t, b.Pages(), 3)

	want := make([]byte, chunkSize)
	for i := range want {
		want[i] = byte(i)
	}

	// Three segments whose boundaries fall mid-page, not at page edges.
	segLens := []int{PageSize + 100, PageSize - 100, PageSize}
	var fragments []Fragment
	pos := 0
	for _, n := range segLens {
		page := make([]byte, n)
		copy(page, want[pos:pos+n])
		fragments = append(fragments, Fragment{Page: page, Offset: 0, Length: n})
		pos += n
	}
	require.Equal(t, chunkSize, pos)

	require.NoError(t, b.CopyIn(0, fragments))

	got := make([]byte, chunkSize)
	require.NoError(t, b.CopyOut(0, []Fragment{{Page: got, Offset: 0, Length: chunkSize}}))
	require.Equal(t, want, got)
}

// TestCopyOutAtNonZeroOffsetSpansPages reads a range starting mid-page
// and extending into the next page, mirroring a partial read that
// crosses a page boundary.
func TestCopyOutAtNonZeroOffsetSpansPages(t *testing.T) {
	const chunkSize = 2 * PageSize
	b := New(chunkSize)

	full := make([]byte, chunkSize)
	for i := range full {
		full[i] = byte(i % 251)
	}
	require.NoError(t, b.SetBytes(full))

	start := PageSize - 50
	length := 100 // spans across the page boundary
	out := make([]byte, length)
	require.NoError(t, b.CopyOut(start, []Fragment{{Page: out, Offset: 0, Length: length}}))
	require.Equal(t, full[start:start+length], out)
}

func TestCopyInRejectsFragmentCrossingPageBoundary(t *testing.T) {
	b := New(PageSize)
	page := make([]byte, PageSize)
	err := b.CopyIn(0, []Fragment{{Page: page, Offset: PageSize - 5, Length: 15}})
	require.ErrorIs(t, err, ErrSegmentCrossesPage)
}

func TestCopyInRejectsOutOfRangeTotal(t *testing.T) {
	b := New(PageSize)
	page := make([]byte, PageSize)
	err := b.CopyIn(PageSize-10, []Fragment{{Page: page, Offset: 0, Length: 20}})
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestSetBytesRejectsWrongLength(t *testing.T) {
	b := New(4096)
	err := b.SetBytes(make([]byte, 100))
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestResetZeroesBuffer(t *testing.T) {
	b := New(4096)
	require.NoError(t, b.SetBytes(bytes.Repeat([]byte{0xFF}, 4096)))

	b.Reset()
	require.Equal(t, make([]byte, 4096), b.Bytes())
}

func TestBytesSingleAndMultiPageAgree(t *testing.T) {
	single := New(PageSize)
	multi := New(PageSize + 1)

	require.Len(t, single.Bytes(), PageSize)
	require.Len(t, multi.Bytes(), PageSize+1)
}
