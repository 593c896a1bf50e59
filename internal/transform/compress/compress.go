// Package compress provides the compressor primitives of spec §4.A
// behind one Codec interface: zlib (wrapping compress/zlib — the
// literal external "zlib" primitive spec §1 names, not a
// reimplementation) and LZF (one-shot, non-streaming, from
// internal/transform/lzf). "None" is handled by callers skipping
// compression entirely, per spec §4.A ("a 'no compression' chunk is
// still encrypted; it is only the compression step that is skipped").
package compress

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"nexus/internal/nexus"
	"nexus/internal/transform/lzf"
)

// Codec compresses and decompresses one chunk's plaintext body.
type Codec interface {
	// Compression identifies this codec's entry in the keyring schema.
	Compression() nexus.Compression
	// Streamable reports whether Compress/Decompress may be fed
	// incrementally; LZF is one-shot only (spec §4.A).
	Streamable() bool
	// Compress returns the compressed form of in, bounded to at most
	// maxLen bytes. ok is false if compression did not fit within
	// maxLen — spec §4.A's "compression did not pay off" case, handled
	// by storing the chunk uncompressed instead.
	Compress(in []byte, maxLen int) (out []byte, ok bool, err error)
	// Decompress restores the original plaintext of length outLen from
	// its compressed form.
	Decompress(in []byte, outLen int) ([]byte, error)
}

type zlibCodec struct{}

func (zlibCodec) Compression() nexus.Compression { return nexus.CompressionZlib }
func (zlibCodec) Streamable() bool               { return true }

func (zlibCodec) Compress(in []byte, maxLen int) ([]byte, bool, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		return nil, false, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("zlib compress: %w", err)
	}
	if buf.Len() > maxLen {
		return nil, false, nil
	}
	return buf.Bytes(), true, nil
}

func (zlibCodec) Decompress(in []byte, outLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	defer r.Close()
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	return out, nil
}

type lzfCodec struct{}

func (lzfCodec) Compression() nexus.Compression { return nexus.CompressionLZF }
func (lzfCodec) Streamable() bool                { return false }

func (lzfCodec) Compress(in []byte, maxLen int) ([]byte, bool, error) {
	out := make([]byte, maxLen)
	n, ok := lzf.Compress(in, out)
	if !ok {
		return nil, false, nil
	}
	return out[:n], true, nil
}

func (lzfCodec) Decompress(in []byte, outLen int) ([]byte, error) {
	out := make([]byte, outLen)
	n, err := lzf.Decompress(in, out)
	if err != nil {
		return nil, err
	}
	if n != outLen {
		return nil, fmt.Errorf("lzf decompress: got %d bytes, want %d", n, outLen)
	}
	return out, nil
}

// Zlib and LZF are the two compressors spec §4.A names.
var (
	Zlib Codec = zlibCodec{}
	LZF  Codec = lzfCodec{}
)

// ByCompression returns the Codec for c, or nil for CompressionNone
// (the "no compression" case has no codec; callers skip the
// compression step entirely).
func ByCompression(c nexus.Compression) Codec {
	switch c {
	case nexus.CompressionZlib:
		return Zlib
	case nexus.CompressionLZF:
		return LZF
	default:
		return nil
	}
}
