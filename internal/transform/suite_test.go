package transform

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus/internal/nexus"
)

const testChunkSize = 4096

func randomChunk(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

// compressiblePlaintext is long, highly repetitive data that zlib/LZF
// can both shrink well under chunkSize, exercising the padded path.
func compressiblePlaintext(n int) []byte {
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), (n/46)+1)[:n]
}

func TestSuiteRoundTripsAcrossCompressions(t *testing.T) {
	suites := []Suite{AES_SHA1, BLOWFISH_SHA1}
	allowed := nexus.MaskOf(nexus.CompressionNone, nexus.CompressionZlib, nexus.CompressionLZF)

	for _, s := range suites {
		for _, preferred := range []nexus.Compression{nexus.CompressionNone, nexus.CompressionZlib, nexus.CompressionLZF} {
			plaintext := compressiblePlaintext(testChunkSize)

			result, err := s.Encode(plaintext, testChunkSize, allowed, preferred)
			require.NoError(t, err, "suite=%v compression=%v", s.Name, preferred)

			decoded, err := s.Decode(result.Ciphertext, result.Key, result.Compression, testChunkSize)
			require.NoError(t, err, "suite=%v compression=%v", s.Name, preferred)
			require.Equal(t, plaintext, decoded, "suite=%v compression=%v", s.Name, preferred)
		}
	}
}

func TestSuiteTagAndKeyAreStableForIdenticalContent(t *testing.T) {
	allowed := nexus.MaskOf(nexus.CompressionNone, nexus.CompressionZlib)
	plaintext := compressiblePlaintext(testChunkSize)

	r1, err := AES_SHA1.Encode(plaintext, testChunkSize, allowed, nexus.CompressionZlib)
	require.NoError(t, err)
	r2, err := AES_SHA1.Encode(plaintext, testChunkSize, allowed, nexus.CompressionZlib)
	require.NoError(t, err)

	require.Equal(t, r1.Key, r2.Key, "key = H(compressed plaintext) must be bitwise stable across identical content")
	require.Equal(t, r1.Tag, r2.Tag, "tag = H(ciphertext) must be bitwise stable across identical content")
	require.Equal(t, r1.Ciphertext, r2.Ciphertext)
}

func TestSuiteTagChangesWithContent(t *testing.T) {
	allowed := nexus.MaskOf(nexus.CompressionZlib)

	a, err := AES_SHA1.Encode(compressiblePlaintext(testChunkSize), testChunkSize, allowed, nexus.CompressionZlib)
	require.NoError(t, err)

	other := compressiblePlaintext(testChunkSize)
	other[0] ^= 0xFF
	b, err := AES_SHA1.Encode(other, testChunkSize, allowed, nexus.CompressionZlib)
	require.NoError(t, err)

	require.NotEqual(t, a.Key, b.Key)
	require.NotEqual(t, a.Tag, b.Tag)
}

// TestSuiteExactChunkSizeSkipsPadding covers the "compression did not
// pay off" case of Encode: incompressible random data at exactly
// chunkSize must be stored uncompressed, with no PKCS5 padding byte, so
// ciphertext length equals chunkSize exactly.
func TestSuiteExactChunkSizeSkipsPadding(t *testing.T) {
	allowed := nexus.MaskOf(nexus.CompressionZlib, nexus.CompressionLZF)
	plaintext := randomChunk(t, testChunkSize)

	for _, s := range []Suite{AES_SHA1, BLOWFISH_SHA1} {
		result, err := s.Encode(plaintext, testChunkSize, allowed, nexus.CompressionZlib)
		require.NoError(t, err)
		require.Equal(t, nexus.CompressionNone, result.Compression)
		require.Len(t, result.Ciphertext, testChunkSize)

		decoded, err := s.Decode(result.Ciphertext, result.Key, result.Compression, testChunkSize)
		require.NoError(t, err)
		require.Equal(t, plaintext, decoded)
	}
}

func TestSuiteDecodeRejectsCorruptNoPadCiphertext(t *testing.T) {
	plaintext := randomChunk(t, testChunkSize)
	allowed := nexus.MaskOf(nexus.CompressionZlib)

	result, err := AES_SHA1.Encode(plaintext, testChunkSize, allowed, nexus.CompressionZlib)
	require.NoError(t, err)
	require.Equal(t, nexus.CompressionNone, result.Compression)

	truncated := result.Ciphertext[:len(result.Ciphertext)-16]
	_, err = AES_SHA1.Decode(truncated, result.Key, result.Compression, testChunkSize)
	require.Error(t, err)
	require.Equal(t, nexus.KindCorruption, nexus.KindOf(err))
}
