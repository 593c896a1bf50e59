package cipher

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(b Block) []byte {
	return bytes.Repeat([]byte{0x42}, b.KeyLength())
}

func TestEncryptCBCRoundTrips(t *testing.T) {
	for _, b := range []Block{AES, Blowfish} {
		key := testKey(b)
		plaintext := []byte("some plaintext that is not block aligned")

		ciphertext, err := EncryptCBC(b, key, plaintext)
		require.NoError(t, err)

		decoded, err := DecryptCBC(b, key, ciphertext)
		require.NoError(t, err)
		require.Equal(t, plaintext, decoded)
	}
}

func TestEncryptCBCNoPadRoundTrips(t *testing.T) {
	for _, b := range []Block{AES, Blowfish} {
		key := testKey(b)
		plaintext := bytes.Repeat([]byte{0x7E}, 3*b.BlockLength())

		ciphertext, err := EncryptCBCNoPad(b, key, plaintext)
		require.NoError(t, err)
		require.Len(t, ciphertext, len(plaintext))

		decoded, err := DecryptCBCNoPad(b, key, ciphertext)
		require.NoError(t, err)
		require.Equal(t, plaintext, decoded)
	}
}

func TestEncryptCBCNoPadRejectsUnalignedInput(t *testing.T) {
	key := testKey(AES)
	_, err := EncryptCBCNoPad(AES, key, []byte("not aligned"))
	require.ErrorIs(t, err, ErrInvalidInputLength)
}

func TestDecryptCBCRejectsBadPadding(t *testing.T) {
	key := testKey(AES)
	plaintext := []byte("short")

	ciphertext, err := EncryptCBC(AES, key, plaintext)
	require.NoError(t, err)

	// Flip the last byte: the padded plaintext's final byte encodes the
	// pad length, and corrupting the last ciphertext block corrupts
	// that byte after decryption.
	corrupt := append([]byte(nil), ciphertext...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, err = DecryptCBC(AES, key, corrupt)
	require.ErrorIs(t, err, ErrPadding)
}

func TestDecryptCBCRejectsUnalignedCiphertext(t *testing.T) {
	key := testKey(AES)
	_, err := DecryptCBC(AES, key, []byte("not aligned to block size!"))
	require.ErrorIs(t, err, ErrInvalidInputLength)
}
