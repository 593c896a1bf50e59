// Package cipher provides the block-cipher primitives of spec §4.A:
// AES-128 and Blowfish, each composed with a CBC mode wrapper and
// PKCS5 padding for unaligned tails. AES comes from crypto/aes,
// Blowfish from golang.org/x/crypto/blowfish — both treated as
// external collaborators per spec §1, consumed through this interface
// rather than reimplemented.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

var (
	// ErrInvalidKeyLength is returned when Init is given a key of the
	// wrong length for the cipher.
	ErrInvalidKeyLength = errors.New("cipher: invalid key length")
	// ErrInvalidInputLength is returned when stream input is not a
	// multiple of the cipher's block length.
	ErrInvalidInputLength = errors.New("cipher: input length not a multiple of block size")
	// ErrPadding is returned when PKCS5 unpadding finds an inconsistent
	// padding footer.
	ErrPadding = errors.New("cipher: padding check failed")
)

// Block is a block cipher: construct a cipher.Block from a key of the
// cipher's required length.
type Block interface {
	// KeyLength is the required key length in bytes.
	KeyLength() int
	// BlockLength is the cipher's block size in bytes.
	BlockLength() int
	// New constructs a cipher.Block bound to key.
	New(key []byte) (cipher.Block, error)
	// Name identifies the cipher for the keyring/suite schema.
	Name() string
}

type aesBlock struct{}

func (aesBlock) KeyLength() int   { return 16 } // AES-128
func (aesBlock) BlockLength() int { return aes.BlockSize }
func (aesBlock) Name() string     { return "aes-128" }
func (aesBlock) New(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, ErrInvalidKeyLength
	}
	return aes.NewCipher(key)
}

type blowfishBlock struct{}

func (blowfishBlock) KeyLength() int   { return 16 }
func (blowfishBlock) BlockLength() int { return blowfish.BlockSize }
func (blowfishBlock) Name() string     { return "blowfish" }
func (blowfishBlock) New(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, ErrInvalidKeyLength
	}
	return blowfish.NewCipher(key)
}

// AES and Blowfish are the two ciphers spec §4.A names.
var (
	AES      Block = aesBlock{}
	Blowfish Block = blowfishBlock{}
)

// EncryptCBC encrypts plaintext under key using CBC mode with a
// zero IV (the IV is implicit: convergent encryption derives a fresh
// key from content on every write, so key reuse under a fixed IV never
// happens across distinct content). PKCS5 padding is applied unless
// plaintext is already an exact multiple of the block size equal to
// the device's chunksize ("a chunk whose compressed form is the full
// chunksize ... is exactly chunksize with no padding byte", spec
// §4.A); callers decide that exemption by calling EncryptCBCNoPad
// instead.
func EncryptCBC(b Block, key, plaintext []byte) ([]byte, error) {
	return encryptCBC(b, key, pkcs5Pad(plaintext, b.BlockLength()))
}

// EncryptCBCNoPad encrypts plaintext, which must already be a multiple
// of the block length, without adding a padding block. Used for the
// "compression did not pay off" case in spec §4.A.
func EncryptCBCNoPad(b Block, key, plaintext []byte) ([]byte, error) {
	if len(plaintext)%b.BlockLength() != 0 {
		return nil, ErrInvalidInputLength
	}
	return encryptCBC(b, key, plaintext)
}

func encryptCBC(b Block, key, padded []byte) ([]byte, error) {
	blk, err := b.New(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, b.BlockLength())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(blk, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptCBC decrypts ciphertext under key and strips PKCS5 padding.
func DecryptCBC(b Block, key, ciphertext []byte) ([]byte, error) {
	padded, err := decryptCBC(b, key, ciphertext)
	if err != nil {
		return nil, err
	}
	return pkcs5Unpad(padded, b.BlockLength())
}

// DecryptCBCNoPad decrypts ciphertext under key without expecting or
// stripping a padding footer (the "full chunksize, no padding" case).
func DecryptCBCNoPad(b Block, key, ciphertext []byte) ([]byte, error) {
	return decryptCBC(b, key, ciphertext)
}

func decryptCBC(b Block, key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%b.BlockLength() != 0 {
		return nil, ErrInvalidInputLength
	}
	blk, err := b.New(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, b.BlockLength())
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(blk, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

func pkcs5Pad(data []byte, blockLen int) []byte {
	padLen := blockLen - len(data)%blockLen
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs5Unpad(data []byte, blockLen int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockLen != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrPadding, len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockLen || padLen > len(data) {
		return nil, ErrPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrPadding
		}
	}
	return data[:len(data)-padLen], nil
}
