// Package transform binds the cipher and hash primitives of
// sub-packages cipher/digest/compress into the named Suite values a
// device is configured with (spec §3, §6), and implements the
// chunk-level encrypt/decrypt contracts of spec §4.A.
package transform

import (
	"bytes"

	"nexus/internal/nexus"
	"nexus/internal/transform/cipher"
	"nexus/internal/transform/compress"
	"nexus/internal/transform/digest"
)

// Suite binds one cipher and one hash together under a device's
// configured name (AES_SHA1 or BLOWFISH_SHA1, per spec §6).
type Suite struct {
	Name  nexus.Suite
	Block cipher.Block
	Hash  digest.Hash
}

// AES_SHA1 and BLOWFISH_SHA1 are the two suites spec §6 allows.
var (
	AES_SHA1      = Suite{Name: nexus.SuiteAES_SHA1, Block: cipher.AES, Hash: digest.SHA1}
	BLOWFISH_SHA1 = Suite{Name: nexus.SuiteBlowfish_SHA1, Block: cipher.Blowfish, Hash: digest.SHA1}
)

// BySuiteName looks up the Suite for a device's configured name.
func BySuiteName(name nexus.Suite) (Suite, bool) {
	switch name {
	case nexus.SuiteAES_SHA1:
		return AES_SHA1, true
	case nexus.SuiteBlowfish_SHA1:
		return BLOWFISH_SHA1, true
	default:
		return Suite{}, false
	}
}

// EncodeResult is the output of Encode: the ciphertext to store in the
// backing slot, plus the content-addressing tag and key committed to
// the keyring.
type EncodeResult struct {
	Ciphertext  []byte
	Tag         nexus.Tag
	Key         nexus.Key
	Compression nexus.Compression
	Length      int // length of the compressed-plaintext body, pre-padding
}

// Encode runs the write-back half of spec §4.A/§2: compress plaintext
// with preferred (unless preferred is CompressionNone, allowed does not
// include it, or the compressed form does not fit or does not shrink
// the plaintext), derive key = H(compressed body), encrypt under key with CBC,
// and derive tag = H(ciphertext).
//
// chunkSize bounds the compressed+padded ciphertext: if the compressed
// body doesn't fit strictly under chunkSize (leaving room to still
// shrink after CBC padding), compression is abandoned and the
// plaintext is encrypted at full chunkSize with no padding byte, per
// the exact rule in spec §4.A.
func (s Suite) Encode(plaintext []byte, chunkSize int, allowed nexus.CompressionMask, preferred nexus.Compression) (EncodeResult, error) {
	body := plaintext
	usedCompression := nexus.CompressionNone

	if preferred != nexus.CompressionNone && allowed.Allows(preferred) {
		if codec := compress.ByCompression(preferred); codec != nil {
			// Leave room for at least one PKCS5 padding byte so the
			// compressed form is distinguishable from the
			// full-chunksize no-padding case.
			if compressed, ok, err := codec.Compress(plaintext, chunkSize-1); err != nil {
				return EncodeResult{}, err
			} else if ok && len(compressed) < len(plaintext) {
				body = compressed
				usedCompression = preferred
			}
		}
	}

	key := nexus.Key(digest.Sum(s.Hash, body))

	var ciphertext []byte
	var err error
	if len(body) == chunkSize {
		// Compression did not pay off (or was skipped and the chunk is
		// exactly chunkSize): no padding byte, per spec §4.A.
		ciphertext, err = cipher.EncryptCBCNoPad(s.Block, keyMaterial(key, s.Block.KeyLength()), body)
	} else {
		ciphertext, err = cipher.EncryptCBC(s.Block, keyMaterial(key, s.Block.KeyLength()), body)
	}
	if err != nil {
		return EncodeResult{}, err
	}

	tag := nexus.Tag(digest.Sum(s.Hash, ciphertext))

	return EncodeResult{
		Ciphertext:  ciphertext,
		Tag:         tag,
		Key:         key,
		Compression: usedCompression,
		Length:      len(body),
	}, nil
}

// Decode runs the read half of spec §4.A/§2: decrypt ciphertext under
// key, then decompress the result back to exactly chunkSize bytes — a
// full chunk is always logically chunkSize bytes, whether or not
// compression shrank its stored form.
//
// compression == CompressionNone means the ciphertext is exactly
// chunkSize bytes with no PKCS5 padding (spec §4.A); any other
// compression means the ciphertext is PKCS5-padded and, once stripped,
// decompresses back to chunkSize bytes.
func (s Suite) Decode(ciphertext []byte, key nexus.Key, compression nexus.Compression, chunkSize int) ([]byte, error) {
	keyBytes := keyMaterial(key, s.Block.KeyLength())

	if compression == nexus.CompressionNone {
		body, err := cipher.DecryptCBCNoPad(s.Block, keyBytes, ciphertext)
		if err != nil {
			return nil, err
		}
		if len(body) != chunkSize {
			return nil, nexus.NewError("transform.Decode", nexus.KindCorruption, bytes.ErrTooLarge)
		}
		return body, nil
	}

	body, err := cipher.DecryptCBC(s.Block, keyBytes, ciphertext)
	if err != nil {
		return nil, err
	}

	codec := compress.ByCompression(compression)
	if codec == nil {
		return nil, nexus.NewError("transform.Decode", nexus.KindCorruption, nexus.ErrCorruption)
	}
	return codec.Decompress(body, chunkSize)
}

// keyMaterial truncates/derives a fixed-length cipher key from the
// convergent digest key, since digest sizes (20 bytes for SHA-1) don't
// generally equal a cipher's required key length (16 bytes for
// AES-128/Blowfish-128 here).
func keyMaterial(key nexus.Key, length int) []byte {
	if len(key) >= length {
		return key[:length]
	}
	padded := make([]byte, length)
	copy(padded, key)
	return padded
}
