package nexus

import "fmt"

// ChunkIndex is a zero-based chunk position within a device.
type ChunkIndex uint64

// Compression identifies the compressor used for a chunk's plaintext
// body, as persisted in the keyring. Values form a closed set that a
// keyring row's compression column must belong to (spec §3).
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZlib
	CompressionLZF

	compressionCount = int(CompressionLZF) + 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionLZF:
		return "lzf"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the defined Compression values.
func (c Compression) Valid() bool {
	return int(c) < compressionCount
}

// ParseCompression is the inverse of Compression.String, used when
// reading a persisted device configuration back into its typed form.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none":
		return CompressionNone, nil
	case "zlib":
		return CompressionZlib, nil
	case "lzf":
		return CompressionLZF, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// CompressionMask is a bitmask over the Compression enum, used for a
// device's allowed-compressions configuration (spec §3, §6).
type CompressionMask uint8

func MaskOf(cs ...Compression) CompressionMask {
	var m CompressionMask
	for _, c := range cs {
		m |= 1 << uint8(c)
	}
	return m
}

func (m CompressionMask) Allows(c Compression) bool {
	return m&(1<<uint8(c)) != 0
}

// Suite identifies the cipher+hash pairing a device was created with
// (spec §3, §6).
type Suite uint8

const (
	SuiteAES_SHA1 Suite = iota
	SuiteBlowfish_SHA1
)

func (s Suite) String() string {
	switch s {
	case SuiteAES_SHA1:
		return "AES_SHA1"
	case SuiteBlowfish_SHA1:
		return "BLOWFISH_SHA1"
	default:
		return fmt.Sprintf("suite(%d)", uint8(s))
	}
}

// ParseSuite is the inverse of Suite.String, used when reading a
// persisted device configuration back into its typed form.
func ParseSuite(s string) (Suite, error) {
	switch s {
	case "AES_SHA1":
		return SuiteAES_SHA1, nil
	case "BLOWFISH_SHA1":
		return SuiteBlowfish_SHA1, nil
	default:
		return 0, fmt.Errorf("unknown suite %q", s)
	}
}

// Tag is the digest of a chunk's ciphertext: its content address in
// the backing store.
type Tag []byte

// Key is the digest of a chunk's compressed plaintext: its convergent
// cipher key.
type Key []byte
