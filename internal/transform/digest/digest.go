// Package digest provides the hash primitives of spec §4.A over a
// uniform interface, so the chunk cache and keyring can be generic over
// which hash a device's suite selects. Implementations wrap
// crypto/sha1, crypto/md5, and crypto/hmac — treated as external
// collaborators per spec §1, not reimplemented.
package digest

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash"
)

// Hash is a cryptographic hash primitive usable from worker goroutines
// without shared mutable state: every call to New returns an
// independent hash.Hash.
type Hash interface {
	// New returns a fresh hash.Hash instance.
	New() hash.Hash
	// Size is the digest length in bytes.
	Size() int
	// BlockSize is the hash's internal block size.
	BlockSize() int
	// Name identifies the hash for logging and the keyring schema.
	Name() string
}

type sha1Hash struct{}

func (sha1Hash) New() hash.Hash  { return sha1.New() }
func (sha1Hash) Size() int       { return sha1.Size }
func (sha1Hash) BlockSize() int  { return sha1.BlockSize }
func (sha1Hash) Name() string    { return "sha1" }

type md5Hash struct{}

func (md5Hash) New() hash.Hash  { return md5.New() }
func (md5Hash) Size() int       { return md5.Size }
func (md5Hash) BlockSize() int  { return md5.BlockSize }
func (md5Hash) Name() string    { return "md5" }

// SHA1 and MD5 are the two cryptographic hashes spec §4.A names.
var (
	SHA1 Hash = sha1Hash{}
	MD5  Hash = md5Hash{}
)

// Sum computes h's digest of data in one call; used on the hot path
// for content addressing (tag = H(ciphertext), key = H(compressed
// plaintext)).
func Sum(h Hash, data []byte) []byte {
	d := h.New()
	d.Write(data)
	return d.Sum(nil)
}

// HMAC computes the HMAC-SHA1 MAC of data under key, per spec §4.A
// ("HMAC-SHA1 as a MAC").
func HMAC(key, data []byte) []byte {
	m := hmac.New(sha1.New, key)
	m.Write(data)
	return m.Sum(nil)
}
