// Package chash implements the content hash used to address catalogs and
// objects: a fixed-width cryptographic digest with an algorithm tag, a
// canonical hex form, and a two-level sharded path form ("ab/cdef...").
package chash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"lukechampine.com/blake3"
)

// Algorithm identifies which digest produced a Hash's bytes.
type Algorithm uint8

const (
	// SHA1 is the default algorithm, matching the legacy catalog/object
	// naming scheme. Implemented with the standard library: no
	// third-party SHA-1 implementation in the reference corpus offers
	// anything beyond crypto/sha1's semantics, so there is nothing to
	// gain by reaching for one (see DESIGN.md).
	SHA1 Algorithm = iota
	// BLAKE3 is the faster alternative algorithm, carried over from the
	// teacher's own content-hashing code.
	BLAKE3
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case BLAKE3:
		return "blake3"
	default:
		return "unknown"
	}
}

// Size is the digest length in bytes for each algorithm.
func (a Algorithm) Size() int {
	switch a {
	case SHA1:
		return sha1.Size
	case BLAKE3:
		return 32
	default:
		return 0
	}
}

// Hash is a fixed-width content digest plus its algorithm tag. The zero
// value is not a valid hash.
type Hash struct {
	algo   Algorithm
	digest [32]byte // sized for the largest supported algorithm; only algo.Size() bytes are significant
}

// Sum computes the content hash of data under the given algorithm.
func Sum(algo Algorithm, data []byte) Hash {
	h := Hash{algo: algo}
	switch algo {
	case SHA1:
		d := sha1.Sum(data)
		copy(h.digest[:], d[:])
	case BLAKE3:
		d := blake3.Sum256(data)
		copy(h.digest[:], d[:])
	}
	return h
}

// FromHex parses a canonical hex digest for the given algorithm.
func FromHex(algo Algorithm, s string) (Hash, error) {
	want := algo.Size()
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("chash: invalid hex %q: %w", s, err)
	}
	if len(raw) != want {
		return Hash{}, fmt.Errorf("chash: %s digest must be %d bytes, got %d", algo, want, len(raw))
	}
	h := Hash{algo: algo}
	copy(h.digest[:], raw)
	return h, nil
}

// Algorithm reports which digest produced this hash.
func (h Hash) Algorithm() Algorithm { return h.algo }

// Bytes returns the significant digest bytes (algo.Size() of them).
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h.digest[:h.algo.Size()]...)
}

// IsZero reports whether h is the unset zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the canonical hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h.Bytes())
}

// ShardedPath returns the two-level sharded on-disk form, "ab/cdef...",
// used by the content-addressed object store under the cache directory.
func (h Hash) ShardedPath() string {
	hexStr := h.String()
	if len(hexStr) < 3 {
		return hexStr
	}
	return path.Join(hexStr[:2], hexStr[2:])
}

// Equal reports whether two hashes have the same algorithm and digest.
func (h Hash) Equal(o Hash) bool {
	return h == o
}

// ParseShardedPath reverses ShardedPath for a known algorithm, e.g. when
// scanning the cache directory.
func ParseShardedPath(algo Algorithm, shardDir, name string) (Hash, error) {
	hexStr := strings.TrimSuffix(shardDir, "/") + name
	return FromHex(algo, hexStr)
}
