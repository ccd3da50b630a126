// Package checksum provides the digests used to detect corruption in a
// container file. Block and record checksums are 64-bit xxhash values; they
// detect damage, they do not authenticate. Entries additionally carry a
// BLAKE3-256 digest of their original bytes so reassembly can be verified
// end to end.
package checksum

import (
	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// DigestSize is the size of an entry content digest in bytes
const DigestSize = 32

// Digest is the BLAKE3-256 digest of an entry's original bytes
type Digest [DigestSize]byte

// IsZero reports whether the digest is unset. Entries rebuilt from
// containers written without digests carry a zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Sum64 returns the 64-bit checksum of data
func Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Sum64Parts returns the checksum of the concatenation of parts without
// allocating the concatenated buffer
func Sum64Parts(parts ...[]byte) uint64 {
	h := xxhash.New()
	for _, p := range parts {
		// xxhash.Digest.Write never returns an error
		_, _ = h.Write(p)
	}
	return h.Sum64()
}

// Verify reports whether data hashes to want
func Verify(data []byte, want uint64) bool {
	return xxhash.Sum64(data) == want
}

// ContentDigest returns the BLAKE3-256 digest of data
func ContentDigest(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}
