package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed for the key hash. The seed is persisted
// with every index checkpoint, so a recovered index hashes keys the same way.
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// only if the system has no entropy source at all
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// FNV-1a parameters
const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// HashBytes generates a 64 bit hash for a key with a seed
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution
func HashBytes(b []byte, seed uint64) uint64 {
	// start with the offset combined with our seed for uniqueness
	hash := uint64(offset64) ^ seed

	for i := 0; i < len(b); i++ {
		hash ^= uint64(b[i])
		hash *= prime64
	}

	// never return 0, the index uses it as "no hash"
	if hash == 0 {
		return prime64
	}
	return hash
}

// HashString is HashBytes for string keys without copying the string
func HashString(s string, seed uint64) uint64 {
	hash := uint64(offset64) ^ seed

	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}

	if hash == 0 {
		return prime64
	}
	return hash
}

// --------------------------------------------------------------------------
// Counter encoding
// --------------------------------------------------------------------------

// EncodeInt64 encodes a counter value as it is stored in a record
func EncodeInt64(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

// DecodeInt64 decodes a counter value. Values of the wrong size decode to 0.
func DecodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

// PutInt64 overwrites an encoded counter in place, returning false if b is
// not a counter.
func PutInt64(b []byte, v int64) bool {
	if len(b) != 8 {
		return false
	}
	binary.LittleEndian.PutUint64(b, uint64(v))
	return true
}
