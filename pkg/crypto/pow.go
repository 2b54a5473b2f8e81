// Package crypto provides the cryptographic primitives shared by job and
// share validation: double-SHA256 and the byte-order flips Bitcoin-style
// headers and hex wire fields require.
package crypto

import (
	"crypto/sha256"
)

// DoubleSHA256 computes SHA256(SHA256(data)).
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes returns a reversed copy of data.
func ReverseBytes(data []byte) []byte {
	result := make([]byte, len(data))
	for i := range data {
		result[i] = data[len(data)-1-i]
	}
	return result
}

// CompareHashes compares two equal-length byte slices as big-endian
// unsigned integers. Returns -1, 0, or 1.
func CompareHashes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// HashMeetsTarget reports whether hash <= target, both big-endian.
func HashMeetsTarget(hash, target []byte) bool {
	return CompareHashes(hash, target) <= 0
}
