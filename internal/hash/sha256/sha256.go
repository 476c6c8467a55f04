// Package sha256 fingerprints persisted record payloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix tags digests so the algorithm can change without ambiguity.
const Prefix = "sha256:"

// Sum returns the prefixed hex digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// Equal reports whether data hashes to digest.
func Equal(data []byte, digest string) bool {
	return digest != "" && Sum(data) == digest
}
