// Package sha256 derives filesystem-safe cache keys with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyLength is the number of hex characters kept from the digest for cache keys.
const KeyLength = 32

// Hasher implements the disk cache key hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Key returns the truncated digest of identifier used as a storage key.
func (h *Hasher) Key(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])[:KeyLength]
}
