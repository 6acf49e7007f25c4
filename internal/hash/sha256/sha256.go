// Package sha256 digests downloaded files with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements archive.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
