// Package sha256 derives listing natural keys with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const separator = "\x1f"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key folds case and whitespace in each part, joins them with a unit
// separator, and hashes the result. Cosmetic differences between two crawls
// of the same listing therefore map to one key.
func (h *Hasher) Key(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = strings.Join(strings.Fields(strings.ToLower(p)), " ")
	}
	return h.Hash([]byte(strings.Join(normalized, separator)))
}
