package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher is the hash collaborator used for receipt content, Merkle leaves and
// audit chain links. Implementations must be deterministic.
type Hasher interface {
	Sum(parts ...[]byte) string
}

// SHA256Hasher hashes the concatenation of its inputs and returns lowercase hex.
type SHA256Hasher struct{}

func NewSHA256Hasher() SHA256Hasher {
	return SHA256Hasher{}
}

func (SHA256Hasher) Sum(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Concat joins string parts into one byte slice, the `a || b` of the receipt formulas.
func Concat(parts ...string) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
