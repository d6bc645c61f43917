package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeQuestion trims surrounding whitespace and lower-cases the question.
// Both tiers key on this form.
func NormalizeQuestion(question string) string {
	return strings.ToLower(strings.TrimSpace(question))
}

// ComputeKey returns the hex SHA-256 digest of the normalized question.
func ComputeKey(question string) string {
	sum := sha256.Sum256([]byte(NormalizeQuestion(question)))
	return hex.EncodeToString(sum[:])
}
