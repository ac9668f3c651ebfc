package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashString returns a stable hex digest of input, used as a cache key.
func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// HashText hashes text after collapsing whitespace and case, so trivially
// different renderings of the same text share a key.
func HashText(text string) string {
	return HashString(strings.ToLower(strings.Join(strings.Fields(text), " ")))
}
