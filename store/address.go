package store

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// stemHashLen is the number of digest bytes appended to a stem.
	stemHashLen = 8

	// maxPrefixLen bounds the human-readable part of a stem.
	maxPrefixLen = 32
)

// Stem maps a window address to a deterministic, filesystem-safe file
// stem. Distinct addresses never collide: the stem always ends with a
// BLAKE3 digest of the full address. The sanitized prefix exists only
// to keep directory listings readable.
func Stem(address string) string {
	sum := blake3.Sum256([]byte(address))
	digest := hex.EncodeToString(sum[:stemHashLen])

	prefix := sanitize(address)
	if prefix == "" {
		return digest
	}
	return prefix + "-" + digest
}

func sanitize(address string) string {
	var b strings.Builder
	for _, r := range address {
		if b.Len() >= maxPrefixLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
