package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashIdentifier returns the hex SHA-256 of a normalized account
// identifier (trimmed, lowercased email). Frames carry this hash in their
// sh field for sender authentication.
func HashIdentifier(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
