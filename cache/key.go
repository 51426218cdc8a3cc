package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKey maps a logical cache key to a fixed-length, filesystem-safe
// identifier. Logical keys may contain path separators, wildcards, or be
// arbitrarily long; hashed names are stable 64-character hex strings. The
// hash is cryptographic because the names persist on disk across restarts,
// so two distinct keys must never share a file.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
