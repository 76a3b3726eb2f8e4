package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// StorageKey maps a canonical atom key to a fixed-size provider key under
// prefix: prefix + ":" + first 32 hex chars of sha256(key).
func StorageKey(prefix, key string) string {
	sum := sha256.Sum256([]byte(key))
	return prefix + ":" + hex.EncodeToString(sum[:16])
}
