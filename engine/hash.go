package engine

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// HashHex returns the blake2b-256 digest of data as a 64-char hex string.
func HashHex(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashHexString is HashHex over a string.
func HashHexString(s string) string {
	return HashHex([]byte(s))
}
