// Package idgen provides cryptographically random ID generation.
//
// Request ids double as capability tokens: knowing an id is what lets a
// controller approve or reject that request, so ids must be unguessable.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix generates a random ID with a prefix (e.g. "req_", "sub_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// HexPrefixed generates a 0x-prefixed random hex string, the shape
// eth_subscribe returns for subscription ids.
func HexPrefixed(numBytes int) string {
	return "0x" + Hex(numBytes)
}
