package utils

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex returns nBytes of cryptographic randomness hex-encoded.
func RandomHex(nBytes int) string {
	b := make([]byte, nBytes)
	// crypto/rand.Read does not fail on supported platforms.
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
