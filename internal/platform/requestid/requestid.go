// Package requestid generates the opaque identifiers the httpserver
// middleware assigns to requests that arrive without an X-Request-Id header.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns 16 random bytes hex-encoded: 32 characters, no separators, safe
// for log fields and response headers.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
