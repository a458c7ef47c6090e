// Package idgen provides random ID generation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars (e.g. "fb_", "batch_").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of 2*numBytes chars, capped at 32.
func Hex(numBytes int) string {
	if numBytes > 16 {
		numBytes = 16
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:numBytes*2]
}
