// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"crypto/rand"
)

// IsZeroBytes checks if all bytes in the slice are zero.
func IsZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// GenerateSecureRandom generates n cryptographically secure random bytes.
func GenerateSecureRandom(n int) ([]byte, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// RandomBytes32 returns 32 cryptographically secure random bytes.
func RandomBytes32() ([32]byte, error) {
	var out [32]byte
	b, err := GenerateSecureRandom(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
