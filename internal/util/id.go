package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered identifier, optionally prefixed ("prf_...").
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) string {
	bytes := make([]byte, n)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
