// Package checksum provides hashing and random-token helpers shared by the
// storage and journal layers.
package checksum

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// SHA256Hex returns the SHA-256 digest of data as lowercase hex.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("checksum: failed to read random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns a random token of n bytes encoded as lowercase hex.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewUUID returns a fresh version-4 UUID string.
func NewUUID() string {
	return uuid.New().String()
}
