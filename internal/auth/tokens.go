package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// generateDeviceToken returns a fresh opaque bearer token, shown to the
// caller in plaintext exactly once.
func generateDeviceToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate device token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashDeviceToken salts and hashes a plaintext device token for storage.
// Only the hash is ever persisted (spec.md §3: "hashed_token is a salted
// hash of the device bearer token").
func hashDeviceToken(salt, plaintext string) string {
	sum := sha256.Sum256([]byte(salt + plaintext))
	return hex.EncodeToString(sum[:])
}

// tokensEqual performs a constant-time comparison of two hex-encoded
// hashes, the same defense against timing attacks the teacher's API-key
// validation uses (crypto/subtle.ConstantTimeCompare against every
// candidate rather than a short-circuiting ==).
func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
