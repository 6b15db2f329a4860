package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// apiKeyBytes is the entropy of a freshly generated API key (32 bytes,
// 64 hex characters on the wire).
const apiKeyBytes = 32

// apiKeyPrefix makes raw keys recognizable in config files and accidental
// log output.
const apiKeyPrefix = "ovsk_"

// GenerateAPIKey returns a new raw API key and its storable hash. The raw
// key is shown to the caller exactly once; only the hash is persisted.
func GenerateAPIKey() (raw, hash string, err error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generating api key: %w", err)
	}
	raw = apiKeyPrefix + hex.EncodeToString(buf)
	return raw, HashAPIKey(raw), nil
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key. The digest is
// deterministic so registration can resolve a key with a single indexed
// lookup; the key itself carries 256 bits of entropy, which rules out
// offline guessing against the digest.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
