// Package auth provides API key generation and Argon2id verification for
// the orchestration router.
//
// A single key type protects the HTTP surface: callers present an API key
// (orc_ prefix) as a bearer token on every job request.
//
// Keys are generated with crypto/rand and hashed with Argon2id.
// Plaintext keys are shown once at generation time, then only hashes are stored.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// PrefixAPI identifies client API keys.
const PrefixAPI = "orc_"

// GeneratedKey holds a newly generated key and its Argon2id hash.
// The plaintext Key is shown once to the user. Only the Hash is stored.
type GeneratedKey struct {
	Key  string // Plaintext key (e.g., "orc_abc123..."), show once then discard
	Hash string // Argon2id PHC hash string, store in env var
}

// GenerateAPIKey creates a new API key for job request authentication.
func GenerateAPIKey() (*GeneratedKey, error) {
	return generateKey(PrefixAPI)
}

// generateKey creates a key with the given prefix and 32 random bytes.
// The random bytes are base64url-encoded (no padding) and appended to the prefix.
// The resulting key is hashed with Argon2id.
func generateKey(prefix string) (*GeneratedKey, error) {
	// 32 random bytes → 43 base64url characters
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}

	key := prefix + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := HashKey(key)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}

	return &GeneratedKey{Key: key, Hash: hash}, nil
}

// ValidateKeyPrefix checks that a key string starts with the API key prefix.
func ValidateKeyPrefix(key string) (string, error) {
	if strings.HasPrefix(key, PrefixAPI) {
		return PrefixAPI, nil
	}
	return "", fmt.Errorf("unknown key prefix: key must start with %q", PrefixAPI)
}
