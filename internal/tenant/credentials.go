package tenant

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// secretScheme prefixes every minted API credential so leaked secrets are
// greppable and the resolver can cheaply reject non-credential strings.
const secretScheme = "vx_"

// MintSecret generates a fresh API credential secret. It returns the full
// secret (shown to the caller exactly once), the short non-secret prefix used
// for identification, and the one-way hash stored in place of the secret.
func MintSecret() (secret, prefix, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("tenant: mint credential: %w", err)
	}
	body := hex.EncodeToString(buf)
	prefix = body[:8]
	secret = secretScheme + body
	return secret, prefix, HashSecret(secret), nil
}

// HashSecret returns the storage hash for a presented credential secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// looksLikeSecret reports whether raw carries the credential scheme prefix.
func looksLikeSecret(raw string) bool {
	return strings.HasPrefix(raw, secretScheme)
}
