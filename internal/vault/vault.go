// Package vault encrypts opaque credential blobs at rest.
//
// Per-tenant data keys are derived from a process-wide root key through HKDF
// (SHA-256) with the tenant id as salt, so a leaked tenant key never exposes
// another tenant's blobs. Wrapping uses AES-256-GCM with a random nonce and a
// leading version byte so older ciphertexts remain decryptable after a key
// rotation adds a new version.
//
// The vault never logs plaintext and never exposes plaintext through any audit
// path — callers get bytes back from Unwrap and nothing else.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// currentVersion is the version byte written on newly wrapped blobs.
const currentVersion byte = 1

// keySize is the derived AES key size in bytes (AES-256).
const keySize = 32

// ErrMalformed is returned when a ciphertext is too short or corrupted.
var ErrMalformed = errors.New("vault: malformed ciphertext")

// ErrUnknownVersion is returned when a ciphertext carries a version byte the
// vault has no key material for.
var ErrUnknownVersion = errors.New("vault: unknown ciphertext version")

// Vault derives per-tenant keys and performs authenticated encryption of
// credential blobs. It is safe for concurrent use.
type Vault struct {
	// roots maps version byte → root key. Version currentVersion is used for
	// wrapping; retained older versions keep old ciphertexts decryptable.
	roots map[byte][]byte
}

// New creates a Vault from the process root key. The key must be at least 32
// bytes of entropy.
func New(rootKey []byte) (*Vault, error) {
	if len(rootKey) < keySize {
		return nil, fmt.Errorf("vault: root key is %d bytes; at least %d required", len(rootKey), keySize)
	}
	return &Vault{roots: map[byte][]byte{currentVersion: append([]byte(nil), rootKey...)}}, nil
}

// RetainPriorKey registers the root key of an earlier version so ciphertexts
// wrapped under it remain decryptable after rotation.
func (v *Vault) RetainPriorKey(version byte, rootKey []byte) error {
	if version >= currentVersion {
		return fmt.Errorf("vault: prior key version %d must be below current %d", version, currentVersion)
	}
	if len(rootKey) < keySize {
		return fmt.Errorf("vault: prior root key is %d bytes; at least %d required", len(rootKey), keySize)
	}
	v.roots[version] = append([]byte(nil), rootKey...)
	return nil
}

// deriveKey computes the per-tenant AES key for a root key version.
func (v *Vault) deriveKey(version byte, tenantID string) ([]byte, error) {
	root, ok := v.roots[version]
	if !ok {
		return nil, ErrUnknownVersion
	}
	kdf := hkdf.New(sha256.New, root, []byte(tenantID), []byte("voxwire-credential-vault"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

// Wrap encrypts plaintext under the tenant's derived key. The returned blob is
// version || nonce || sealed and is safe to store at rest. Equal plaintexts
// never produce equal ciphertexts — never compare blobs for equality.
func (v *Vault) Wrap(tenantID string, plaintext []byte) ([]byte, error) {
	key, err := v.deriveKey(currentVersion, tenantID)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, currentVersion)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, []byte(tenantID))
	return out, nil
}

// Unwrap decrypts a blob produced by [Vault.Wrap] with the current key or any
// retained prior key. Tampered or truncated blobs fail authentication.
func (v *Vault) Unwrap(tenantID string, blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, ErrMalformed
	}
	version := blob[0]

	key, err := v.deriveKey(version, tenantID)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	rest := blob[1:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}
