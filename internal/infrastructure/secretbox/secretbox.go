// Package secretbox encrypts credential secrets at rest. The AES-256-GCM
// key is derived from the configured master secret with BLAKE2b, so the
// operator supplies one passphrase rather than raw key material.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/postpilot/postpilot/internal/domain"
)

// Cipher seals and opens credential secrets.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the sealing key from masterKey.
func New(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("secretbox: master key must not be empty")
	}
	key := blake2b.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plain. The nonce is prepended to the ciphertext.
func (c *Cipher) Encrypt(plain string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secretbox: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plain), nil), nil
}

// Decrypt opens sealed. Any failure (wrong key, truncated or tampered
// ciphertext) is fatal for the credential and wraps ErrCredentialCorrupt.
func (c *Cipher) Decrypt(sealed []byte) (string, error) {
	if len(sealed) < c.aead.NonceSize() {
		return "", fmt.Errorf("secretbox: ciphertext too short: %w", domain.ErrCredentialCorrupt)
	}
	nonce, payload := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, payload, nil)
	if err != nil {
		return "", fmt.Errorf("secretbox: open: %w", domain.ErrCredentialCorrupt)
	}
	return string(plain), nil
}
