// Package secrets encrypts wallet private keys at rest.
//
// Bot configs are persisted as JSON, so the private key is sealed with
// AES-256-GCM under a process-wide key from the POLY_SECRET_KEY
// environment variable (32 bytes, hex-encoded). Ciphertexts carry the
// "enc:" prefix followed by base64(nonce || sealed). The plaintext key
// only ever exists in memory while a session signs orders.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// EnvKey names the environment variable holding the master key.
const EnvKey = "POLY_SECRET_KEY"

const prefix = "enc:"

// Box seals and opens wallet secrets under one master key.
type Box struct {
	aead cipher.AEAD
}

// FromEnv builds a Box from POLY_SECRET_KEY. A non-hex value is accepted
// and hashed down to 32 bytes so ad-hoc passphrases work in development.
func FromEnv() (*Box, error) {
	raw := os.Getenv(EnvKey)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", EnvKey)
	}

	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(raw))
		key = sum[:]
	}
	return New(key)
}

// New builds a Box from a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals a plaintext secret into an "enc:" ciphertext.
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an "enc:" ciphertext.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", fmt.Errorf("not an encrypted secret")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether the value carries the ciphertext prefix.
func IsEncrypted(v string) bool { return strings.HasPrefix(v, prefix) }
