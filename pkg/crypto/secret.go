// Package crypto seals database passwords so they can sit in config files or
// deployment manifests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidKey       = errors.New("invalid credentials key: must not be empty")
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// PasswordBox seals and opens secrets with AES-256-GCM.
type PasswordBox struct {
	gcm cipher.AEAD
}

// NewPasswordBox accepts either a base64 32-byte key (openssl rand -base64 32)
// or a passphrase, which is hashed to 32 bytes with SHA-256.
func NewPasswordBox(key string) (*PasswordBox, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 32 {
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &PasswordBox{gcm: gcm}, nil
}

// Seal returns base64(nonce || ciphertext || tag). An empty password stays empty.
func (b *PasswordBox) Seal(password string) (string, error) {
	if password == "" {
		return "", nil
	}

	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b.gcm.Seal(nonce, nonce, []byte(password), nil)), nil
}

// Open reverses Seal.
func (b *PasswordBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}
	n := b.gcm.NonceSize()
	if len(data) < n+b.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plain, err := b.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return string(plain), nil
}

// OpenPassword opens sealed with a box built from key.
func OpenPassword(key, sealed string) (string, error) {
	box, err := NewPasswordBox(key)
	if err != nil {
		return "", err
	}
	return box.Open(sealed)
}
