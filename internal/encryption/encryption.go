// Package encryption seals OAuth secrets at rest with AES-256-GCM and
// verifies operator secrets that may be stored as bcrypt hashes.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// SealedPrefix marks a value produced by Sealer.Seal.
	SealedPrefix = "enc:v1:"
)

var (
	// ErrInvalidKeySize is returned for keys that are not KeySize bytes.
	ErrInvalidKeySize = errors.New("encryption key must be exactly 32 bytes")

	// ErrNoKey is returned when no encryption key is configured.
	ErrNoKey = errors.New("no encryption key configured")

	// ErrDecryptionFailed is returned when a sealed value cannot be opened,
	// usually because it was sealed with another key.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidCiphertext is returned for sealed values that are truncated
	// or not base64.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
)

// FieldSealer seals and opens single string fields.
type FieldSealer interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// Sealer is an AES-256-GCM FieldSealer. It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromBase64 creates a Sealer from a standard base64 encoded key,
// the format printed by GenerateKey.
func NewSealerFromBase64(encoded string) (*Sealer, error) {
	if encoded == "" {
		return nil, ErrNoKey
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	return NewSealer(key)
}

// Seal encrypts plaintext under a fresh nonce and returns
// SealedPrefix + base64(nonce || ciphertext). Empty and already sealed
// values are returned unchanged.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Values without SealedPrefix were stored
// before encryption was enabled and are returned as-is.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(value[len(SealedPrefix):])
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	n := s.aead.NonceSize()
	if len(data) < n+s.aead.Overhead()+1 {
		return "", ErrInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsSealed reports whether value carries SealedPrefix.
func IsSealed(value string) bool {
	return len(value) > len(SealedPrefix) && strings.HasPrefix(value, SealedPrefix)
}

// GenerateKey returns a new random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Plaintext is the FieldSealer used when encryption is disabled. Open still
// rejects sealed values so a missing key is noticed instead of leaking
// ciphertext as a credential.
type Plaintext struct{}

// Seal returns plaintext unchanged.
func (Plaintext) Seal(plaintext string) (string, error) { return plaintext, nil }

// Open returns value unchanged unless it is sealed.
func (Plaintext) Open(value string) (string, error) {
	if IsSealed(value) {
		return "", ErrNoKey
	}
	return value, nil
}

var (
	_ FieldSealer = (*Sealer)(nil)
	_ FieldSealer = Plaintext{}
)
