package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"github.com/sofatutor/gemini-pool/internal/obfuscate"
)

const (
	// KeyPrefix starts every issued key.
	KeyPrefix = "sk-"

	// DefaultKeyPrefix is the segment after KeyPrefix when none is given.
	DefaultKeyPrefix = "gp"

	keyBytes  = 16
	saltBytes = 16
)

var (
	// KeyFormat matches keys issued by GenerateKey.
	KeyFormat = regexp.MustCompile(`^sk-[a-z0-9]+-[0-9a-f]{32}$`)

	prefixFormat = regexp.MustCompile(`^[a-z0-9]+$`)

	// ErrInvalidPrefix is returned for a prefix outside [a-z0-9]+.
	ErrInvalidPrefix = errors.New("key prefix must match [a-z0-9]+")
)

// GenerateKey returns a new raw key "sk-{prefix}-{32 hex chars}".
func GenerateKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !prefixFormat.MatchString(prefix) {
		return "", ErrInvalidPrefix
	}
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return KeyPrefix + prefix + "-" + hex.EncodeToString(b), nil
}

// GenerateSalt returns a 16-byte random salt, hex encoded.
func GenerateSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashKey computes the salted digest HMAC-SHA256(salt, key), hex encoded.
func HashKey(salt, key string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// LegacyHashKey computes the unsalted SHA-256 digest used by keys issued
// before salting was introduced. It is weaker than HashKey and is only used
// to verify existing records, never to issue new ones.
func LegacyHashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// digestFor returns the digest of key as it would be stored in cfg.
func digestFor(cfg Config, key string) string {
	if cfg.KeySalt != "" {
		return HashKey(cfg.KeySalt, key)
	}
	return LegacyHashKey(key)
}

// matches compares key against cfg in constant time.
func matches(cfg Config, key string) bool {
	return subtle.ConstantTimeCompare([]byte(digestFor(cfg, key)), []byte(cfg.KeyHash)) == 1
}

// MaskKey renders a raw key as "{first 8}...{last 4}".
func MaskKey(key string) string {
	return obfuscate.MaskKey(key)
}
