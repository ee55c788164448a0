package encryption

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPrefix marks a secret stored as a bcrypt hash.
const HashPrefix = "bcrypt:"

// ErrSecretMismatch is returned when a presented secret does not match.
var ErrSecretMismatch = errors.New("secret does not match")

// bcrypt only reads the first 72 bytes; longer secrets are pre-hashed.
func bcryptInput(secret string) []byte {
	in := []byte(secret)
	if len(in) > 72 {
		sum := sha256.Sum256(in)
		in = sum[:]
	}
	return in
}

// HashSecret returns HashPrefix + bcrypt(secret) at the given cost, or at
// bcrypt.DefaultCost when cost is 0.
func HashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", errors.New("secret cannot be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	h, err := bcrypt.GenerateFromPassword(bcryptInput(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return HashPrefix + string(h), nil
}

// VerifySecret checks presented against stored. A stored value with
// HashPrefix is compared with bcrypt, anything else in constant time.
func VerifySecret(stored, presented string) error {
	if stored == "" || presented == "" {
		return ErrSecretMismatch
	}
	if !strings.HasPrefix(stored, HashPrefix) {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1 {
			return nil
		}
		return ErrSecretMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(stored[len(HashPrefix):]), bcryptInput(presented))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrSecretMismatch
	default:
		return fmt.Errorf("failed to verify secret: %w", err)
	}
}
