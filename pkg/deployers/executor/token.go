package executor

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// TokenVerifier checks the shared token executors send with their callbacks
// against a configured bcrypt hash.
type TokenVerifier struct {
	hash []byte
}

// NewTokenVerifier creates a verifier for a bcrypt hash. An empty hash
// returns a nil verifier, which accepts every callback.
func NewTokenVerifier(hash string) (*TokenVerifier, error) {
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid callback token hash: %w", err)
	}
	return &TokenVerifier{hash: []byte(hash)}, nil
}

// Verify reports whether token matches the configured hash.
func (v *TokenVerifier) Verify(token string) bool {
	if v == nil {
		return true
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(token)) == nil
}

// HashToken hashes a callback token for the configuration file.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}
