package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	// TokenPrefix is the prefix for verification tokens
	TokenPrefix = "pmv_"
	// TokenByteLength is the number of random bytes (32 bytes = 64 hex chars)
	TokenByteLength = 32
	// TokenTotalLength is the total length of the token (prefix + hex encoded bytes)
	TokenTotalLength = 68 // 4 (prefix) + 64 (hex)
)

// GenerateVerificationToken generates a cryptographically secure verification
// token of the form pmv_ + 64 hex characters.
func GenerateVerificationToken() (string, error) {
	bytes := make([]byte, TokenByteLength)

	_, err := rand.Read(bytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return TokenPrefix + hex.EncodeToString(bytes), nil
}

// ValidateVerificationToken checks if a token has the correct format
func ValidateVerificationToken(token string) bool {
	if len(token) != TokenTotalLength {
		return false
	}

	if token[:len(TokenPrefix)] != TokenPrefix {
		return false
	}

	// Check if the rest is valid hex
	_, err := hex.DecodeString(token[len(TokenPrefix):])
	return err == nil
}
