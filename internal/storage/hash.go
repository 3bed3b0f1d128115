package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash (MVP performance vs security balance)
	// Can be increased to 12 (~250ms) for production security hardening.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashAPIKey generates a bcrypt hash of the API key for secure storage.
// The API key is never stored in plaintext - only the bcrypt hash is persisted.
// Each hash carries its own random salt, so identical keys produce different
// hashes.
//
// Bcrypt has a 72-byte input limit; longer keys are pre-hashed with SHA-256
// so the full key still contributes to the result.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash validates an API key against its stored bcrypt hash.
// This is the primary method for API key validation - never compare plaintext
// keys. Returns false for any error condition (empty inputs, invalid hash
// format, mismatch).
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}

// bcryptInput prepares a key for bcrypt, pre-hashing with SHA-256 past the
// 72-byte limit. Hashing and comparison must agree on this preparation.
func bcryptInput(apiKey string) []byte {
	if len(apiKey) > bcryptLimit {
		hasher := sha256.New()
		hasher.Write([]byte(apiKey))

		return hasher.Sum(nil)
	}

	return []byte(apiKey)
}
