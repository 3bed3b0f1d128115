// Package storage provides the producer-credential store backing the
// issuesync API: bcrypt-hashed API keys with a SHA-256 lookup hash, over
// PostgreSQL, plus the shared database connection wrapper the row stores
// build on.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	// API key format constants.
	randomBytesSize = 32
	keyPrefix       = "issuesync_ak_"
	apiKeyLength    = len(keyPrefix) + randomBytesSize*2
	maskPrefixLen   = 17 // Show "issuesync_ak_1234"
	maskSuffixLen   = 4  // Show last 4 chars
	postgresDriver  = "postgres"
	ctxTimeout      = 5 * time.Second
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrProducerIDEmpty is returned when the producer ID is empty during key generation.
	ErrProducerIDEmpty = errors.New("producer ID cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when an API key doesn't match the expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when an API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

type (
	// Connection represents a database connection.
	Connection struct {
		*sql.DB
	}

	// APIKey identifies a producer (a test-framework integration allowed to
	// enqueue operations and query mappings) and its permissions.
	// This is a storage domain model - not serialized to JSON directly.
	// For API responses, create a separate response type in the api package.
	APIKey struct {
		ID          string
		Key         string // bcrypt hash - never expose in API responses
		ProducerID  string
		Name        string
		Permissions []string
		CreatedAt   time.Time
		ExpiresAt   *time.Time
		Active      bool
	}

	// APIKeyStore defines the interface for API key storage and retrieval.
	APIKeyStore interface {
		// FindByKey retrieves an API key by its key value
		FindByKey(ctx context.Context, key string) (*APIKey, bool)
		// Add stores a new API key
		Add(ctx context.Context, apiKey *APIKey) error
		// Update modifies an existing API key
		Update(ctx context.Context, apiKey *APIKey) error
		// Delete removes an API key
		Delete(ctx context.Context, keyID string) error
		// ListByProducer returns all API keys for a specific producer
		ListByProducer(ctx context.Context, producerID string) ([]*APIKey, error)
		// HealthCheck verifies the storage backend is healthy and ready to serve requests
		HealthCheck(ctx context.Context) error
	}
)

// NewConnection returns a new Database Connection.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Perform immediate health check with timeout
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck checks if the database connection is healthy with timeout.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the database connection pool gracefully.
// This method is safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns database connection pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// ValidateKey performs constant-time comparison of the provided key against this API key.
func (ak *APIKey) ValidateKey(providedKey string) bool {
	if providedKey == "" || ak.Key == "" {
		return false
	}

	if !ak.Active {
		return false
	}

	if ak.ExpiresAt != nil && time.Now().After(*ak.ExpiresAt) {
		return false
	}

	return SecureCompare(ak.Key, providedKey)
}

// HasPermission checks if the API key has a specific permission.
func (ak *APIKey) HasPermission(permission string) bool {
	for _, p := range ak.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// SecureCompare performs constant-time comparison of two strings to prevent timing attacks.
// Length mismatches are rejected outright, but only after a dummy comparison so
// the rejection itself doesn't leak through timing.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks an API key for secure logging by showing only the prefix and suffix.
// Designed for the standard key format: "issuesync_ak_" + 64 hex chars.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	if keyLen == apiKeyLength {
		maskedLen := keyLen - maskPrefixLen - maskSuffixLen

		return key[:maskPrefixLen] + strings.Repeat("*", maskedLen) + key[keyLen-maskSuffixLen:]
	}

	// For any other key length (testing, development, etc.), mask completely
	return strings.Repeat("*", keyLen)
}

// ComputeKeyLookupHash computes the SHA256 hash of an API key for O(1) lookup.
// This hash is stored in the key_lookup_hash column and used for fast key retrieval.
// Note: This is separate from the bcrypt hash used for security validation.
//
// Security considerations:
//   - SHA256 is used for indexing only, NOT for password verification
//   - The bcrypt key_hash field remains the security boundary
//   - Rainbow tables are ineffective due to high-entropy API keys (256 bits)
func ComputeKeyLookupHash(key string) string {
	hash := sha256.Sum256([]byte(key))

	return hex.EncodeToString(hash[:])
}

// GenerateAPIKey creates a new secure API key for a producer.
func GenerateAPIKey(producerID string) (string, error) {
	if producerID == "" {
		return "", ErrProducerIDEmpty
	}

	// 32 random bytes (256 bits)
	randomBytes := make([]byte, randomBytesSize)

	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return keyPrefix + hex.EncodeToString(randomBytes), nil // pragma: allowlist secret
}

// ParseAPIKey extracts the API key from various header formats.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	// Remove "Bearer " prefix if present
	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, keyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
