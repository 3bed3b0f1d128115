package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

// PersistentKeyStore implements the APIKeyStore interface over PostgreSQL.
// Keys are stored as bcrypt hashes; a SHA-256 lookup hash gives O(1)
// retrieval without weakening the bcrypt security boundary.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore creates a PostgreSQL-backed key store over an
// established connection pool.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	return &PersistentKeyStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: getEnvLogLevel("LOG_LEVEL", slog.LevelDebug),
		})),
	}, nil
}

// Close closes the database connection pool gracefully.
// This method is safe to call multiple times.
func (s *PersistentKeyStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// HealthCheck verifies the backing database connection is healthy.
func (s *PersistentKeyStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// FindByKey retrieves an API key by its key value using O(1) hash lookup.
// Uses key_lookup_hash (SHA256) for the database query, then verifies with
// bcrypt. Returns (nil, false) if key not found or invalid.
// Note: Active/inactive status is checked by the authentication layer, not here.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	lookupHash := ComputeKeyLookupHash(key)

	query := `
		SELECT id, key_hash, producer_id, name, permissions, created_at, expires_at, active, updated_at
		FROM api_keys
		WHERE key_lookup_hash = $1
		LIMIT 1
	`

	var (
		apiKey          APIKey
		permissionsJSON []byte
		updatedAt       interface{} // Not used in APIKey struct yet
	)

	err := s.conn.QueryRowContext(ctx, query, lookupHash).Scan(
		&apiKey.ID,
		&apiKey.Key, // This is actually the hash, we'll use it for comparison
		&apiKey.ProducerID,
		&apiKey.Name,
		&permissionsJSON,
		&apiKey.CreatedAt,
		&apiKey.ExpiresAt,
		&apiKey.Active,
		&updatedAt,
	)
	if err != nil {
		return nil, false
	}

	if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
		s.logger.Error("failed to parse permissions", slog.String("error", err.Error()))

		return nil, false
	}

	// Verify with bcrypt (protects against SHA256 collision attacks)
	if !CompareAPIKeyHash(apiKey.Key, key) {
		// Hash collision (extremely unlikely) or tampered lookup_hash
		s.logger.Warn("key lookup hash matched but bcrypt verification failed",
			slog.String("key_id", apiKey.ID),
			slog.String("producer_id", apiKey.ProducerID),
		)

		return nil, false
	}

	// Found and verified - mask the key before handing it out
	apiKey.Key = MaskKey(apiKey.Key)

	return &apiKey, true
}

// Add stores a new API key. The plaintext key is hashed with bcrypt for
// validation and SHA256 for lookup; only the hashes are persisted. Audit
// logging is synchronous but best-effort.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if existing, found := s.FindByKey(ctx, apiKey.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	lookupHash := ComputeKeyLookupHash(apiKey.Key)

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		INSERT INTO api_keys (id, key_hash, key_lookup_hash, producer_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		apiKey.ID,
		keyHash,
		lookupHash,
		apiKey.ProducerID,
		apiKey.Name,
		permissionsJSON,
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	if err := s.logAudit(ctx, keyCreated, apiKey, nil); err != nil {
		s.logger.Error(
			"failed to write an audit log entry for API key operation",
			slog.String("operation", keyCreated),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Update modifies an existing API key's name, permissions, active status,
// and expiration. The key hash itself cannot be updated.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.ID == "" {
		return ErrKeyNotFound
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		UPDATE api_keys
		SET name = $1, permissions = $2, active = $3, expires_at = $4
		WHERE id = $5
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		apiKey.Name,
		permissionsJSON,
		apiKey.Active,
		apiKey.ExpiresAt,
		apiKey.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	if err := s.logAudit(ctx, keyUpdated, apiKey, nil); err != nil {
		s.logger.Error(
			"failed to write an audit log entry for API key operation",
			slog.String("operation", keyUpdated),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete performs a soft delete on an API key by setting active=FALSE.
// The row is kept for the audit trail.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	query := `
		UPDATE api_keys
		SET active = FALSE
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	apiKey := &APIKey{
		ID: keyID,
	}

	if err := s.logAudit(ctx, keyDeleted, apiKey, nil); err != nil {
		s.logger.Error(
			"failed to write an audit log entry for API key operation",
			slog.String("operation", keyDeleted),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// ListByProducer returns all active API keys for a specific producer.
func (s *PersistentKeyStore) ListByProducer(ctx context.Context, producerID string) ([]*APIKey, error) {
	if producerID == "" {
		return nil, ErrProducerIDEmpty
	}

	query := `
		SELECT id, key_hash, producer_id, name, permissions, created_at, expires_at, active, updated_at
		FROM api_keys
		WHERE producer_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, producerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var keys []*APIKey

	for rows.Next() {
		var (
			apiKey          APIKey
			permissionsJSON []byte
			updatedAt       interface{} // Not used in APIKey struct yet
		)

		err := rows.Scan(
			&apiKey.ID,
			&apiKey.Key, // This is actually the hash, mask it before returning
			&apiKey.ProducerID,
			&apiKey.Name,
			&permissionsJSON,
			&apiKey.CreatedAt,
			&apiKey.ExpiresAt,
			&apiKey.Active,
			&updatedAt,
		)
		if err != nil {
			continue
		}

		if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
			continue
		}

		apiKey.Key = MaskKey(apiKey.Key)

		keys = append(keys, &apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	// Return empty slice (not nil) if no keys found
	if keys == nil {
		keys = []*APIKey{}
	}

	return keys, nil
}

// permissionsToJSON converts a permissions slice to JSON format for PostgreSQL JSONB storage.
func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}

// logAudit writes an audit log entry for API key operations.
func (s *PersistentKeyStore) logAudit(
	ctx context.Context,
	operation string,
	apiKey *APIKey,
	metadata map[string]interface{},
) error {
	maskedKey := MaskKey(apiKey.Key)

	var (
		metadataJSON []byte
		err          error
	)

	if metadata == nil {
		metadataJSON = []byte("{}")
	} else {
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO api_key_audit_log (api_key_id, operation, masked_key, producer_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = s.conn.ExecContext(ctx, query, apiKey.ID, operation, maskedKey, apiKey.ProducerID, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}
