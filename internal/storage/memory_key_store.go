package storage

import (
	"context"
	"sync"
)

// InMemoryKeyStore provides thread-safe in-memory storage for API keys.
// Used in tests and single-process development setups where a database
// round-trip per auth check isn't worth it.
type InMemoryKeyStore struct {
	// keys maps key strings to Key structs for fast lookup
	keys map[string]*APIKey
	// keysByID maps key IDs to Key structs for ID-based operations
	keysByID map[string]*APIKey
	// keysByProducer maps producer IDs to slices of Key structs for producer filtering
	keysByProducer map[string][]*APIKey
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:           make(map[string]*APIKey),
		keysByID:       make(map[string]*APIKey),
		keysByProducer: make(map[string][]*APIKey),
	}
}

// FindByKey retrieves an API key by its key value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*APIKey, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	apiKey, exists := s.keys[key]
	if !exists {
		return nil, false
	}

	// Return a copy to prevent external modification
	keyCopy := *apiKey

	return &keyCopy, true
}

// Add stores a new API key.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	// Store a copy to prevent external modification
	keyCopy := *apiKey

	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy
	s.keysByProducer[keyCopy.ProducerID] = append(s.keysByProducer[keyCopy.ProducerID], &keyCopy)

	return nil
}

// Update modifies an existing API key.
func (s *InMemoryKeyStore) Update(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existingKey, exists := s.keysByID[apiKey.ID]
	if !exists {
		return ErrKeyNotFound
	}

	s.removeFromProducerMap(existingKey.ProducerID, existingKey.ID)

	if existingKey.Key != apiKey.Key {
		delete(s.keys, existingKey.Key)
	}

	keyCopy := *apiKey

	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy
	s.keysByProducer[keyCopy.ProducerID] = append(s.keysByProducer[keyCopy.ProducerID], &keyCopy)

	return nil
}

// Delete soft-deletes an API key by setting active=false.
// This matches PostgreSQL behavior for consistency.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existingKey, exists := s.keysByID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	// All maps point to the same instance, so flipping active here is
	// visible through every lookup path.
	existingKey.Active = false

	return nil
}

// ListByProducer returns all API keys for a specific producer.
func (s *InMemoryKeyStore) ListByProducer(_ context.Context, producerID string) ([]*APIKey, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys, exists := s.keysByProducer[producerID]
	if !exists {
		return []*APIKey{}, nil // Return empty slice for non-existent producers
	}

	// Return copies to prevent external modification
	result := make([]*APIKey, len(keys))
	for i, key := range keys {
		keyCopy := *key
		result[i] = &keyCopy
	}

	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryKeyStore) HealthCheck(_ context.Context) error {
	return nil
}

// removeFromProducerMap removes a key from the producer map by key ID.
// Caller must hold write lock.
func (s *InMemoryKeyStore) removeFromProducerMap(producerID, keyID string) {
	keys := s.keysByProducer[producerID]
	for i, key := range keys {
		if key.ID == keyID {
			s.keysByProducer[producerID] = append(keys[:i], keys[i+1:]...)

			break
		}
	}

	if len(s.keysByProducer[producerID]) == 0 {
		delete(s.keysByProducer, producerID)
	}
}
