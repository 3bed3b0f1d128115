package storage

import (
	"strings"
	"testing"
)

func TestHashAPIKeyRoundTrip(t *testing.T) {
	key, err := GenerateAPIKey("hash-test")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}

	if hash == key {
		t.Fatalf("HashAPIKey() returned the plaintext key")
	}

	if !CompareAPIKeyHash(hash, key) {
		t.Errorf("CompareAPIKeyHash() = false for matching key")
	}

	if CompareAPIKeyHash(hash, key+"x") {
		t.Errorf("CompareAPIKeyHash() = true for non-matching key")
	}
}

func TestHashAPIKeySaltsEachHash(t *testing.T) {
	key, err := GenerateAPIKey("salt-test")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	first, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}

	second, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}

	// bcrypt salts internally, so identical inputs produce distinct hashes
	// that both verify.
	if first == second {
		t.Errorf("HashAPIKey() produced identical hashes for the same input")
	}

	if !CompareAPIKeyHash(first, key) || !CompareAPIKeyHash(second, key) {
		t.Errorf("CompareAPIKeyHash() failed for one of the salted hashes")
	}
}

func TestHashAPIKeyLongInput(t *testing.T) {
	// Keys beyond bcrypt's 72-byte limit go through SHA-256 pre-hashing;
	// hashing and comparison must agree on that preparation.
	long := "issuesync_ak_" + strings.Repeat("f", 100)

	hash, err := HashAPIKey(long)
	if err != nil {
		t.Fatalf("HashAPIKey() long input error = %v", err)
	}

	if !CompareAPIKeyHash(hash, long) {
		t.Errorf("CompareAPIKeyHash() = false for long key")
	}

	if CompareAPIKeyHash(hash, long[:90]) {
		t.Errorf("CompareAPIKeyHash() = true for truncated long key")
	}
}

func TestHashAPIKeyEmptyInputs(t *testing.T) {
	if _, err := HashAPIKey(""); err == nil {
		t.Errorf("HashAPIKey(\"\") expected error, got nil")
	}

	if CompareAPIKeyHash("", "key") {
		t.Errorf("CompareAPIKeyHash() with empty hash = true, want false")
	}

	if CompareAPIKeyHash("$2a$10$something", "") {
		t.Errorf("CompareAPIKeyHash() with empty key = true, want false")
	}
}
