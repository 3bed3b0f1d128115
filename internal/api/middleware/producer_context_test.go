// Package middleware provides HTTP middleware components for the issuesync API.
package middleware

import (
	"context"
	"testing"
	"time"
)

// TestGetProducerContext_NotFound verifies that GetProducerContext returns empty context and false
// when no producer context exists in the request context.
func TestGetProducerContext_NotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	producerCtx, found := GetProducerContext(ctx)

	if found {
		t.Error("GetProducerContext should return false when context not found")
	}

	if producerCtx.ProducerID != "" {
		t.Errorf("Expected empty ProducerID, got %q", producerCtx.ProducerID)
	}
}

// TestGetProducerContext_Found verifies that GetProducerContext returns the correct
// producer context when it exists in the request context.
func TestGetProducerContext_Found(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	authTime := time.Now()

	expected := ProducerContext{
		ProducerID:  "playwright-ci-v1",
		Name:        "Playwright CI Producer",
		Permissions: []string{"operations:write", "metrics:read"},
		KeyID:       "key-123",
		AuthTime:    authTime,
	}

	ctx = SetProducerContext(ctx, expected)
	actual, found := GetProducerContext(ctx)

	if !found {
		t.Fatal("GetProducerContext should return true when context exists")
	}

	if actual.ProducerID != expected.ProducerID {
		t.Errorf("Expected ProducerID %q, got %q", expected.ProducerID, actual.ProducerID)
	}

	if actual.Name != expected.Name {
		t.Errorf("Expected Name %q, got %q", expected.Name, actual.Name)
	}

	if len(actual.Permissions) != len(expected.Permissions) {
		t.Errorf("Expected %d permissions, got %d", len(expected.Permissions), len(actual.Permissions))
	}

	for i, perm := range expected.Permissions {
		if actual.Permissions[i] != perm {
			t.Errorf("Expected permission[%d] %q, got %q", i, perm, actual.Permissions[i])
		}
	}

	if actual.KeyID != expected.KeyID {
		t.Errorf("Expected KeyID %q, got %q", expected.KeyID, actual.KeyID)
	}

	if !actual.AuthTime.Equal(expected.AuthTime) {
		t.Errorf("Expected AuthTime %v, got %v", expected.AuthTime, actual.AuthTime)
	}
}

// TestSetProducerContext verifies that SetProducerContext correctly stores
// producer context in the request context and can be retrieved.
func TestSetProducerContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	authTime := time.Now()

	producerCtx := ProducerContext{
		ProducerID:    "airflow-producer-v1",
		Name:        "Apache Airflow Producer",
		Permissions: []string{"operations:write"},
		KeyID:       "key-456",
		AuthTime:    authTime,
	}

	newCtx := SetProducerContext(ctx, producerCtx)

	// Verify original context is not modified
	_, found := GetProducerContext(ctx)
	if found {
		t.Error("Original context should not contain producer context")
	}

	// Verify new context contains producer context
	retrieved, found := GetProducerContext(newCtx)
	if !found {
		t.Fatal("New context should contain producer context")
	}

	if retrieved.ProducerID != producerCtx.ProducerID {
		t.Errorf("Expected ProducerID %q, got %q", producerCtx.ProducerID, retrieved.ProducerID)
	}
}

// TestSetProducerContext_MultipleValues verifies that SetProducerContext can be called
// multiple times and the latest value is returned.
func TestSetProducerContext_MultipleValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	first := ProducerContext{
		ProducerID: "first-producer",
		Name:     "First Producer",
		KeyID:    "key-1",
		AuthTime: time.Now(),
	}

	second := ProducerContext{
		ProducerID: "second-producer",
		Name:     "Second Producer",
		KeyID:    "key-2",
		AuthTime: time.Now(),
	}

	// Set first value
	ctx = SetProducerContext(ctx, first)

	// Set second value (overwrites first)
	ctx = SetProducerContext(ctx, second)

	// Retrieve and verify second value is returned
	retrieved, found := GetProducerContext(ctx)
	if !found {
		t.Fatal("Context should contain producer context")
	}

	if retrieved.ProducerID != second.ProducerID {
		t.Errorf("Expected ProducerID %q, got %q", second.ProducerID, retrieved.ProducerID)
	}

	if retrieved.Name != second.Name {
		t.Errorf("Expected Name %q, got %q", second.Name, retrieved.Name)
	}
}

// TestProducerContext_EmptyPermissions verifies that ProducerContext handles
// empty permissions slice correctly.
func TestProducerContext_EmptyPermissions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	producerCtx := ProducerContext{
		ProducerID:    "test-producer",
		Name:        "Test Producer",
		Permissions: []string{}, // Empty permissions
		KeyID:       "key-789",
		AuthTime:    time.Now(),
	}

	ctx = SetProducerContext(ctx, producerCtx)
	retrieved, found := GetProducerContext(ctx)

	if !found {
		t.Fatal("Context should contain producer context")
	}

	if retrieved.Permissions == nil {
		t.Error("Permissions should not be nil, expected empty slice")
	}

	if len(retrieved.Permissions) != 0 {
		t.Errorf("Expected 0 permissions, got %d", len(retrieved.Permissions))
	}
}
