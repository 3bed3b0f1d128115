package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func memTestKey(id, producerID, key string) *APIKey {
	return &APIKey{
		ID:          id,
		Key:         key,
		ProducerID:  producerID,
		Name:        "key " + id,
		Permissions: []string{"enqueue"},
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	}
}

func TestInMemoryKeyStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryKeyStore()

	key := memTestKey("id-1", "playwright-ci", "issuesync_ak_one")

	if err := store.Add(ctx, key); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := store.Add(ctx, key); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("Add() duplicate error = %v, want ErrKeyAlreadyExists", err)
	}

	found, ok := store.FindByKey(ctx, "issuesync_ak_one")
	if !ok || found.ID != "id-1" {
		t.Fatalf("FindByKey() = %+v, %v; want id-1, true", found, ok)
	}

	// Mutating the returned copy must not affect the stored key.
	found.Name = "mutated"

	again, _ := store.FindByKey(ctx, "issuesync_ak_one")
	if again.Name == "mutated" {
		t.Errorf("FindByKey() returned a shared instance")
	}

	key.Name = "updated name"
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	keys, err := store.ListByProducer(ctx, "playwright-ci")
	if err != nil {
		t.Fatalf("ListByProducer() error = %v", err)
	}

	if len(keys) != 1 || keys[0].Name != "updated name" {
		t.Fatalf("ListByProducer() = %+v, want one updated key", keys)
	}

	// Delete is a soft delete: the key stays findable but inactive.
	if err := store.Delete(ctx, "id-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	deleted, ok := store.FindByKey(ctx, "issuesync_ak_one")
	if !ok {
		t.Fatalf("FindByKey() after soft delete not found")
	}

	if deleted.Active {
		t.Errorf("FindByKey() after delete Active = true, want false")
	}
}

func TestInMemoryKeyStoreUpdateMovesProducer(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryKeyStore()

	key := memTestKey("id-1", "producer-a", "issuesync_ak_one")
	if err := store.Add(ctx, key); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	key.ProducerID = "producer-b"
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	aKeys, _ := store.ListByProducer(ctx, "producer-a")
	if len(aKeys) != 0 {
		t.Errorf("ListByProducer(producer-a) = %d keys, want 0", len(aKeys))
	}

	bKeys, _ := store.ListByProducer(ctx, "producer-b")
	if len(bKeys) != 1 {
		t.Errorf("ListByProducer(producer-b) = %d keys, want 1", len(bKeys))
	}
}

func TestInMemoryKeyStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryKeyStore()

	if err := store.Add(ctx, nil); !errors.Is(err, ErrKeyNil) {
		t.Errorf("Add(nil) error = %v, want ErrKeyNil", err)
	}

	if err := store.Update(ctx, nil); !errors.Is(err, ErrKeyNil) {
		t.Errorf("Update(nil) error = %v, want ErrKeyNil", err)
	}

	if err := store.Update(ctx, memTestKey("ghost", "p", "k")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Update() unknown key error = %v, want ErrKeyNotFound", err)
	}

	if err := store.Delete(ctx, "ghost"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Delete() unknown key error = %v, want ErrKeyNotFound", err)
	}

	keys, err := store.ListByProducer(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListByProducer() error = %v", err)
	}

	if keys == nil || len(keys) != 0 {
		t.Errorf("ListByProducer() unknown producer = %v, want empty slice", keys)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestInMemoryKeyStoreConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryKeyStore()

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			id := string(rune('a' + n%26))
			key := memTestKey("id-"+id, "producer-"+id, "issuesync_ak_"+id)

			_ = store.Add(ctx, key)
			_, _ = store.FindByKey(ctx, key.Key)
			_, _ = store.ListByProducer(ctx, key.ProducerID)
		}(i)
	}

	wg.Wait()
}
