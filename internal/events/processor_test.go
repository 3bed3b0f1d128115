package events_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaintel/issuesync/internal/events"
	"github.com/qaintel/issuesync/internal/store"
)

// memEventStore is a minimal in-memory store.EventStore for unit tests.
type memEventStore struct {
	mu   sync.Mutex
	rows map[string]*store.Event
}

func newMemEventStore() *memEventStore {
	return &memEventStore{rows: make(map[string]*store.Event)}
}

func (m *memEventStore) InsertOrIgnore(_ context.Context, ev *store.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rows[ev.ID]; exists {
		return false, nil
	}

	cp := *ev
	m.rows[ev.ID] = &cp

	return true, nil
}

func (m *memEventStore) Get(_ context.Context, id string) (*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	cp := *ev

	return &cp, nil
}

func (m *memEventStore) MarkProcessed(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev, ok := m.rows[id]; ok {
		ev.Processed = true
		ev.ProcessedAt = &now
	}

	return nil
}

func (m *memEventStore) MarkErrored(_ context.Context, id, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev, ok := m.rows[id]; ok {
		ev.Processed = false
		ev.ProcessingError = &processingError
	}

	return nil
}

func (m *memEventStore) FindUnprocessedOlderThan(_ context.Context, threshold time.Time, limit int) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*store.Event

	for _, ev := range m.rows {
		if !ev.Processed && ev.ReceivedAt.Before(threshold) {
			out = append(out, ev)
		}
	}

	return out, nil
}

func (m *memEventStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func payload(t *testing.T, kind, subjectKey string, ts int64) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"event_kind":       kind,
		"subject_id":       "1",
		"subject_key":      subjectKey,
		"source_timestamp": ts,
	})
	require.NoError(t, err)

	return body
}

func TestAccept_IgnoresKindNotOnAllowList(t *testing.T) {
	t.Parallel()

	p := events.New(newMemEventStore(), nil, events.Config{AllowList: []string{"issue_updated"}}, nil)

	result := p.Accept(context.Background(), payload(t, "comment_created", "QA-1", 1), nil)
	assert.True(t, result.Accepted)
	assert.Equal(t, events.ReasonIgnored, result.Reason)
}

func TestAccept_DedupesIdenticalEvent(t *testing.T) {
	t.Parallel()

	p := events.New(newMemEventStore(), nil, events.Config{AllowList: []string{"issue_updated"}}, nil)

	body := payload(t, "issue_updated", "QA-1", 42)

	first := p.Accept(context.Background(), body, nil)
	assert.Equal(t, events.ReasonOK, first.Reason)

	second := p.Accept(context.Background(), body, nil)
	assert.Equal(t, events.ReasonDuplicate, second.Reason)
}

func TestAccept_RejectsInvalidSignature(t *testing.T) {
	t.Parallel()

	p := events.New(newMemEventStore(), nil, events.Config{
		Secret:            "shh",
		SignatureRequired: true,
		AllowList:         []string{"issue_updated"},
	}, nil)

	body := payload(t, "issue_updated", "QA-1", 1)

	result := p.Accept(context.Background(), body, map[string]string{"X-Hub-Signature": "sha256=deadbeef"})
	assert.False(t, result.Accepted)
	assert.Equal(t, events.ReasonInvalidSignature, result.Reason)
}

func TestAccept_AcceptsValidSignature(t *testing.T) {
	t.Parallel()

	secret := "shh"
	p := events.New(newMemEventStore(), nil, events.Config{
		Secret:            secret,
		SignatureRequired: true,
		AllowList:         []string{"issue_updated"},
	}, nil)

	body := payload(t, "issue_updated", "QA-1", 1)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	result := p.Accept(context.Background(), body, map[string]string{"X-Hub-Signature": sig})
	assert.True(t, result.Accepted)
	assert.Equal(t, events.ReasonOK, result.Reason)
}

func TestAccept_MissingSignatureRejectedWhenRequired(t *testing.T) {
	t.Parallel()

	p := events.New(newMemEventStore(), nil, events.Config{
		Secret:            "shh",
		SignatureRequired: true,
		AllowList:         []string{"issue_updated"},
	}, nil)

	result := p.Accept(context.Background(), payload(t, "issue_updated", "QA-1", 1), nil)
	assert.False(t, result.Accepted)
	assert.Equal(t, events.ReasonMissingSignature, result.Reason)
}

func TestAccept_DispatchesToRegisteredSinks(t *testing.T) {
	t.Parallel()

	p := events.New(newMemEventStore(), nil, events.Config{AllowList: []string{"issue_created"}}, nil)

	var received []events.DomainEvent

	p.RegisterSink(func(e events.DomainEvent) {
		received = append(received, e)
	})

	result := p.Accept(context.Background(), payload(t, "issue_created", "QA-9", 7), nil)
	require.True(t, result.Accepted)
	require.Len(t, received, 1)
	assert.Equal(t, events.TransitionCreated, received[0].Transition)
	assert.Equal(t, "QA-9", received[0].SubjectKey)
}

func TestAccept_BadPayloadRejected(t *testing.T) {
	t.Parallel()

	p := events.New(newMemEventStore(), nil, events.Config{AllowList: []string{"issue_updated"}}, nil)

	result := p.Accept(context.Background(), []byte("not json"), nil)
	assert.False(t, result.Accepted)
	assert.Equal(t, events.ReasonBadPayload, result.Reason)
}
