package queue_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaintel/issuesync/internal/issuetracker"
	"github.com/qaintel/issuesync/internal/mapping"
	"github.com/qaintel/issuesync/internal/queue"
	"github.com/qaintel/issuesync/internal/store"
)

// memOperationStore is a minimal in-memory store.OperationStore used to
// unit test coordinator/worker behavior without a real database.
type memOperationStore struct {
	mu   sync.Mutex
	rows map[string]*store.Operation
}

func newMemOperationStore() *memOperationStore {
	return &memOperationStore{rows: make(map[string]*store.Operation)}
}

var _ store.OperationStore = (*memOperationStore)(nil)

func (m *memOperationStore) Insert(_ context.Context, op *store.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *op
	m.rows[cp.ID] = &cp

	return nil
}

func (m *memOperationStore) Get(_ context.Context, id string) (*store.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	cp := *op

	return &cp, nil
}

func (m *memOperationStore) Cancel(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.rows[id]
	if !ok || (op.Status != store.OperationPending && op.Status != store.OperationInFlight) {
		return false, nil
	}

	op.Status = store.OperationCancelled

	return true, nil
}

func (m *memOperationStore) Stats(_ context.Context) (map[store.OperationStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[store.OperationStatus]int)
	for _, op := range m.rows {
		out[op.Status]++
	}

	return out, nil
}

func (m *memOperationStore) ClaimPending(_ context.Context, workerID string, now time.Time, max int, leaseDuration time.Duration) ([]*store.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*store.Operation

	for _, op := range m.rows {
		if op.Status != store.OperationPending {
			continue
		}

		if op.ScheduledAt.After(now) {
			continue
		}

		if op.RateLimitUntil != nil && op.RateLimitUntil.After(now) {
			continue
		}

		eligible = append(eligible, op)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}

		return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
	})

	if len(eligible) > max {
		eligible = eligible[:max]
	}

	claimed := make([]*store.Operation, 0, len(eligible))

	for _, op := range eligible {
		owner := workerID
		leaseExpiresAt := now.Add(leaseDuration)
		op.Status = store.OperationInFlight
		op.LeaseOwner = &owner
		op.LeaseExpiresAt = &leaseExpiresAt
		op.StartedAt = &now
		op.Attempt++

		cp := *op
		claimed = append(claimed, &cp)
	}

	return claimed, nil
}

func (m *memOperationStore) Complete(_ context.Context, id, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.rows[id]
	if !ok || op.Status != store.OperationInFlight || op.LeaseOwner == nil || *op.LeaseOwner != workerID {
		return false, nil
	}

	op.Status = store.OperationCompleted
	op.CompletedAt = &now

	return true, nil
}

func (m *memOperationStore) Reschedule(_ context.Context, id, workerID string, nextAt time.Time, rateLimitUntil *time.Time, lastError string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.rows[id]
	if !ok || op.Status != store.OperationInFlight || op.LeaseOwner == nil || *op.LeaseOwner != workerID {
		return false, nil
	}

	op.Status = store.OperationPending
	op.ScheduledAt = nextAt
	op.RateLimitUntil = rateLimitUntil
	op.LastError = lastError
	op.LeaseOwner = nil
	op.LeaseExpiresAt = nil

	return true, nil
}

func (m *memOperationStore) Fail(_ context.Context, id, workerID, lastError string, errorDetail json.RawMessage, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.rows[id]
	if !ok || op.Status != store.OperationInFlight || op.LeaseOwner == nil || *op.LeaseOwner != workerID {
		return false, nil
	}

	op.Status = store.OperationFailed
	op.LastError = lastError
	op.ErrorDetail = errorDetail
	op.LeaseOwner = nil
	op.LeaseExpiresAt = nil

	return true, nil
}

func (m *memOperationStore) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0

	for _, op := range m.rows {
		if op.Status == store.OperationInFlight && op.LeaseExpiresAt != nil && op.LeaseExpiresAt.Before(now) {
			op.Status = store.OperationPending
			op.ScheduledAt = now
			op.LeaseOwner = nil
			op.LeaseExpiresAt = nil
			n++
		}
	}

	return n, nil
}

// memMappingStore is a minimal in-memory store.MappingStore, mirroring the
// one used in the mapping package's own unit tests.
type memMappingStore struct {
	mu   sync.Mutex
	rows map[string]*store.Mapping
}

func newMemMappingStore() *memMappingStore {
	return &memMappingStore{rows: make(map[string]*store.Mapping)}
}

var _ store.MappingStore = (*memMappingStore)(nil)

func (m *memMappingStore) Insert(_ context.Context, row *store.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rows {
		if existing.TestRunID == row.TestRunID && existing.TestName == row.TestName && existing.Fingerprint == row.Fingerprint {
			return store.ErrConflict
		}
	}

	if row.ID == "" {
		row.ID = row.TestRunID + "/" + row.TestName + "/" + row.Fingerprint
	}

	cp := *row
	m.rows[cp.ID] = &cp

	return nil
}

func (m *memMappingStore) Get(_ context.Context, id string) (*store.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	cp := *row

	return &cp, nil
}

func (m *memMappingStore) FindByTriple(_ context.Context, testRunID, testName, fingerprint string) (*store.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.TestRunID == testRunID && row.TestName == testName && row.Fingerprint == fingerprint {
			cp := *row

			return &cp, nil
		}
	}

	return nil, store.ErrNotFound
}

func (m *memMappingStore) FindByExternalKey(_ context.Context, key string) (*store.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.ExternalIssueKey == key {
			cp := *row

			return &cp, nil
		}
	}

	return nil, store.ErrNotFound
}

func (m *memMappingStore) UpdateCachedFields(_ context.Context, id string, upd store.MappingUpdate, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return false, nil
	}

	if upd.Status != nil {
		row.Status = *upd.Status
	}

	if upd.ResolutionStatus != nil {
		row.ResolutionStatus = *upd.ResolutionStatus
	}

	if upd.ResolvedAt != nil && row.ResolvedAt == nil {
		row.ResolvedAt = upd.ResolvedAt
	}

	if upd.SyncStatus != nil {
		row.SyncStatus = *upd.SyncStatus
	}

	row.UpdatedAt = now

	return true, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}

func runQueue(t *testing.T, q *queue.Queue) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}

func TestQueue_CreateIssueSuccess_CreatesMapping(t *testing.T) {
	t.Parallel()

	opStore := newMemOperationStore()
	mapStore := newMemMappingStore()
	port := issuetracker.NewFake()
	port.QueueCreateResult(&issuetracker.IssueDescriptor{ID: "1", Key: "QA-1", Project: "QA", Status: "open"}, nil)

	mapper := mapping.New(mapStore)
	q := queue.New(opStore, port, mapper, queue.Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 2}, nil)

	stop := runQueue(t, q)
	defer stop()

	payload, err := json.Marshal(queue.CreateIssuePayload{TestRunID: "r1", TestName: "login", Fingerprint: "fp1"})
	require.NoError(t, err)

	id, err := q.Enqueue(context.Background(), store.KindCreateIssue, payload, queue.EnqueueOptions{})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		op, err := q.Get(context.Background(), id)
		return err == nil && op.Status == store.OperationCompleted
	})

	m, err := mapStore.FindByTriple(context.Background(), "r1", "login", "fp1")
	require.NoError(t, err)
	assert.Equal(t, "QA-1", m.ExternalIssueKey)
}

func TestQueue_RateLimitReschedule_DoesNotIncrementAttemptCounter(t *testing.T) {
	t.Parallel()

	opStore := newMemOperationStore()
	port := issuetracker.NewFake()
	port.QueueCreateResult(nil, &issuetracker.Error{Status: 429, Headers: map[string]string{"retry-after": "30"}})

	q := queue.New(opStore, port, nil, queue.Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 2}, nil)

	stop := runQueue(t, q)
	defer stop()

	payload, _ := json.Marshal(queue.CreateIssuePayload{TestRunID: "r1", TestName: "t", Fingerprint: "fp"})
	id, err := q.Enqueue(context.Background(), store.KindCreateIssue, payload, queue.EnqueueOptions{})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		op, err := q.Get(context.Background(), id)
		return err == nil && op.RateLimitUntil != nil
	})

	op, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.OperationPending, op.Status)
	assert.Equal(t, 1, op.Attempt) // incremented once by the claim, not by the rate-limit outcome
	require.NotNil(t, op.RateLimitUntil)
}

func TestQueue_ExpiredLeaseIsReclaimedAndRedispatched(t *testing.T) {
	t.Parallel()

	opStore := newMemOperationStore()
	port := issuetracker.NewFake()

	// Simulate a crashed worker: claim the operation under a lease that
	// expires almost immediately and never write an outcome.
	payload, _ := json.Marshal(queue.CreateIssuePayload{TestRunID: "r1", TestName: "t", Fingerprint: "fp"})
	require.NoError(t, opStore.Insert(context.Background(), &store.Operation{
		ID:          "op-crashed",
		Kind:        store.KindCreateIssue,
		Payload:     payload,
		Status:      store.OperationPending,
		MaxAttempts: 3,
		ScheduledAt: time.Now().UTC(),
	}))

	claimed, err := opStore.ClaimPending(context.Background(), "dead-worker", time.Now().UTC(), 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempt)

	time.Sleep(5 * time.Millisecond)

	q := queue.New(opStore, port, nil, queue.Config{TickInterval: 10 * time.Millisecond, MaxConcurrent: 1}, nil)

	stop := runQueue(t, q)
	defer stop()

	// The tick's sweeper reclaims the expired lease; the op is re-claimed
	// by the live coordinator and completes, with attempt incremented by
	// the second claim.
	waitFor(t, time.Second, func() bool {
		op, err := q.Get(context.Background(), "op-crashed")
		return err == nil && op.Status == store.OperationCompleted
	})

	op, err := q.Get(context.Background(), "op-crashed")
	require.NoError(t, err)
	assert.Equal(t, 2, op.Attempt)
}

func TestQueue_CancelPendingOperation(t *testing.T) {
	t.Parallel()

	opStore := newMemOperationStore()
	q := queue.New(opStore, issuetracker.NewFake(), nil, queue.Config{TickInterval: time.Hour}, nil)

	payload, _ := json.Marshal(queue.CreateIssuePayload{TestRunID: "r1", TestName: "t", Fingerprint: "fp"})

	id, err := q.Enqueue(context.Background(), store.KindCreateIssue, payload, queue.EnqueueOptions{
		ScheduledAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	ok, err := q.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	op, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.OperationCancelled, op.Status)

	// A second cancel is a no-op.
	ok, err = q.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_RetryExhaustion_TransitionsToFailed(t *testing.T) {
	t.Parallel()

	opStore := newMemOperationStore()
	port := issuetracker.NewFake()
	port.QueueCreateResult(nil, &issuetracker.Error{Status: 502, Message: "upstream error"})
	port.QueueCreateResult(nil, &issuetracker.Error{Status: 502, Message: "upstream error"})
	port.QueueCreateResult(nil, &issuetracker.Error{Status: 502, Message: "third failure"})

	q := queue.New(opStore, port, nil, queue.Config{
		TickInterval:  5 * time.Millisecond,
		MaxConcurrent: 1,
		RetryBackoff:  time.Millisecond,
	}, nil)

	stop := runQueue(t, q)
	defer stop()

	payload, _ := json.Marshal(queue.CreateIssuePayload{TestRunID: "r1", TestName: "t", Fingerprint: "fp"})
	id, err := q.Enqueue(context.Background(), store.KindCreateIssue, payload, queue.EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		op, err := q.Get(context.Background(), id)
		return err == nil && op.Status == store.OperationFailed
	})

	op, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, op.Attempt)
	assert.Contains(t, op.LastError, "third failure")
}
