package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/qaintel/issuesync/internal/canonicalization"
	"github.com/qaintel/issuesync/internal/issuetracker"
	"github.com/qaintel/issuesync/internal/mapping"
	"github.com/qaintel/issuesync/internal/queue"
	"github.com/qaintel/issuesync/internal/store"
)

// memOperationStore records enqueued operations; the ingester never claims
// or dispatches, so the rest of the interface is inert.
type memOperationStore struct {
	mu  sync.Mutex
	ops []*store.Operation
}

func (m *memOperationStore) Insert(_ context.Context, op *store.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *op
	m.ops = append(m.ops, &cp)

	return nil
}

func (m *memOperationStore) Get(_ context.Context, id string) (*store.Operation, error) {
	return nil, store.ErrNotFound
}

func (m *memOperationStore) Cancel(_ context.Context, _ string) (bool, error) { return false, nil }

func (m *memOperationStore) Stats(_ context.Context) (map[store.OperationStatus]int, error) {
	return map[store.OperationStatus]int{}, nil
}

func (m *memOperationStore) ClaimPending(_ context.Context, _ string, _ time.Time, _ int, _ time.Duration) ([]*store.Operation, error) {
	return nil, nil
}

func (m *memOperationStore) Complete(_ context.Context, _, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func (m *memOperationStore) Reschedule(_ context.Context, _, _ string, _ time.Time, _ *time.Time, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func (m *memOperationStore) Fail(_ context.Context, _, _, _ string, _ json.RawMessage, _ time.Time) (bool, error) {
	return false, nil
}

func (m *memOperationStore) ReclaimExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (m *memOperationStore) snapshot() []*store.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*store.Operation, len(m.ops))
	copy(out, m.ops)

	return out
}

// memMappingStore holds pre-seeded mapping rows for the dedupe check.
type memMappingStore struct {
	mu   sync.Mutex
	rows []*store.Mapping
}

func (m *memMappingStore) Insert(_ context.Context, row *store.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = append(m.rows, row)

	return nil
}

func (m *memMappingStore) Get(_ context.Context, _ string) (*store.Mapping, error) {
	return nil, store.ErrNotFound
}

func (m *memMappingStore) FindByTriple(_ context.Context, testRunID, testName, fingerprint string) (*store.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.TestRunID == testRunID && row.TestName == testName && row.Fingerprint == fingerprint {
			return row, nil
		}
	}

	return nil, store.ErrNotFound
}

func (m *memMappingStore) FindByExternalKey(_ context.Context, _ string) (*store.Mapping, error) {
	return nil, store.ErrNotFound
}

func (m *memMappingStore) UpdateCachedFields(_ context.Context, _ string, _ store.MappingUpdate, _ time.Time) (bool, error) {
	return false, nil
}

func TestHandleMessageEnqueuesNewFingerprint(t *testing.T) {
	opStore := &memOperationStore{}
	mapper := mapping.New(&memMappingStore{})
	q := queue.New(opStore, issuetracker.NewFake(), mapper, queue.Config{}, nil)

	raw, _ := json.Marshal(testRunEvent{
		TestRunID:    "run-7",
		TestName:     "login test",
		ErrorMessage: "Timeout at https://x.y/z after 3000 ms at app.ts:12:7",
	})

	handleMessage(context.Background(), q, mapper, slog.Default(), raw)

	ops := opStore.snapshot()
	if len(ops) != 1 {
		t.Fatalf("enqueued %d operations, want 1", len(ops))
	}

	if ops[0].Kind != store.KindCreateIssue {
		t.Errorf("enqueued kind = %s, want create_issue", ops[0].Kind)
	}

	var payload queue.CreateIssuePayload
	if err := json.Unmarshal(ops[0].Payload, &payload); err != nil {
		t.Fatalf("payload unreadable: %v", err)
	}

	want := canonicalization.Fingerprint("login test", "Timeout at https://x.y/z after 3000 ms at app.ts:12:7", "")
	if payload.Fingerprint != want {
		t.Errorf("payload fingerprint = %s, want %s", payload.Fingerprint, want)
	}
}

func TestHandleMessageSkipsExistingMapping(t *testing.T) {
	opStore := &memOperationStore{}
	mapStore := &memMappingStore{}
	mapper := mapping.New(mapStore)
	q := queue.New(opStore, issuetracker.NewFake(), mapper, queue.Config{}, nil)

	fp := canonicalization.Fingerprint("login test", "boom", "")
	_ = mapStore.Insert(context.Background(), &store.Mapping{
		ID: "m-1", TestRunID: "run-7", TestName: "login test", Fingerprint: fp, ExternalIssueKey: "QA-1",
	})

	raw, _ := json.Marshal(testRunEvent{TestRunID: "run-7", TestName: "login test", ErrorMessage: "boom"})

	handleMessage(context.Background(), q, mapper, slog.Default(), raw)

	if n := len(opStore.snapshot()); n != 0 {
		t.Fatalf("enqueued %d operations for an already-mapped failure, want 0", n)
	}
}

func TestHandleMessageRejectsMalformedEvent(t *testing.T) {
	opStore := &memOperationStore{}
	mapper := mapping.New(&memMappingStore{})
	q := queue.New(opStore, issuetracker.NewFake(), mapper, queue.Config{}, nil)

	handleMessage(context.Background(), q, mapper, slog.Default(), []byte("not json"))
	handleMessage(context.Background(), q, mapper, slog.Default(), []byte(`{"test_name":"missing run id"}`))

	if n := len(opStore.snapshot()); n != 0 {
		t.Fatalf("enqueued %d operations for malformed events, want 0", n)
	}
}

func TestConsumeLoopEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("issuesync-test"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to get brokers: %v", err)
	}

	const topic = "test-run-completed"

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
	}

	raw, _ := json.Marshal(testRunEvent{
		TestRunID:    "run-1",
		TestName:     "checkout flow",
		ErrorMessage: "Failed after 12 retries at runner.ts:4:2",
	})

	// Topic auto-creation can race the first produce on a cold broker.
	var writeErr error
	for i := 0; i < 10; i++ {
		writeErr = writer.WriteMessages(ctx, kafka.Message{Value: raw})
		if writeErr == nil {
			break
		}

		time.Sleep(time.Second)
	}

	_ = writer.Close()

	if writeErr != nil {
		t.Fatalf("failed to produce test message: %v", writeErr)
	}

	opStore := &memOperationStore{}
	mapper := mapping.New(&memMappingStore{})
	q := queue.New(opStore, issuetracker.NewFake(), mapper, queue.Config{}, nil)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: "issuesync-ingester-test",
	})

	t.Cleanup(func() {
		_ = reader.Close()
	})

	loopCtx, cancel := context.WithCancel(ctx)

	done := make(chan struct{})

	go func() {
		consumeLoop(loopCtx, reader, q, mapper, slog.Default())
		close(done)
	}()

	deadline := time.Now().Add(90 * time.Second)
	for time.Now().Before(deadline) {
		if len(opStore.snapshot()) > 0 {
			break
		}

		time.Sleep(200 * time.Millisecond)
	}

	cancel()
	<-done

	ops := opStore.snapshot()
	if len(ops) != 1 {
		t.Fatalf("consumed %d operations, want 1", len(ops))
	}

	if ops[0].Kind != store.KindCreateIssue {
		t.Errorf("operation kind = %s, want create_issue", ops[0].Kind)
	}
}
