// Package queue implements the Operation Queue + Worker Pool: a durable,
// idempotent, retry-aware dispatcher over the Durable Store's operations
// table, coordinating a bounded pool of logical workers that invoke the
// issue-tracker External Port.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/qaintel/issuesync/internal/issuetracker"
	"github.com/qaintel/issuesync/internal/mapping"
	"github.com/qaintel/issuesync/internal/retrypolicy"
	"github.com/qaintel/issuesync/internal/store"
)

const (
	defaultMaxConcurrent   = 5
	defaultTickInterval    = 2 * time.Second
	defaultMaxAttempts     = 3
	defaultRetryBackoff    = 5 * time.Second
	defaultRateLimitBuffer = 60 * time.Second
	defaultOpTimeout       = 30 * time.Second
)

// Config holds the coordinator/worker tuning knobs enumerated in the
// external configuration surface.
type Config struct {
	MaxConcurrent   int
	TickInterval    time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	RateLimitBuffer time.Duration
	LeaseDuration   time.Duration
	OpTimeout       time.Duration
}

// WithDefaults fills zero-valued fields with the documented defaults.
// LeaseDuration defaults to roughly 2x OpTimeout, matching the stated
// "sets crash-recovery latency" guidance.
func (c Config) WithDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}

	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}

	if c.RateLimitBuffer <= 0 {
		c.RateLimitBuffer = defaultRateLimitBuffer
	}

	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}

	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * c.OpTimeout
	}

	return c
}

// EnqueueOptions carries the optional fields a producer may set on an
// enqueue call.
type EnqueueOptions struct {
	Priority    int
	AffinityKey *string
	MappingRef  *string
	MaxAttempts int
	ScheduledAt time.Time
}

// Queue is the Operation Queue + Worker Pool component: a tick-driven
// coordinator over a bounded pool of logical workers.
type Queue struct {
	store    store.OperationStore
	port     issuetracker.Port
	mapper   *mapping.Service
	cfg      Config
	policy   *retrypolicy.Policy
	logger   *slog.Logger
	limiter  *rate.Limiter
	workerID string

	mu       sync.Mutex
	inFlight map[string]struct{}

	wakeCh chan struct{}
	now    func() time.Time
}

// New returns a Queue. mapper may be nil if this Queue instance never
// dispatches create_issue/update_issue/add_comment operations (e.g. the
// scheduled-test-dispatch variant, which shares this package's design
// but talks to a test-runner port with no Mapping Table involvement).
func New(s store.OperationStore, port issuetracker.Port, mapper *mapping.Service, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.WithDefaults()

	return &Queue{
		store:    s,
		port:     port,
		mapper:   mapper,
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxConcurrent), cfg.MaxConcurrent),
		workerID: uuid.NewString(),
		inFlight: make(map[string]struct{}),
		wakeCh:   make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
		policy:   retrypolicy.NewPolicy(nil),
	}
}

// WithPolicy attaches per-operation-kind retry overrides. Call before Run;
// a nil policy is equivalent to never calling this method (every kind
// falls back to cfg's global knobs).
func (q *Queue) WithPolicy(p *retrypolicy.Policy) *Queue {
	if p != nil {
		q.policy = p
	}

	return q
}

// Enqueue is the producer-facing entry point. It returns the opaque
// operation id synchronously; all asynchronous outcomes are observable
// via Get/Stats.
func (q *Queue) Enqueue(ctx context.Context, kind store.OperationKind, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	now := q.now()

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.policy.MaxAttempts(string(kind), q.cfg.MaxAttempts)
	}

	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	op := &store.Operation{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		AffinityKey: opts.AffinityKey,
		MappingRef:  opts.MappingRef,
		Status:      store.OperationPending,
		Priority:    opts.Priority,
		ScheduledAt: scheduledAt,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.store.Insert(ctx, op); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.signalTick()

	return op.ID, nil
}

// Cancel succeeds only if the operation is still pending or in_flight.
// in_flight cancellation is cooperative: the row flips to cancelled, but
// the worker already running it finishes its external call; its outcome
// write is scoped to status=in_flight and becomes a no-op, so cancelled
// is terminal and the result is dropped.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := q.store.Cancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}

	return ok, nil
}

// Get returns the current state of an operation.
func (q *Queue) Get(ctx context.Context, id string) (*store.Operation, error) {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}

	return op, nil
}

// Stats returns a count of operations per status.
func (q *Queue) Stats(ctx context.Context) (map[store.OperationStatus]int, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	return stats, nil
}

// signalTick wakes the coordinator immediately rather than waiting for
// the next periodic tick; non-blocking, since a pending wake already
// covers any enqueue that arrives before it's consumed.
func (q *Queue) signalTick() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Run blocks, driving the coordinator's tick loop until ctx is
// cancelled. On cancellation it waits for in-flight dispatches to reach
// a terminal store state before returning, per the suspension-point
// contract: no row may be left in_flight past an orderly shutdown
// (unclean exits are instead recovered by lease expiry on next start).
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()

			return ctx.Err()
		case <-ticker.C:
			q.tick(ctx, &wg)
		case <-q.wakeCh:
			q.tick(ctx, &wg)
		}
	}
}

// tick reclaims expired leases, computes available capacity, claims up
// to that many pending operations, and dispatches each concurrently.
func (q *Queue) tick(ctx context.Context, wg *sync.WaitGroup) {
	now := q.now()

	if n, err := q.store.ReclaimExpired(ctx, now); err != nil {
		q.logger.Error("reclaim expired leases failed", slog.String("error", err.Error()))
	} else if n > 0 {
		q.logger.Info("reclaimed expired leases", slog.Int("count", n))
	}

	q.mu.Lock()
	available := q.cfg.MaxConcurrent - len(q.inFlight)
	q.mu.Unlock()

	if available <= 0 {
		return
	}

	if err := q.limiter.WaitN(ctx, available); err != nil {
		return
	}

	ops, err := q.store.ClaimPending(ctx, q.workerID, now, available, q.cfg.LeaseDuration)
	if err != nil {
		q.logger.Error("claim failed", slog.String("error", err.Error()))

		return
	}

	for _, op := range ops {
		q.mu.Lock()
		q.inFlight[op.ID] = struct{}{}
		q.mu.Unlock()

		wg.Add(1)

		go func(op *store.Operation) {
			defer wg.Done()
			defer q.unmark(op.ID)

			q.dispatch(ctx, op)
		}(op)
	}
}

func (q *Queue) unmark(id string) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}
