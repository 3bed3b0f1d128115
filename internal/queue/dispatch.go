package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qaintel/issuesync/internal/issuetracker"
	"github.com/qaintel/issuesync/internal/store"
)

// dispatch invokes the external port for a claimed operation and writes
// back the classified outcome. It runs on a detached context bounded by
// op_timeout: once claimed, an operation must reach a terminal store
// write regardless of the coordinator's own shutdown, so a crash is the
// only thing that leaves it to lease expiry.
func (q *Queue) dispatch(parent context.Context, op *store.Operation) {
	ctx, cancel := context.WithTimeout(detach(parent), q.cfg.OpTimeout)
	defer cancel()

	descriptor, err := q.invokePort(ctx, op)
	now := q.now()

	if err == nil {
		q.handleSuccess(ctx, op, descriptor, now)

		return
	}

	var portErr *issuetracker.Error
	if !errors.As(err, &portErr) {
		portErr = &issuetracker.Error{Message: err.Error()}
	}

	switch {
	case portErr.IsRateLimited():
		q.handleRateLimit(ctx, op, portErr, now)
	case portErr.IsRetryable() && op.Attempt < op.MaxAttempts:
		q.handleRetryable(ctx, op, portErr, now)
	default:
		q.handleFatal(ctx, op, portErr, now)
	}
}

// invokePort routes on op.Kind to the corresponding Port method, per the
// fixed per-kind contract; it never interprets the producer's payload
// content, only the routing fields each kind's envelope carries.
func (q *Queue) invokePort(ctx context.Context, op *store.Operation) (*issuetracker.IssueDescriptor, error) {
	switch op.Kind {
	case store.KindCreateIssue:
		var p CreateIssuePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &issuetracker.Error{Status: 400, Code: "BAD_PAYLOAD", Message: err.Error()}
		}

		return q.port.CreateIssue(ctx, p.IssueFields)

	case store.KindUpdateIssue:
		var p UpdateIssuePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &issuetracker.Error{Status: 400, Code: "BAD_PAYLOAD", Message: err.Error()}
		}

		return q.port.UpdateIssue(ctx, p.Key, p.Updates)

	case store.KindAddComment:
		var p AddCommentPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &issuetracker.Error{Status: 400, Code: "BAD_PAYLOAD", Message: err.Error()}
		}

		return q.port.AddComment(ctx, p.Key, p.Comment)

	case store.KindLink:
		var p LinkPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &issuetracker.Error{Status: 400, Code: "BAD_PAYLOAD", Message: err.Error()}
		}

		return nil, q.port.Link(ctx, p.Inward, p.Outward, p.LinkType)

	case store.KindBulkCreate:
		var p BulkCreatePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &issuetracker.Error{Status: 400, Code: "BAD_PAYLOAD", Message: err.Error()}
		}

		descriptors, err := q.port.BulkCreate(ctx, p.Items)
		if err != nil || len(descriptors) == 0 {
			return nil, err
		}

		return descriptors[0], nil

	default:
		return nil, &issuetracker.Error{Status: 400, Code: "UNKNOWN_KIND", Message: fmt.Sprintf("unknown operation kind %q", op.Kind)}
	}
}

func (q *Queue) handleSuccess(ctx context.Context, op *store.Operation, descriptor *issuetracker.IssueDescriptor, now time.Time) {
	ok, err := q.store.Complete(ctx, op.ID, q.workerID, now)
	if err != nil {
		q.logger.Error("complete write failed", slog.String("operation_id", op.ID), slog.String("error", err.Error()))

		return
	}

	if !ok {
		// Lease was lost to a reclaim; the external effect stands but this
		// worker's result is dropped, per the lease-loss error semantics.
		q.logger.Warn("lease lost before completion recorded", slog.String("operation_id", op.ID))

		return
	}

	q.reconcileMapping(ctx, op, descriptor)
}

// reconcileMapping folds a successful port call's result back into the
// Mapping Table: create_issue inserts the row (find-or-create's "else"
// branch), the other mutating kinds update the cached fields of the
// mapping the operation referenced.
func (q *Queue) reconcileMapping(ctx context.Context, op *store.Operation, descriptor *issuetracker.IssueDescriptor) {
	if q.mapper == nil || descriptor == nil {
		return
	}

	switch op.Kind {
	case store.KindCreateIssue:
		var p CreateIssuePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			q.logger.Error("create_issue payload unreadable after success", slog.String("operation_id", op.ID))

			return
		}

		if _, err := q.mapper.CreateFromIssue(ctx, p.TestRunID, p.TestName, p.Fingerprint, descriptor); err != nil {
			q.logger.Error("mapping create failed after successful create_issue",
				slog.String("operation_id", op.ID), slog.String("error", err.Error()))
		}

	case store.KindUpdateIssue, store.KindAddComment:
		if op.MappingRef == nil {
			return
		}

		if _, err := q.mapper.ReconcileFromWorker(ctx, *op.MappingRef, descriptor); err != nil {
			q.logger.Error("mapping reconcile failed after worker success",
				slog.String("operation_id", op.ID), slog.String("error", err.Error()))
		}
	}
}

// handleRateLimit reschedules without counting against max_attempts:
// back-pressure is not failure.
func (q *Queue) handleRateLimit(ctx context.Context, op *store.Operation, portErr *issuetracker.Error, now time.Time) {
	retryAfter := q.policy.RateLimitBuffer(string(op.Kind), q.cfg.RateLimitBuffer)

	if seconds, ok := portErr.RetryAfterSeconds(); ok {
		retryAfter = time.Duration(seconds) * time.Second
	}

	rateLimitUntil := now.Add(retryAfter)

	ok, err := q.store.Reschedule(ctx, op.ID, q.workerID, now, &rateLimitUntil, portErr.Error(), now)
	if err != nil {
		q.logger.Error("rate-limit reschedule failed", slog.String("operation_id", op.ID), slog.String("error", err.Error()))

		return
	}

	if !ok {
		q.logger.Warn("lease lost before rate-limit reschedule recorded", slog.String("operation_id", op.ID))
	}
}

// handleRetryable reschedules under linear backoff keyed on the attempt
// that just ran.
func (q *Queue) handleRetryable(ctx context.Context, op *store.Operation, portErr *issuetracker.Error, now time.Time) {
	backoff := q.policy.RetryBackoff(string(op.Kind), q.cfg.RetryBackoff) * time.Duration(op.Attempt)
	nextAt := now.Add(backoff)

	ok, err := q.store.Reschedule(ctx, op.ID, q.workerID, nextAt, nil, portErr.Error(), now)
	if err != nil {
		q.logger.Error("retry reschedule failed", slog.String("operation_id", op.ID), slog.String("error", err.Error()))

		return
	}

	if !ok {
		q.logger.Warn("lease lost before retry reschedule recorded", slog.String("operation_id", op.ID))
	}
}

// handleFatal covers exhausted attempts and all non-retryable,
// non-rate-limited errors.
func (q *Queue) handleFatal(ctx context.Context, op *store.Operation, portErr *issuetracker.Error, now time.Time) {
	detail, _ := json.Marshal(map[string]any{
		"message": portErr.Error(),
		"attempt": op.Attempt,
	})

	ok, err := q.store.Fail(ctx, op.ID, q.workerID, portErr.Error(), detail, now)
	if err != nil {
		q.logger.Error("fail write failed", slog.String("operation_id", op.ID), slog.String("error", err.Error()))

		return
	}

	if !ok {
		q.logger.Warn("lease lost before fatal outcome recorded", slog.String("operation_id", op.ID))
	}
}

// detach strips parent's cancellation while keeping its values, so an
// in-flight dispatch can still reach a terminal store write after the
// coordinator itself has been asked to shut down.
type detachedContext struct {
	parent context.Context //nolint:containedctx
}

func (d detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}       { return nil }
func (d detachedContext) Err() error                  { return nil }
func (d detachedContext) Value(key any) any           { return d.parent.Value(key) }

func detach(parent context.Context) context.Context {
	return detachedContext{parent: parent}
}
