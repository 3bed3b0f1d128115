package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/qaintel/issuesync/internal/storage"
)

// OperationStore is the Durable Store port scoped to the operations table.
// Every mutation is expressed as a single-row conditional update: a write
// only counts if it actually touched the row the caller believes it owns.
type OperationStore interface {
	Insert(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id string) (*Operation, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (map[OperationStatus]int, error)

	// ClaimPending atomically transitions up to max eligible pending rows to
	// in_flight under workerID's lease. Returns exactly the rows the
	// conditional update actually touched.
	ClaimPending(ctx context.Context, workerID string, now time.Time, max int, leaseDuration time.Duration) ([]*Operation, error)

	// Complete, Reschedule, and Fail are all scoped to lease_owner=workerID;
	// a reclaimed row makes these a no-op (ok=false), which callers must
	// treat as "drop the result, the lease was lost".
	Complete(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	Reschedule(ctx context.Context, id, workerID string, nextAt time.Time, rateLimitUntil *time.Time, lastError string, now time.Time) (bool, error)
	Fail(ctx context.Context, id, workerID, lastError string, errorDetail json.RawMessage, now time.Time) (bool, error)

	// ReclaimExpired sweeps in_flight rows whose lease has expired back to
	// pending with no backoff, guaranteeing liveness against worker crashes.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}

// postgresOperationStore implements OperationStore over a *storage.Connection.
type postgresOperationStore struct {
	conn *storage.Connection
}

// NewOperationStore returns a PostgreSQL-backed OperationStore.
func NewOperationStore(conn *storage.Connection) OperationStore {
	return &postgresOperationStore{conn: conn}
}

func (s *postgresOperationStore) Insert(ctx context.Context, op *Operation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	now := op.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO operations (
			id, kind, payload, affinity_key, mapping_ref, status, priority,
			scheduled_at, attempt, max_attempts, last_error, error_detail,
			rate_limit_until, lease_owner, lease_expires_at,
			created_at, updated_at, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		op.ID, op.Kind, op.Payload, op.AffinityKey, op.MappingRef, op.Status, op.Priority,
		op.ScheduledAt, op.Attempt, op.MaxAttempts, op.LastError, op.ErrorDetail,
		op.RateLimitUntil, op.LeaseOwner, op.LeaseExpiresAt,
		now, now, op.StartedAt, op.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}

		return fmt.Errorf("insert operation: %w", err)
	}

	return nil
}

func (s *postgresOperationStore) Get(ctx context.Context, id string) (*Operation, error) {
	row := s.conn.QueryRowContext(ctx, operationSelectColumns+` FROM operations WHERE id = $1`, id)

	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("get operation: %w", err)
	}

	return op, nil
}

func (s *postgresOperationStore) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE operations SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`, OperationCancelled, time.Now().UTC(), id, OperationPending, OperationInFlight)
	if err != nil {
		return false, fmt.Errorf("cancel operation: %w", err)
	}

	return rowsTouched(res), nil
}

func (s *postgresOperationStore) Stats(ctx context.Context) (map[OperationStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT status, count(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("operation stats: %w", err)
	}
	defer rows.Close()

	out := make(map[OperationStatus]int)

	for rows.Next() {
		var status OperationStatus

		var count int

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan operation stats: %w", err)
		}

		out[status] = count
	}

	return out, rows.Err()
}

// ClaimPending is the heart of the design: select eligible rows under
// FOR UPDATE SKIP LOCKED (so competing processes don't block on each
// other), then conditionally flip each one to in_flight. Only rows whose
// UPDATE actually touched a row (still pending at the time of the write)
// are returned as claimed.
func (s *postgresOperationStore) ClaimPending(
	ctx context.Context, workerID string, now time.Time, max int, leaseDuration time.Duration,
) ([]*Operation, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM operations
		WHERE status = $1
		  AND scheduled_at <= $2
		  AND (rate_limit_until IS NULL OR rate_limit_until <= $2)
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, OperationPending, now, max)
	if err != nil {
		return nil, fmt.Errorf("claim: select candidates: %w", err)
	}

	var candidates []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()

			return nil, fmt.Errorf("claim: scan candidate: %w", err)
		}

		candidates = append(candidates, id)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate candidates: %w", err)
	}

	leaseExpiresAt := now.Add(leaseDuration)

	claimed := make([]*Operation, 0, len(candidates))

	for _, id := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE operations
			SET status = $1, lease_owner = $2, lease_expires_at = $3,
			    started_at = $4, attempt = attempt + 1, updated_at = $4
			WHERE id = $5 AND status = $6
		`, OperationInFlight, workerID, leaseExpiresAt, now, id, OperationPending)
		if err != nil {
			return nil, fmt.Errorf("claim: update %s: %w", id, err)
		}

		if !rowsTouched(res) {
			continue
		}

		row := tx.QueryRowContext(ctx, operationSelectColumns+` FROM operations WHERE id = $1`, id)

		op, err := scanOperation(row)
		if err != nil {
			return nil, fmt.Errorf("claim: reload %s: %w", id, err)
		}

		claimed = append(claimed, op)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", err)
	}

	return claimed, nil
}

func (s *postgresOperationStore) Complete(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE operations
		SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4 AND lease_owner = $5
	`, OperationCompleted, now, id, OperationInFlight, workerID)
	if err != nil {
		return false, fmt.Errorf("complete operation: %w", err)
	}

	return rowsTouched(res), nil
}

func (s *postgresOperationStore) Reschedule(
	ctx context.Context, id, workerID string, nextAt time.Time, rateLimitUntil *time.Time, lastError string, now time.Time,
) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE operations
		SET status = $1, scheduled_at = $2, rate_limit_until = $3, last_error = $4,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = $5
		WHERE id = $6 AND status = $7 AND lease_owner = $8
	`, OperationPending, nextAt, rateLimitUntil, lastError, now, id, OperationInFlight, workerID)
	if err != nil {
		return false, fmt.Errorf("reschedule operation: %w", err)
	}

	return rowsTouched(res), nil
}

func (s *postgresOperationStore) Fail(
	ctx context.Context, id, workerID, lastError string, errorDetail json.RawMessage, now time.Time,
) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE operations
		SET status = $1, last_error = $2, error_detail = $3,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = $4
		WHERE id = $5 AND status = $6 AND lease_owner = $7
	`, OperationFailed, lastError, errorDetail, now, id, OperationInFlight, workerID)
	if err != nil {
		return false, fmt.Errorf("fail operation: %w", err)
	}

	return rowsTouched(res), nil
}

// ReclaimExpired transitions stuck in_flight rows back to pending with no
// backoff; run on every coordinator tick, this is what bounds crash-recovery
// latency to roughly one lease duration.
func (s *postgresOperationStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE operations
		SET status = $1, scheduled_at = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = $2
		WHERE status = $3 AND lease_expires_at < $2
	`, OperationPending, now, OperationInFlight)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired operations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired operations: rows affected: %w", err)
	}

	return int(n), nil
}

const operationSelectColumns = `
	SELECT id, kind, payload, affinity_key, mapping_ref, status, priority,
	       scheduled_at, attempt, max_attempts, last_error, error_detail,
	       rate_limit_until, lease_owner, lease_expires_at,
	       created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	op := &Operation{}

	err := row.Scan(
		&op.ID, &op.Kind, &op.Payload, &op.AffinityKey, &op.MappingRef, &op.Status, &op.Priority,
		&op.ScheduledAt, &op.Attempt, &op.MaxAttempts, &op.LastError, &op.ErrorDetail,
		&op.RateLimitUntil, &op.LeaseOwner, &op.LeaseExpiresAt,
		&op.CreatedAt, &op.UpdatedAt, &op.StartedAt, &op.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	return op, nil
}

func rowsTouched(res sql.Result) bool {
	n, err := res.RowsAffected()

	return err == nil && n == 1
}

// isUniqueViolation checks for PostgreSQL's unique_violation SQLSTATE (23505)
// without importing the lib/pq error type into every caller.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return strings.Contains(err.Error(), "duplicate key")
}
