package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qaintel/issuesync/internal/storage"
)

// MappingUpdate carries a partial set of cached-field changes. Nil fields
// are left untouched by UpdateCachedFields (COALESCE semantics) so the
// worker-success path and the event-processor path can each write their
// own disjoint column set without clobbering the other, per the
// bi-directional reconciliation rule: both may write last_synced_at and
// sync_status, and last-writer-wins there.
type MappingUpdate struct {
	ExternalIssueID    *string
	ExternalIssueKey   *string
	ExternalProjectKey *string
	Summary            *string
	Status             *string
	Priority           *string
	Type               *string
	Assignee           *string
	FailureCategory    *string
	Module             *string
	Language           *string
	Environment        *string
	Browser            *string
	SyncStatus         *SyncStatus
	SyncError          *string
	ResolutionStatus   *ResolutionStatus
	ResolvedAt         *time.Time
}

// MappingStore is the Durable Store port scoped to the mappings table.
// Mapping rows are co-owned by the Queue (on create_issue success) and the
// Event Processor (on inbound state change); this interface is the only
// writer either side is allowed to use.
type MappingStore interface {
	// Insert creates exactly one Mapping per fingerprint. A racing insert
	// for the same (test_run_id, test_name, fingerprint) fails with
	// ErrConflict; the caller re-reads via FindByTriple to observe the winner.
	Insert(ctx context.Context, m *Mapping) error
	Get(ctx context.Context, id string) (*Mapping, error)
	FindByTriple(ctx context.Context, testRunID, testName, fingerprint string) (*Mapping, error)
	FindByExternalKey(ctx context.Context, externalIssueKey string) (*Mapping, error)
	UpdateCachedFields(ctx context.Context, id string, upd MappingUpdate, now time.Time) (bool, error)
}

type postgresMappingStore struct {
	conn *storage.Connection
}

// NewMappingStore returns a PostgreSQL-backed MappingStore.
func NewMappingStore(conn *storage.Connection) MappingStore {
	return &postgresMappingStore{conn: conn}
}

func (s *postgresMappingStore) Insert(ctx context.Context, m *Mapping) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	if m.SyncStatus == "" {
		m.SyncStatus = SyncSynced
	}

	if m.ResolutionStatus == "" {
		m.ResolutionStatus = ResolutionOpen
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO mappings (
			id, fingerprint, test_run_id, test_name,
			external_issue_id, external_issue_key, external_project_key,
			summary, status, priority, type, assignee,
			failure_category, module, language, environment, browser,
			last_synced_at, sync_status, sync_error,
			resolution_status, resolved_at, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
		)
	`,
		m.ID, m.Fingerprint, m.TestRunID, m.TestName,
		m.ExternalIssueID, m.ExternalIssueKey, m.ExternalProjectKey,
		m.Summary, m.Status, m.Priority, m.Type, m.Assignee,
		m.FailureCategory, m.Module, m.Language, m.Environment, m.Browser,
		m.LastSyncedAt, m.SyncStatus, m.SyncError,
		m.ResolutionStatus, m.ResolvedAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}

		return fmt.Errorf("insert mapping: %w", err)
	}

	return nil
}

func (s *postgresMappingStore) Get(ctx context.Context, id string) (*Mapping, error) {
	return s.queryOne(ctx, mappingSelectColumns+` FROM mappings WHERE id = $1`, id)
}

func (s *postgresMappingStore) FindByTriple(ctx context.Context, testRunID, testName, fingerprint string) (*Mapping, error) {
	return s.queryOne(ctx, mappingSelectColumns+`
		FROM mappings WHERE test_run_id = $1 AND test_name = $2 AND fingerprint = $3
	`, testRunID, testName, fingerprint)
}

func (s *postgresMappingStore) FindByExternalKey(ctx context.Context, externalIssueKey string) (*Mapping, error) {
	return s.queryOne(ctx, mappingSelectColumns+` FROM mappings WHERE external_issue_key = $1`, externalIssueKey)
}

func (s *postgresMappingStore) queryOne(ctx context.Context, query string, args ...any) (*Mapping, error) {
	row := s.conn.QueryRowContext(ctx, query, args...)

	m, err := scanMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("query mapping: %w", err)
	}

	return m, nil
}

// UpdateCachedFields applies a partial update, leaving nil fields
// untouched via COALESCE. resolved_at, when provided, is only ever
// adopted if not already set, matching the "set it to now if empty" rule.
func (s *postgresMappingStore) UpdateCachedFields(ctx context.Context, id string, upd MappingUpdate, now time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE mappings SET
			external_issue_id    = COALESCE($1, external_issue_id),
			external_issue_key   = COALESCE($2, external_issue_key),
			external_project_key = COALESCE($3, external_project_key),
			summary              = COALESCE($4, summary),
			status               = COALESCE($5, status),
			priority             = COALESCE($6, priority),
			type                 = COALESCE($7, type),
			assignee             = COALESCE($8, assignee),
			failure_category     = COALESCE($9, failure_category),
			module               = COALESCE($10, module),
			language             = COALESCE($11, language),
			environment          = COALESCE($12, environment),
			browser              = COALESCE($13, browser),
			sync_status          = COALESCE($14, sync_status),
			sync_error           = COALESCE($15, sync_error),
			resolution_status    = COALESCE($16, resolution_status),
			resolved_at          = COALESCE(resolved_at, $17),
			last_synced_at       = $18,
			updated_at           = $18
		WHERE id = $19
	`,
		upd.ExternalIssueID, upd.ExternalIssueKey, upd.ExternalProjectKey,
		upd.Summary, upd.Status, upd.Priority, upd.Type, upd.Assignee,
		upd.FailureCategory, upd.Module, upd.Language, upd.Environment, upd.Browser,
		upd.SyncStatus, upd.SyncError, upd.ResolutionStatus, upd.ResolvedAt,
		now, id,
	)
	if err != nil {
		return false, fmt.Errorf("update mapping: %w", err)
	}

	return rowsTouched(res), nil
}

const mappingSelectColumns = `
	SELECT id, fingerprint, test_run_id, test_name,
	       external_issue_id, external_issue_key, external_project_key,
	       summary, status, priority, type, assignee,
	       failure_category, module, language, environment, browser,
	       last_synced_at, sync_status, sync_error,
	       resolution_status, resolved_at, created_at, updated_at`

func scanMapping(row rowScanner) (*Mapping, error) {
	m := &Mapping{}

	err := row.Scan(
		&m.ID, &m.Fingerprint, &m.TestRunID, &m.TestName,
		&m.ExternalIssueID, &m.ExternalIssueKey, &m.ExternalProjectKey,
		&m.Summary, &m.Status, &m.Priority, &m.Type, &m.Assignee,
		&m.FailureCategory, &m.Module, &m.Language, &m.Environment, &m.Browser,
		&m.LastSyncedAt, &m.SyncStatus, &m.SyncError,
		&m.ResolutionStatus, &m.ResolvedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
