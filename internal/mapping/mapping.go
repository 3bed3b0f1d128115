// Package mapping implements the Mapping Table domain: the deduplicating
// association between a canonical failure fingerprint and an external
// issue, with bi-directional reconciliation between worker-written and
// event-written fields.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qaintel/issuesync/internal/issuetracker"
	"github.com/qaintel/issuesync/internal/store"
)

// Service is the pure domain layer over the Durable Store's MappingStore:
// no side effects beyond the store calls it's handed.
type Service struct {
	store store.MappingStore
}

// New returns a mapping Service backed by s.
func New(s store.MappingStore) *Service {
	return &Service{store: s}
}

// Find implements the producer-facing find_or_create_mapping read path:
// it returns the existing mapping for the triple, or (nil, nil) if none
// exists yet — the caller's cue to enqueue a create_issue operation.
func (svc *Service) Find(ctx context.Context, testRunID, testName, fingerprint string) (*store.Mapping, error) {
	m, err := svc.store.FindByTriple(ctx, testRunID, testName, fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("find mapping: %w", err)
	}

	return m, nil
}

// CreateFromIssue inserts the Mapping row for a newly created external
// issue. The Mapping table's uniqueness constraint on
// (test_run_id, test_name, fingerprint) is the real arbiter: if a
// concurrent create_issue already won the race, Insert returns
// store.ErrConflict and CreateFromIssue re-reads and returns the winner's
// row instead of erroring — the loser never produces a duplicate.
func (svc *Service) CreateFromIssue(
	ctx context.Context, testRunID, testName, fingerprint string, issue *issuetracker.IssueDescriptor,
) (*store.Mapping, error) {
	m := &store.Mapping{
		Fingerprint:        fingerprint,
		TestRunID:          testRunID,
		TestName:           testName,
		ExternalIssueID:    issue.ID,
		ExternalIssueKey:   issue.Key,
		ExternalProjectKey: issue.Project,
		Summary:            issue.Summary,
		Status:             issue.Status,
		Priority:           issue.Priority,
		Type:               issue.Type,
		Assignee:           issue.Assignee,
		SyncStatus:         store.SyncSynced,
		ResolutionStatus:   ResolutionFromStatus(issue.Status),
	}

	now := time.Now().UTC()
	if m.ResolutionStatus == store.ResolutionResolved || m.ResolutionStatus == store.ResolutionClosed {
		m.ResolvedAt = &now
	}

	err := svc.store.Insert(ctx, m)
	if err == nil {
		return m, nil
	}

	if errors.Is(err, store.ErrConflict) {
		winner, findErr := svc.store.FindByTriple(ctx, testRunID, testName, fingerprint)
		if findErr != nil {
			return nil, fmt.Errorf("create mapping: read winner after conflict: %w", findErr)
		}

		return winner, nil
	}

	return nil, fmt.Errorf("create mapping: %w", err)
}

// ReconcileFromWorker applies fields a worker just wrote after completing
// an update_issue/add_comment operation. Authoritative for the
// fields it sets; last_synced_at/sync_status are last-writer-wins against
// a concurrent ReconcileFromEvent call.
func (svc *Service) ReconcileFromWorker(ctx context.Context, mappingID string, desc *issuetracker.IssueDescriptor) (bool, error) {
	synced := store.SyncSynced
	resolution := ResolutionFromStatus(desc.Status)

	upd := store.MappingUpdate{
		ExternalIssueID:  nonEmpty(desc.ID),
		ExternalIssueKey: nonEmpty(desc.Key),
		Summary:          nonEmpty(desc.Summary),
		Status:           nonEmpty(desc.Status),
		Priority:         nonEmpty(desc.Priority),
		Type:             nonEmpty(desc.Type),
		Assignee:         nonEmpty(desc.Assignee),
		SyncStatus:       &synced,
		ResolutionStatus: &resolution,
	}

	if resolution == store.ResolutionResolved || resolution == store.ResolutionClosed {
		now := time.Now().UTC()
		upd.ResolvedAt = &now
	}

	ok, err := svc.store.UpdateCachedFields(ctx, mappingID, upd, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("reconcile from worker: %w", err)
	}

	return ok, nil
}

// ChangedFields is the Event Processor's interpretation of an inbound
// changelog: only the fields that actually changed and that the mapping
// caches (status, priority, type, assignee, resolution).
type ChangedFields struct {
	Status     *string
	Priority   *string
	Type       *string
	Assignee   *string
	Resolution *string
}

// ReconcileFromEvent updates the cached Mapping fields for subjectKey from
// an inbound callback, recomputing resolution_status from the new status
// when it changed. Idempotent: delivering the same event twice yields the
// same Mapping state as delivering it once, because the update is a pure
// function of the (idempotent) changed fields.
func (svc *Service) ReconcileFromEvent(ctx context.Context, subjectKey string, changed ChangedFields, now time.Time) (bool, error) {
	m, err := svc.store.FindByExternalKey(ctx, subjectKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No mapping owns this external issue (we didn't create it, or
			// haven't observed the create_issue completion yet). Nothing to
			// reconcile.
			return false, nil
		}

		return false, fmt.Errorf("reconcile from event: find mapping: %w", err)
	}

	upd := store.MappingUpdate{
		Status:   changed.Status,
		Priority: changed.Priority,
		Type:     changed.Type,
		Assignee: changed.Assignee,
	}

	pending := store.SyncPending
	upd.SyncStatus = &pending

	// The resolution bucket is derived from whichever field the source
	// actually reports it through: a dedicated "resolution" field takes
	// precedence over the generic "status" field when both are present.
	switch {
	case changed.Resolution != nil:
		resolution := ResolutionFromStatus(*changed.Resolution)
		upd.ResolutionStatus = &resolution

		if resolution == store.ResolutionResolved || resolution == store.ResolutionClosed {
			upd.ResolvedAt = &now
		}
	case changed.Status != nil:
		resolution := ResolutionFromStatus(*changed.Status)
		upd.ResolutionStatus = &resolution

		if resolution == store.ResolutionResolved || resolution == store.ResolutionClosed {
			upd.ResolvedAt = &now
		}
	}

	ok, err := svc.store.UpdateCachedFields(ctx, m.ID, upd, now)
	if err != nil {
		return false, fmt.Errorf("reconcile from event: %w", err)
	}

	return ok, nil
}

// ResolutionFromStatus implements the documented (and deliberately
// preserved) substring mapping: case-insensitive, first match wins, in
// this order. It can misclassify an unusual status like "needs review"
// (matches "review") — that is a known, accepted limitation, not a bug.
func ResolutionFromStatus(status string) store.ResolutionStatus {
	lower := strings.ToLower(status)

	switch {
	case containsAny(lower, "done", "resolved", "fixed"):
		return store.ResolutionResolved
	case strings.Contains(lower, "closed"):
		return store.ResolutionClosed
	case containsAny(lower, "progress", "review", "testing"):
		return store.ResolutionInProgress
	default:
		return store.ResolutionOpen
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}

	return false
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
