// Package store implements the durable row port that backs the Operation
// Queue, Event Processor, and Mapping Table: persistence with single-row
// conditional updates and insert-or-ignore, over PostgreSQL.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// OperationStatus is the lifecycle state of an Operation row.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationInFlight  OperationStatus = "in_flight"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

// OperationKind names the external-port method an Operation dispatches to.
// The queue never interprets the kind beyond routing.
type OperationKind string

const (
	KindCreateIssue OperationKind = "create_issue"
	KindUpdateIssue OperationKind = "update_issue"
	KindAddComment  OperationKind = "add_comment"
	KindLink        OperationKind = "link"
	KindBulkCreate  OperationKind = "bulk_create"
)

// SyncStatus describes how current the cached external state of a Mapping is.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncError   SyncStatus = "error"
)

// ResolutionStatus is the derived resolution bucket of a Mapping's external issue.
type ResolutionStatus string

const (
	ResolutionOpen       ResolutionStatus = "open"
	ResolutionInProgress ResolutionStatus = "in_progress"
	ResolutionResolved   ResolutionStatus = "resolved"
	ResolutionClosed     ResolutionStatus = "closed"
)

var (
	// ErrConflict is returned by Insert on a primary-key collision.
	ErrConflict = errors.New("store: row already exists")
	// ErrNotFound is returned when a row lookup misses.
	ErrNotFound = errors.New("store: row not found")
)

// Operation is a single unit of deferred external work managed by the queue.
type Operation struct {
	ID             string
	Kind           OperationKind
	Payload        json.RawMessage
	AffinityKey    *string
	MappingRef     *string
	Status         OperationStatus
	Priority       int
	ScheduledAt    time.Time
	Attempt        int
	MaxAttempts    int
	LastError      string
	ErrorDetail    json.RawMessage
	RateLimitUntil *time.Time
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Event is an inbound callback record, deduplicated on ID.
type Event struct {
	ID               string
	EventKind        string
	SubjectID        string
	SubjectKey       string
	SourceTimestamp  int64
	ReceivedAt       time.Time
	ActorID          *string
	RawPayload       []byte
	Changelog        json.RawMessage
	Processed        bool
	ProcessedAt      *time.Time
	ProcessingError  *string
}

// Mapping is the durable association between a canonical failure fingerprint
// and an external issue.
type Mapping struct {
	ID                  string
	Fingerprint         string
	TestRunID           string
	TestName            string
	ExternalIssueID     string
	ExternalIssueKey    string
	ExternalProjectKey  string
	Summary             string
	Status              string
	Priority            string
	Type                string
	Assignee            string
	FailureCategory     string
	Module              string
	Language            string
	Environment         string
	Browser             string
	LastSyncedAt        *time.Time
	SyncStatus          SyncStatus
	SyncError           string
	ResolutionStatus    ResolutionStatus
	ResolvedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
