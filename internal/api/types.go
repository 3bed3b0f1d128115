// Package api provides HTTP API server implementation for the issue-sync service.
package api

import "encoding/json"

type (
	// EnqueueRequest is the request body for POST /api/v1/operations.
	EnqueueRequest struct {
		Kind        string          `json:"kind"`
		Payload     json.RawMessage `json:"payload"`
		Priority    int             `json:"priority,omitempty"`
		AffinityKey string          `json:"affinity_key,omitempty"` //nolint:tagliatelle
		MappingRef  string          `json:"mapping_ref,omitempty"`  //nolint:tagliatelle
		MaxAttempts int             `json:"max_attempts,omitempty"` //nolint:tagliatelle
	}

	// EnqueueResponse is the response body for a successful enqueue.
	EnqueueResponse struct {
		OperationID string `json:"operation_id"` //nolint:tagliatelle
	}

	// OperationResponse is the response body for GET /api/v1/operations/{id}.
	OperationResponse struct {
		ID             string `json:"id"`
		Kind           string `json:"kind"`
		Status         string `json:"status"`
		Priority       int    `json:"priority"`
		Attempt        int    `json:"attempt"`
		MaxAttempts    int    `json:"max_attempts"`    //nolint:tagliatelle
		LastError      string `json:"last_error"`      //nolint:tagliatelle
		ScheduledAt    string `json:"scheduled_at"`    //nolint:tagliatelle
		RateLimitUntil string `json:"rate_limit_until,omitempty"` //nolint:tagliatelle
		CreatedAt      string `json:"created_at"` //nolint:tagliatelle
		UpdatedAt      string `json:"updated_at"` //nolint:tagliatelle
	}

	// StatsResponse is the response body for GET /api/v1/operations/stats.
	StatsResponse struct {
		Counts map[string]int `json:"counts"`
	}

	// FindMappingResponse is the response body for
	// GET /api/v1/mappings?test_run_id=&test_name=&fingerprint=.
	// Mapping is nil when no row exists yet: the caller's cue to enqueue a
	// create_issue operation.
	FindMappingResponse struct {
		Mapping *MappingResponse `json:"mapping"`
	}

	// MappingResponse is the external view of a Mapping row.
	MappingResponse struct {
		ID                 string `json:"id"`
		Fingerprint        string `json:"fingerprint"`
		TestRunID          string `json:"test_run_id"`           //nolint:tagliatelle
		TestName           string `json:"test_name"`              //nolint:tagliatelle
		ExternalIssueID    string `json:"external_issue_id"`      //nolint:tagliatelle
		ExternalIssueKey   string `json:"external_issue_key"`     //nolint:tagliatelle
		ExternalProjectKey string `json:"external_project_key"`   //nolint:tagliatelle
		Status             string `json:"status"`
		ResolutionStatus   string `json:"resolution_status"` //nolint:tagliatelle
		SyncStatus         string `json:"sync_status"`       //nolint:tagliatelle
	}

	// UpdateMappingFromExternalRequest is the request body for
	// POST /api/v1/mappings/{external_issue_key}/reconcile. It carries the
	// same changed-fields set that the Event Processor applies directly
	// (through the mapping service) for an "Updated" transition.
	UpdateMappingFromExternalRequest struct {
		Status     *string `json:"status,omitempty"`
		Priority   *string `json:"priority,omitempty"`
		Type       *string `json:"type,omitempty"`
		Assignee   *string `json:"assignee,omitempty"`
		Resolution *string `json:"resolution,omitempty"`
	}

	// WebhookResponse is the response body for the inbound event endpoint,
	// matching the accepted/reason contract the Event Processor returns.
	WebhookResponse struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}
)
