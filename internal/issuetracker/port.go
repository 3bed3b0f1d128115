// Package issuetracker defines the opaque External Port the Operation
// Queue dispatches to. The real REST client for any given issue tracker
// lives outside this module; this package only fixes the narrow contract
// the queue needs and an in-memory fake for tests.
package issuetracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// IssueDescriptor is what every successful port call that touches an
// issue returns: enough of the external issue's identity and current
// fields for the Mapping Table to cache.
type IssueDescriptor struct {
	ID       string
	Key      string
	Project  string
	Summary  string
	Status   string
	Priority string
	Type     string
	Assignee string
}

// Error is the port's error shape: the queue inspects Status, Code,
// Message, and Headers["retry-after"] to classify an outcome as
// rate-limited, retryable, or fatal.
type Error struct {
	Status  int
	Code    string
	Message string
	Headers map[string]string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("issuetracker: %s (status=%d code=%s)", e.Message, e.Status, e.Code)
	}

	return fmt.Sprintf("issuetracker: status=%d code=%s", e.Status, e.Code)
}

// RetryAfterSeconds returns the parsed Retry-After header, if present and
// numeric. A non-numeric value is treated as absent, per the documented
// fallback to the configured rate-limit buffer.
func (e *Error) RetryAfterSeconds() (int, bool) {
	if e == nil || e.Headers == nil {
		return 0, false
	}

	raw, ok := e.Headers["retry-after"]
	if !ok {
		return 0, false
	}

	var seconds int
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err != nil {
		return 0, false
	}

	return seconds, true
}

// IsRateLimited reports whether e represents rate-limit back-pressure:
// HTTP 429, a port-defined rate-limit code, or the case-insensitive
// substring "rate limit" in the message. Detection is deliberately noisy.
func (e *Error) IsRateLimited() bool {
	if e == nil {
		return false
	}

	if e.Status == 429 {
		return true
	}

	if strings.EqualFold(e.Code, "RATE_LIMITED") {
		return true
	}

	return strings.Contains(strings.ToLower(e.Message), "rate limit")
}

// IsRetryable reports whether e is a transient error worth retrying under
// backoff: network errors, or HTTP 5xx.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}

	switch e.Code {
	case "NETWORK_ERROR", "ECONNRESET":
		return true
	}

	return e.Status >= 500 && e.Status < 600
}

// Port is the five-method opaque external dependency (the issue tracker).
// The queue only ever routes on Operation.Kind to one of these; it never
// interprets payloads.
type Port interface {
	CreateIssue(ctx context.Context, payload json.RawMessage) (*IssueDescriptor, error)
	UpdateIssue(ctx context.Context, key string, updates json.RawMessage) (*IssueDescriptor, error)
	AddComment(ctx context.Context, key string, comment json.RawMessage) (*IssueDescriptor, error)
	Link(ctx context.Context, inward, outward, linkType string) error
	BulkCreate(ctx context.Context, items []json.RawMessage) ([]*IssueDescriptor, error)
}
