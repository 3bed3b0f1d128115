package queue

import "encoding/json"

// The queue never interprets operation payloads as business data (the
// producer's responsibility); it only needs to know which port method a
// kind routes to, and which of the payload's own fields carry the call's
// routing arguments (an issue key, link endpoints). Everything else in
// the payload — IssueFields, Updates, Comment, Items — is forwarded to
// the port untouched.

// CreateIssuePayload is the expected payload shape for kind=create_issue.
type CreateIssuePayload struct {
	TestRunID   string          `json:"test_run_id"`
	TestName    string          `json:"test_name"`
	Fingerprint string          `json:"fingerprint"`
	IssueFields json.RawMessage `json:"issue_fields"`
}

// UpdateIssuePayload is the expected payload shape for kind=update_issue.
type UpdateIssuePayload struct {
	Key     string          `json:"key"`
	Updates json.RawMessage `json:"updates"`
}

// AddCommentPayload is the expected payload shape for kind=add_comment.
type AddCommentPayload struct {
	Key     string          `json:"key"`
	Comment json.RawMessage `json:"comment"`
}

// LinkPayload is the expected payload shape for kind=link.
type LinkPayload struct {
	Inward   string `json:"inward"`
	Outward  string `json:"outward"`
	LinkType string `json:"link_type"`
}

// BulkCreatePayload is the expected payload shape for kind=bulk_create.
type BulkCreatePayload struct {
	Items []json.RawMessage `json:"items"`
}
