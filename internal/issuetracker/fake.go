package issuetracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Fake is an in-memory Port used by queue and mapping tests. Canned
// responses and errors are queued per method; when a queue is empty,
// CreateIssue auto-succeeds with a generated key so tests that don't
// care about the descriptor don't need to prime one.
type Fake struct {
	mu sync.Mutex

	createResponses []result
	updateResponses []result
	nextID          int

	Created []json.RawMessage
	Updated []struct {
		Key     string
		Updates json.RawMessage
	}
	Comments []struct {
		Key     string
		Comment json.RawMessage
	}
	Links []struct{ Inward, Outward, LinkType string }
}

type result struct {
	descriptor *IssueDescriptor
	err        error
}

// NewFake returns a ready-to-use in-memory Port fake.
func NewFake() *Fake {
	return &Fake{}
}

// QueueCreateResult primes the next N CreateIssue calls to return resp/err
// in FIFO order.
func (f *Fake) QueueCreateResult(resp *IssueDescriptor, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createResponses = append(f.createResponses, result{descriptor: resp, err: err})
}

// QueueUpdateResult primes the next UpdateIssue call.
func (f *Fake) QueueUpdateResult(resp *IssueDescriptor, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateResponses = append(f.updateResponses, result{descriptor: resp, err: err})
}

func (f *Fake) CreateIssue(_ context.Context, payload json.RawMessage) (*IssueDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Created = append(f.Created, payload)

	if len(f.createResponses) > 0 {
		next := f.createResponses[0]
		f.createResponses = f.createResponses[1:]

		return next.descriptor, next.err
	}

	f.nextID++

	return &IssueDescriptor{
		ID:      fmt.Sprintf("10%03d", f.nextID),
		Key:     fmt.Sprintf("QA-%d", f.nextID),
		Project: "QA",
		Status:  "open",
	}, nil
}

func (f *Fake) UpdateIssue(_ context.Context, key string, updates json.RawMessage) (*IssueDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Updated = append(f.Updated, struct {
		Key     string
		Updates json.RawMessage
	}{key, updates})

	if len(f.updateResponses) > 0 {
		next := f.updateResponses[0]
		f.updateResponses = f.updateResponses[1:]

		return next.descriptor, next.err
	}

	return &IssueDescriptor{Key: key}, nil
}

func (f *Fake) AddComment(_ context.Context, key string, comment json.RawMessage) (*IssueDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Comments = append(f.Comments, struct {
		Key     string
		Comment json.RawMessage
	}{key, comment})

	return &IssueDescriptor{Key: key}, nil
}

func (f *Fake) Link(_ context.Context, inward, outward, linkType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Links = append(f.Links, struct{ Inward, Outward, LinkType string }{inward, outward, linkType})

	return nil
}

func (f *Fake) BulkCreate(ctx context.Context, items []json.RawMessage) ([]*IssueDescriptor, error) {
	out := make([]*IssueDescriptor, 0, len(items))

	for _, item := range items {
		desc, err := f.CreateIssue(ctx, item)
		if err != nil {
			return nil, err
		}

		out = append(out, desc)
	}

	return out, nil
}

var _ Port = (*Fake)(nil)
