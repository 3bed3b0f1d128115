// Package events implements the inbound Event Processor: webhook
// signature verification, allow-list filtering, deterministic dedup, and
// dispatch to in-process subscribers with the Mapping Table update
// committed before acknowledgement.
package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qaintel/issuesync/internal/mapping"
	"github.com/qaintel/issuesync/internal/store"
)

// Reason strings returned alongside Accepted, per the inbound event
// endpoint's documented response shape.
const (
	ReasonOK               = "ok"
	ReasonIgnored          = "ignored"
	ReasonDuplicate        = "duplicate"
	ReasonInvalidSignature = "invalid_signature"
	ReasonMissingSignature = "missing_signature"
	ReasonBadPayload       = "bad_payload"
)

// Domain transition kinds a Processor dispatches to subscribers.
const (
	TransitionCreated = "created"
	TransitionUpdated = "updated"
	TransitionDeleted = "deleted"
)

// DomainEvent is what a Sink receives: the classified transition plus
// enough of the underlying row to act on.
type DomainEvent struct {
	Transition string
	SubjectID  string
	SubjectKey string
	Event      *store.Event
}

// Sink is a registered callback; subscribers register at construction,
// replacing the source's global pub/sub per the re-architecture note.
type Sink func(DomainEvent)

// Config controls authentication and filtering.
type Config struct {
	// Secret is the shared HMAC secret. Empty disables signature
	// verification entirely.
	Secret string
	// SignatureRequired, when true, rejects a request with no signature
	// header even if Secret is configured to tolerate it otherwise.
	SignatureRequired bool
	// AllowList is the set of event_kind values that are persisted and
	// dispatched; anything else is acknowledged and dropped.
	AllowList []string
}

// AcceptResult is the inbound event endpoint's response shape.
type AcceptResult struct {
	Accepted bool
	Reason   string
}

// Processor is the Event Processor component.
type Processor struct {
	events    store.EventStore
	mapper    *mapping.Service
	cfg       Config
	allowList map[string]struct{}
	sinks     []Sink
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a Processor wired to events for persistence and mapper for
// the inline Mapping Table update.
func New(events store.EventStore, mapper *mapping.Service, cfg Config, logger *slog.Logger) *Processor {
	allow := make(map[string]struct{}, len(cfg.AllowList))
	for _, kind := range cfg.AllowList {
		allow[kind] = struct{}{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		events:    events,
		mapper:    mapper,
		cfg:       cfg,
		allowList: allow,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterSink adds a subscriber. Sinks are invoked synchronously, in
// registration order, after the Mapping write for the event has
// committed.
func (p *Processor) RegisterSink(sink Sink) {
	p.sinks = append(p.sinks, sink)
}

type webhookPayload struct {
	EventKind       string          `json:"event_kind"`
	SubjectID       string          `json:"subject_id"`
	SubjectKey      string          `json:"subject_key"`
	SourceTimestamp int64           `json:"source_timestamp"`
	ActorID         *string         `json:"actor_id,omitempty"`
	Changelog       json.RawMessage `json:"changelog,omitempty"`
}

type changelogEntry struct {
	Field    string `json:"field"`
	NewValue string `json:"new_value"`
}

// Accept runs the full pipeline: authenticate, filter, deduplicate,
// dispatch, mark processed. It never returns an error for internal
// failures past the persistence step — those are logged and the row is
// left for the sweeper to retry.
func (p *Processor) Accept(ctx context.Context, raw []byte, headers map[string]string) AcceptResult {
	if p.cfg.Secret != "" {
		if result, ok := p.verifySignature(raw, headers); !ok {
			return result
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return AcceptResult{Accepted: false, Reason: ReasonBadPayload}
	}

	if payload.EventKind == "" {
		return AcceptResult{Accepted: false, Reason: ReasonBadPayload}
	}

	if _, allowed := p.allowList[payload.EventKind]; !allowed {
		return AcceptResult{Accepted: true, Reason: ReasonIgnored}
	}

	id := deriveEventID(payload.EventKind, payload.SubjectKey, payload.SourceTimestamp)

	ev := &store.Event{
		ID:              id,
		EventKind:       payload.EventKind,
		SubjectID:       payload.SubjectID,
		SubjectKey:      payload.SubjectKey,
		SourceTimestamp: payload.SourceTimestamp,
		ActorID:         payload.ActorID,
		RawPayload:      raw,
		Changelog:       payload.Changelog,
		ReceivedAt:      p.now(),
	}

	inserted, err := p.events.InsertOrIgnore(ctx, ev)
	if err != nil {
		p.logger.Error("failed to persist event", slog.String("error", err.Error()))

		return AcceptResult{Accepted: true, Reason: ReasonOK}
	}

	if !inserted {
		return AcceptResult{Accepted: true, Reason: ReasonDuplicate}
	}

	if err := p.dispatch(ctx, ev); err != nil {
		p.logger.Warn("event dispatch failed, leaving for sweeper",
			slog.String("event_id", ev.ID), slog.String("error", err.Error()))

		if markErr := p.events.MarkErrored(ctx, ev.ID, err.Error()); markErr != nil {
			p.logger.Error("failed to mark event errored", slog.String("error", markErr.Error()))
		}

		return AcceptResult{Accepted: true, Reason: ReasonOK}
	}

	if err := p.events.MarkProcessed(ctx, ev.ID, p.now()); err != nil {
		p.logger.Error("failed to mark event processed", slog.String("error", err.Error()))
	}

	return AcceptResult{Accepted: true, Reason: ReasonOK}
}

// Sweep re-dispatches unprocessed events received before threshold,
// recovering from internal errors that left rows in an errored state.
func (p *Processor) Sweep(ctx context.Context, threshold time.Duration, limit int) (int, error) {
	stale, err := p.events.FindUnprocessedOlderThan(ctx, p.now().Add(-threshold), limit)
	if err != nil {
		return 0, fmt.Errorf("sweep: find unprocessed: %w", err)
	}

	recovered := 0

	for _, ev := range stale {
		if err := p.dispatch(ctx, ev); err != nil {
			p.logger.Warn("sweep: re-dispatch failed", slog.String("event_id", ev.ID), slog.String("error", err.Error()))

			if markErr := p.events.MarkErrored(ctx, ev.ID, err.Error()); markErr != nil {
				p.logger.Error("sweep: failed to mark errored", slog.String("error", markErr.Error()))
			}

			continue
		}

		if err := p.events.MarkProcessed(ctx, ev.ID, p.now()); err != nil {
			p.logger.Error("sweep: failed to mark processed", slog.String("error", err.Error()))

			continue
		}

		recovered++
	}

	return recovered, nil
}

// dispatch classifies the event's transition, performs the Mapping
// update inline (so it's durable before any sink observes the event —
// per the re-architecture note against out-of-order notification), then
// notifies subscribers.
func (p *Processor) dispatch(ctx context.Context, ev *store.Event) error {
	transition := classifyTransition(ev.EventKind)

	if transition == TransitionUpdated && p.mapper != nil {
		changed, err := parseChangelog(ev.Changelog)
		if err != nil {
			return fmt.Errorf("parse changelog: %w", err)
		}

		if _, err := p.mapper.ReconcileFromEvent(ctx, ev.SubjectKey, changed, p.now()); err != nil {
			return fmt.Errorf("reconcile mapping: %w", err)
		}
	}

	domainEvent := DomainEvent{
		Transition: transition,
		SubjectID:  ev.SubjectID,
		SubjectKey: ev.SubjectKey,
		Event:      ev,
	}

	for _, sink := range p.sinks {
		sink(domainEvent)
	}

	return nil
}

// classifyTransition maps a raw event_kind string to one of the three
// domain transitions by its conventional suffix. Both "issue.created" and
// "jira:issue_created" style kinds classify the same way.
func classifyTransition(eventKind string) string {
	switch {
	case strings.HasSuffix(eventKind, "created"):
		return TransitionCreated
	case strings.HasSuffix(eventKind, "deleted"):
		return TransitionDeleted
	default:
		return TransitionUpdated
	}
}

func parseChangelog(raw json.RawMessage) (mapping.ChangedFields, error) {
	var changed mapping.ChangedFields

	if len(raw) == 0 {
		return changed, nil
	}

	var entries []changelogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return changed, err
	}

	for _, entry := range entries {
		value := entry.NewValue

		switch entry.Field {
		case "status":
			changed.Status = &value
		case "priority":
			changed.Priority = &value
		case "type":
			changed.Type = &value
		case "assignee":
			changed.Assignee = &value
		case "resolution":
			changed.Resolution = &value
		}
	}

	return changed, nil
}

// deriveEventID computes the deterministic dedup key for an inbound
// event. SHA-256 over the pipe-joined triple gives a fixed, collision-
// resistant id; unlike the fingerprint, this isn't a published equality
// contract, so the specific hash algorithm is not part of any external API.
func deriveEventID(eventKind, subjectKey string, sourceTimestamp int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", eventKind, subjectKey, sourceTimestamp)))

	return hex.EncodeToString(sum[:])
}

// verifySignature checks the X-Hub-Signature / X-Atlassian-Webhook-Signature
// header against an HMAC-SHA256 of raw, constant-time. Returns ok=false
// with the AcceptResult to return to the caller when verification fails.
func (p *Processor) verifySignature(raw []byte, headers map[string]string) (AcceptResult, bool) {
	sigHeader := headers["X-Hub-Signature"]
	if sigHeader == "" {
		sigHeader = headers["X-Atlassian-Webhook-Signature"]
	}

	if sigHeader == "" {
		if p.cfg.SignatureRequired {
			return AcceptResult{Accepted: false, Reason: ReasonMissingSignature}, false
		}

		return AcceptResult{}, true
	}

	provided := strings.TrimPrefix(sigHeader, "sha256=")

	mac := hmac.New(sha256.New, []byte(p.cfg.Secret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(provided) != len(expected) ||
		subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return AcceptResult{Accepted: false, Reason: ReasonInvalidSignature}, false
	}

	return AcceptResult{}, true
}
