package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qaintel/issuesync/internal/storage"
)

// EventStore is the Durable Store port scoped to the events table. Every
// Event row is owned exclusively by the Event Processor.
type EventStore interface {
	// InsertOrIgnore stores the event if id is new. Returns inserted=false
	// on a duplicate id without touching the existing row.
	InsertOrIgnore(ctx context.Context, ev *Event) (inserted bool, err error)
	Get(ctx context.Context, id string) (*Event, error)
	MarkProcessed(ctx context.Context, id string, now time.Time) error
	MarkErrored(ctx context.Context, id, processingError string) error
	// FindUnprocessedOlderThan returns events the sweeper should re-dispatch.
	FindUnprocessedOlderThan(ctx context.Context, threshold time.Time, limit int) ([]*Event, error)
	// DeleteOlderThan prunes processed events past the retention window.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type postgresEventStore struct {
	conn *storage.Connection
}

// NewEventStore returns a PostgreSQL-backed EventStore.
func NewEventStore(conn *storage.Connection) EventStore {
	return &postgresEventStore{conn: conn}
}

func (s *postgresEventStore) InsertOrIgnore(ctx context.Context, ev *Event) (bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO events (
			id, event_kind, subject_id, subject_key, source_timestamp,
			actor_id, raw_payload, changelog, processed, processed_at,
			processing_error, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING
	`,
		ev.ID, ev.EventKind, ev.SubjectID, ev.SubjectKey, ev.SourceTimestamp,
		ev.ActorID, ev.RawPayload, ev.Changelog, ev.Processed, ev.ProcessedAt,
		ev.ProcessingError, ev.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}

	return rowsTouched(res), nil
}

func (s *postgresEventStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.conn.QueryRowContext(ctx, eventSelectColumns+` FROM events WHERE id = $1`, id)

	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("get event: %w", err)
	}

	return ev, nil
}

func (s *postgresEventStore) MarkProcessed(ctx context.Context, id string, now time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE events SET processed = TRUE, processed_at = $1, processing_error = NULL
		WHERE id = $2
	`, now, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}

	return nil
}

func (s *postgresEventStore) MarkErrored(ctx context.Context, id, processingError string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE events SET processed = FALSE, processing_error = $1
		WHERE id = $2
	`, processingError, id)
	if err != nil {
		return fmt.Errorf("mark event errored: %w", err)
	}

	return nil
}

func (s *postgresEventStore) FindUnprocessedOlderThan(ctx context.Context, threshold time.Time, limit int) ([]*Event, error) {
	rows, err := s.conn.QueryContext(ctx, eventSelectColumns+`
		FROM events
		WHERE processed = FALSE AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("find unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []*Event

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unprocessed event: %w", err)
		}

		out = append(out, ev)
	}

	return out, rows.Err()
}

func (s *postgresEventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM events WHERE processed = TRUE AND received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: rows affected: %w", err)
	}

	return int(n), nil
}

const eventSelectColumns = `
	SELECT id, event_kind, subject_id, subject_key, source_timestamp,
	       actor_id, raw_payload, changelog, processed, processed_at,
	       processing_error, received_at`

func scanEvent(row rowScanner) (*Event, error) {
	ev := &Event{}

	err := row.Scan(
		&ev.ID, &ev.EventKind, &ev.SubjectID, &ev.SubjectKey, &ev.SourceTimestamp,
		&ev.ActorID, &ev.RawPayload, &ev.Changelog, &ev.Processed, &ev.ProcessedAt,
		&ev.ProcessingError, &ev.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}

	return ev, nil
}
