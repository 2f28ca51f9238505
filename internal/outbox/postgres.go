// internal/outbox/postgres.go
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	event_id        TEXT PRIMARY KEY,
	aggregate_id    UUID NOT NULL,
	event_type      TEXT NOT NULL,
	sequence        INT NOT NULL,
	payload         JSONB NOT NULL,
	metadata        JSONB NOT NULL DEFAULT '{}',
	emitted_at      TIMESTAMPTZ NOT NULL,
	dispatched      BOOLEAN NOT NULL DEFAULT FALSE,
	dispatched_at   TIMESTAMPTZ,
	attempts        INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_error      TEXT NOT NULL DEFAULT '',
	UNIQUE (aggregate_id, sequence)
);

CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (next_attempt_at) WHERE NOT dispatched;
`

const eventColumns = `event_id, aggregate_id, event_type, sequence, payload, metadata, emitted_at,
	dispatched, dispatched_at, attempts, next_attempt_at, last_error`

// PostgresStore keeps the outbox in the loan service's database.
type PostgresStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("libranexus/outbox"),
	}
}

// Append inserts events through tx so they commit or roll back with the caller's state change.
func (s *PostgresStore) Append(ctx context.Context, tx sqlx.ExtContext, events ...Event) error {
	ctx, span := s.tracer.Start(ctx, "outbox.append",
		trace.WithAttributes(attribute.Int("event.count", len(events))),
	)
	defer span.End()

	for _, e := range events {
		if e.Metadata == nil {
			e.Metadata = Metadata{}
		}
		_, err := sqlx.NamedExecContext(ctx, tx, `
			INSERT INTO outbox_events (event_id, aggregate_id, event_type, sequence, payload, metadata, emitted_at, next_attempt_at)
			VALUES (:event_id, :aggregate_id, :event_type, :sequence, :payload, :metadata, :emitted_at, :emitted_at)
		`, e)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				span.SetAttributes(attribute.Bool("conflict.detected", true))
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert outbox event %s: %w", e.EventID, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.String("event.id", e.EventID),
			attribute.String("event.type", e.Type),
			attribute.Int("event.sequence", e.Sequence),
		))
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.claim",
		trace.WithAttributes(attribute.Int("batch.size", limit)),
	)
	defer span.End()

	var events []Event
	err := s.db.SelectContext(ctx, &events, `
		UPDATE outbox_events
		SET next_attempt_at = NOW() + ($2 * INTERVAL '1 millisecond')
		WHERE event_id IN (
			SELECT c.event_id
			FROM outbox_events c
			WHERE NOT c.dispatched
			AND c.next_attempt_at <= NOW()
			AND NOT EXISTS (
				SELECT 1 FROM outbox_events p
				WHERE p.aggregate_id = c.aggregate_id
				AND p.sequence < c.sequence
				AND NOT p.dispatched
			)
			ORDER BY c.emitted_at, c.sequence
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].EmittedAt.Equal(events[j].EmittedAt) {
			return events[i].EmittedAt.Before(events[j].EmittedAt)
		}
		return events[i].Sequence < events[j].Sequence
	})
	span.SetAttributes(attribute.Int("events.claimed", len(events)))
	return events, nil
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET dispatched = TRUE, dispatched_at = NOW(), last_error = ''
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID string, retryIn time.Duration, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1,
		    next_attempt_at = NOW() + ($2 * INTERVAL '1 millisecond'),
		    last_error = $3
		WHERE event_id = $1 AND NOT dispatched
	`, eventID, retryIn.Milliseconds(), cause)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox_events WHERE NOT dispatched`); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// LoadEvents returns every event recorded for an aggregate in sequence order.
func (s *PostgresStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	var events []Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE aggregate_id = $1
		ORDER BY sequence ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}
