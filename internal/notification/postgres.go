// internal/notification/postgres.go
package notification

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"libranexus/internal/consumer"
	"libranexus/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	event_id   TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	loan_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	book_title TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at DESC);
`

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the notification and dedupe tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, consumer.ProcessedSchema); err != nil {
		return fmt.Errorf("migrate processed events: %w", err)
	}
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate notifications: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, evt events.LoanEvent, n Notification) (bool, error) {
	var applied bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		ok, err := consumer.Claim(ctx, tx, Name, evt)
		if err != nil || !ok {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO notifications (event_id, user_id, loan_id, event_type, book_title, message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, n.EventID, n.UserID, n.LoanID, n.EventType, n.BookTitle, n.Message, n.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_id, user_id, loan_id, event_type, book_title, message, created_at
		FROM notifications
		WHERE $1 = '' OR user_id = $1
		ORDER BY created_at DESC, event_id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Notification])
}
