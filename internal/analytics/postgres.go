// internal/analytics/postgres.go
package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"libranexus/internal/consumer"
	"libranexus/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS kpi_aggregates (
	metric_name   TEXT PRIMARY KEY,
	value         BIGINT NOT NULL DEFAULT 0,
	last_event_id TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_metrics (
	user_id        TEXT PRIMARY KEY,
	loans_taken    BIGINT NOT NULL DEFAULT 0,
	loans_returned BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, consumer.ProcessedSchema); err != nil {
		return fmt.Errorf("migrate processed events: %w", err)
	}
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate analytics: %w", err)
	}
	return nil
}

func (s *PostgresStore) Apply(ctx context.Context, evt events.LoanEvent, deltas []Delta, user UserDelta) (bool, error) {
	var applied bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		ok, err := consumer.Claim(ctx, tx, Name, evt)
		if err != nil || !ok {
			return err
		}

		batch := &pgx.Batch{}
		for _, d := range deltas {
			batch.Queue(`
				INSERT INTO kpi_aggregates (metric_name, value, last_event_id, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (metric_name) DO UPDATE
				SET value = kpi_aggregates.value + EXCLUDED.value,
				    last_event_id = EXCLUDED.last_event_id,
				    updated_at = NOW()
			`, d.Metric, d.Value, evt.EventID)
		}
		batch.Queue(`
			INSERT INTO user_metrics (user_id, loans_taken, loans_returned, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (user_id) DO UPDATE
			SET loans_taken = user_metrics.loans_taken + EXCLUDED.loans_taken,
			    loans_returned = user_metrics.loans_returned + EXCLUDED.loans_returned,
			    updated_at = NOW()
		`, user.UserID, user.LoansTaken, user.LoansReturned)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert metrics: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *PostgresStore) Summary(ctx context.Context) (Summary, error) {
	rows, err := s.db.Query(ctx, `SELECT metric_name, value, last_event_id, updated_at FROM kpi_aggregates`)
	if err != nil {
		return Summary{}, fmt.Errorf("load kpis: %w", err)
	}
	defer rows.Close()

	var sum Summary
	for rows.Next() {
		var k kpi
		if err := rows.Scan(&k.name, &k.value, &k.lastEventID, &k.updatedAt); err != nil {
			return Summary{}, err
		}
		sum.add(k)
	}
	return sum, rows.Err()
}

func (s *PostgresStore) User(ctx context.Context, userID string) (UserMetric, error) {
	var m UserMetric
	err := s.db.QueryRow(ctx, `
		SELECT user_id, loans_taken, loans_returned, updated_at FROM user_metrics WHERE user_id = $1
	`, userID).Scan(&m.UserID, &m.LoansTaken, &m.LoansReturned, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserMetric{}, ErrUserNotFound
	}
	return m, err
}
