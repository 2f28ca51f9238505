// internal/consumer/ledger.go
package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"libranexus/internal/events"
)

// ProcessedSchema is the dedupe ledger shared by every pgx-backed projection.
const ProcessedSchema = `
CREATE TABLE IF NOT EXISTS processed_events (
	consumer   TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	loan_id    TEXT NOT NULL,
	sequence   INT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (consumer, event_id)
);

CREATE INDEX IF NOT EXISTS processed_events_loan_idx ON processed_events (consumer, loan_id, sequence);
`

// Claim records evt as processed by consumer inside tx. It returns false if the
// event was recorded before, and ErrOutOfOrder if the previous sequence of the
// same loan was not. On any error the caller must roll tx back.
func Claim(ctx context.Context, tx pgx.Tx, consumer string, evt events.LoanEvent) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (consumer, event_id, loan_id, sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (consumer, event_id) DO NOTHING
	`, consumer, evt.EventID, evt.LoanID, evt.Sequence)
	if err != nil {
		return false, fmt.Errorf("record processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if evt.Sequence <= 1 {
		return true, nil
	}

	var ok bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_events
			WHERE consumer = $1 AND loan_id = $2 AND sequence = $3
		)
	`, consumer, evt.LoanID, evt.Sequence-1).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check predecessor: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("%w: loan %s sequence %d", ErrOutOfOrder, evt.LoanID, evt.Sequence-1)
	}
	return true, nil
}

type processedKey struct {
	consumer string
	eventID  string
}

type loanSeq struct {
	consumer string
	loanID   string
	sequence int
}

// MemoryLedger is the in-process counterpart of processed_events. Callers
// serialise Claim with their own side effect.
type MemoryLedger struct {
	mu       sync.Mutex
	events   map[processedKey]struct{}
	sequence map[loanSeq]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events:   make(map[processedKey]struct{}),
		sequence: make(map[loanSeq]struct{}),
	}
}

// Claim follows the same rules as the postgres Claim.
func (l *MemoryLedger) Claim(consumer string, evt events.LoanEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := processedKey{consumer, evt.EventID}
	if _, ok := l.events[key]; ok {
		return false, nil
	}
	if evt.Sequence > 1 {
		if _, ok := l.sequence[loanSeq{consumer, evt.LoanID, evt.Sequence - 1}]; !ok {
			return false, fmt.Errorf("%w: loan %s sequence %d", ErrOutOfOrder, evt.LoanID, evt.Sequence-1)
		}
	}
	l.events[key] = struct{}{}
	l.sequence[loanSeq{consumer, evt.LoanID, evt.Sequence}] = struct{}{}
	return true, nil
}

// Processed reports how many events consumer recorded.
func (l *MemoryLedger) Processed(consumer string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k := range l.events {
		if k.consumer == consumer {
			n++
		}
	}
	return n
}
