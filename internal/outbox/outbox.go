// internal/outbox/outbox.go
package outbox

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConcurrencyConflict is returned when an event with the same aggregate and sequence already exists.
	ErrConcurrencyConflict = errors.New("concurrency conflict: sequence already recorded")
	ErrEventNotFound       = errors.New("outbox event not found")
)

// Metadata carries transport headers captured when the event was recorded, such as trace context.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
	return json.Unmarshal(raw, m)
}

// Payload is a JSON document stored in a jsonb column.
type Payload []byte

func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "null", nil
	}
	return string(p), nil
}

func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append((*p)[:0], v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("scan payload: unsupported type %T", src)
	}
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// Event is a domain event waiting in, or already relayed from, the outbox.
type Event struct {
	EventID       string     `json:"event_id" db:"event_id"`
	AggregateID   uuid.UUID  `json:"aggregate_id" db:"aggregate_id"`
	Type          string     `json:"type" db:"event_type"`
	Sequence      int        `json:"sequence" db:"sequence"`
	Payload       Payload    `json:"payload" db:"payload"`
	Metadata      Metadata   `json:"metadata" db:"metadata"`
	EmittedAt     time.Time  `json:"emitted_at" db:"emitted_at"`
	Dispatched    bool       `json:"dispatched" db:"dispatched"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`
	Attempts      int        `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty" db:"last_error"`
}

// Store is the dispatcher's view of the outbox.
type Store interface {
	// Claim leases up to limit publishable events: at most one per aggregate, always
	// its lowest undispatched sequence, and only once its retry time has passed.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Event, error)
	MarkDispatched(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, retryIn time.Duration, cause string) error
	Pending(ctx context.Context) (int, error)
	LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)
}
