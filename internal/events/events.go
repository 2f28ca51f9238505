// internal/events/events.go
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Exchange is the topic exchange every loan event is published to.
	Exchange = "library.events"

	TypeLoanCreated  = "loan.created"
	TypeLoanReturned = "loan.returned"

	SequenceCreated  = 1
	SequenceReturned = 2
)

// namespace seeds the deterministic event ids.
var namespace = uuid.MustParse("6f1c7a52-1f0e-4a53-9d55-3c1f0b7a9e21")

// EventID derives the globally unique id of the sequence-th event of a loan.
// The same loan and sequence always yield the same id, which makes it a dedupe key.
func EventID(loanID uuid.UUID, sequence int) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s/%d", loanID, sequence))).String()
}

// LoanEvent is the message body published for loan lifecycle transitions.
type LoanEvent struct {
	EventID    string     `json:"event_id"`
	Type       string     `json:"type"`
	LoanID     string     `json:"loan_id"`
	UserID     string     `json:"user_id"`
	BookID     string     `json:"book_id"`
	BookTitle  string     `json:"book_title,omitempty"`
	Sequence   int        `json:"sequence"`
	OccurredAt time.Time  `json:"occurred_at"`
	DueAt      *time.Time `json:"due_at,omitempty"`
}

func (e LoanEvent) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.LoanID == "":
		return fmt.Errorf("loan_id is required")
	case e.UserID == "" || e.BookID == "":
		return fmt.Errorf("user_id and book_id are required")
	case e.Sequence < 1:
		return fmt.Errorf("sequence must be positive, got %d", e.Sequence)
	}
	switch e.Type {
	case TypeLoanCreated, TypeLoanReturned:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

func Encode(e LoanEvent) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a message body.
func Decode(body []byte) (LoanEvent, error) {
	var e LoanEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return LoanEvent{}, fmt.Errorf("decode loan event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return LoanEvent{}, fmt.Errorf("invalid loan event: %w", err)
	}
	return e, nil
}
