// internal/notification/notification.go
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"libranexus/internal/events"
)

// Name identifies this consumer in the dedupe ledger and broker queue bindings.
const Name = "notification"

// Notification is the message rendered for one loan event.
type Notification struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	LoanID    string    `json:"loan_id"`
	EventType string    `json:"event_type"`
	BookTitle string    `json:"book_title,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists notifications together with their dedupe record.
type Store interface {
	// Insert returns false if n.EventID was already recorded.
	Insert(ctx context.Context, evt events.LoanEvent, n Notification) (bool, error)
	List(ctx context.Context, userID string, limit int) ([]Notification, error)
}

// Render turns an event into the text shown to the user.
func Render(evt events.LoanEvent) string {
	title := evt.BookTitle
	if title == "" {
		title = "book " + evt.BookID
	}
	switch evt.Type {
	case events.TypeLoanCreated:
		if evt.DueAt != nil {
			return fmt.Sprintf("User %s borrowed %q, due %s.", evt.UserID, title, evt.DueAt.Format("2006-01-02"))
		}
		return fmt.Sprintf("User %s borrowed %q.", evt.UserID, title)
	case events.TypeLoanReturned:
		return fmt.Sprintf("User %s returned %q.", evt.UserID, title)
	default:
		return fmt.Sprintf("Received event %s.", evt.Type)
	}
}

// Projection writes one notification per loan event.
type Projection struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewProjection(store Store, log zerolog.Logger) *Projection {
	return &Projection{store: store, log: log, now: time.Now}
}

func (p *Projection) Name() string { return Name }

func (p *Projection) Apply(ctx context.Context, evt events.LoanEvent) (bool, error) {
	n := Notification{
		EventID:   evt.EventID,
		UserID:    evt.UserID,
		LoanID:    evt.LoanID,
		EventType: evt.Type,
		BookTitle: evt.BookTitle,
		Message:   Render(evt),
		CreatedAt: p.now().UTC(),
	}
	applied, err := p.store.Insert(ctx, evt, n)
	if err != nil {
		return false, fmt.Errorf("store notification: %w", err)
	}
	if applied {
		p.log.Info().Str("user_id", n.UserID).Str("event_id", n.EventID).Str("message", n.Message).Msg("notification recorded")
	}
	return applied, nil
}
