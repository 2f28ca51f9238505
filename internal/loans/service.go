// internal/loans/service.go
package loans

import (
	"context"

	"github.com/google/uuid"

	"libranexus/internal/clients"
	"libranexus/internal/outbox"
)

// Service coordinates the loan lifecycle against the catalog.
type Service interface {
	CreateLoan(ctx context.Context, userID, bookID string) (*Loan, error)
	ReturnLoan(ctx context.Context, loanID uuid.UUID, userID string) (*Loan, error)
	GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	ListLoans(ctx context.Context, filter Filter) ([]*Loan, error)
	LoanEvents(ctx context.Context, loanID uuid.UUID) ([]outbox.Event, error)
}

// Catalog is the reservation API of the inventory service.
type Catalog interface {
	Reserve(ctx context.Context, bookID, reservationID string) (*clients.Reservation, error)
	Release(ctx context.Context, bookID, reservationID string) error
}

// Repository persists loans together with the outbox events describing them.
type Repository interface {
	// Insert stores a new loan and its events in one transaction.
	Insert(ctx context.Context, loan *Loan, events ...outbox.Event) error
	// Transition saves loan only if the stored row is still in status from,
	// appending events in the same transaction. Otherwise it returns ErrStaleStatus.
	Transition(ctx context.Context, loan *Loan, from Status, events ...outbox.Event) error
	Get(ctx context.Context, id uuid.UUID) (*Loan, error)
	List(ctx context.Context, filter Filter) ([]*Loan, error)
	Events(ctx context.Context, id uuid.UUID) ([]outbox.Event, error)
}
