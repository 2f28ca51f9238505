// internal/catalog/service.go
package catalog

import "context"

// Service is the inventory ledger.
type Service interface {
	AddBook(ctx context.Context, isbn, title, author string, totalCopies int) (*Book, error)
	GetBook(ctx context.Context, id string) (*Book, error)
	ListBooks(ctx context.Context, query string, limit int) ([]*Book, error)
	Reserve(ctx context.Context, bookID, reservationID string) (*ReserveResult, error)
	Release(ctx context.Context, bookID, reservationID string) (*Book, error)
}

// Store persists books and reservations.
type Store interface {
	CreateBook(ctx context.Context, book *Book) error
	GetBook(ctx context.Context, id string) (*Book, error)
	ListBooks(ctx context.Context, query string, limit int) ([]*Book, error)
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	// Apply commits m atomically or returns ErrVersionConflict.
	Apply(ctx context.Context, m Mutation) error
}
