// internal/catalog/domain.go
package catalog

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBookNotFound        = errors.New("book not found")
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrVersionConflict is returned by a Store when the expected version is stale.
	ErrVersionConflict = errors.New("version conflict")
	// ErrConflict is returned by the ledger once its retry budget for version conflicts is spent.
	ErrConflict = errors.New("ledger contention: retry budget exhausted")
)

// Book is the inventory record of one title.
type Book struct {
	ID              string    `json:"id"`
	ISBN            string    `json:"isbn,omitempty"`
	Title           string    `json:"title"`
	Author          string    `json:"author,omitempty"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	ReservedCopies  int       `json:"reserved_copies"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LoanedCopies is derived: whatever is neither available nor reserved.
func (b Book) LoanedCopies() int {
	return b.TotalCopies - b.AvailableCopies - b.ReservedCopies
}

// CheckInvariant verifies available + reserved + loaned == total with every term non-negative.
func (b Book) CheckInvariant() error {
	if b.AvailableCopies < 0 || b.ReservedCopies < 0 || b.LoanedCopies() < 0 {
		return fmt.Errorf("book %s violates inventory invariant: total=%d available=%d reserved=%d loaned=%d",
			b.ID, b.TotalCopies, b.AvailableCopies, b.ReservedCopies, b.LoanedCopies())
	}
	return nil
}

type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "reserved"
	ReservationReleased ReservationStatus = "released"
)

// Reservation is a provisional claim on one copy, keyed by the caller's loan id.
type Reservation struct {
	ID         string            `json:"reservation_id"`
	BookID     string            `json:"book_id"`
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ReleasedAt *time.Time        `json:"released_at,omitempty"`
}

type ReserveStatus string

const (
	StatusReserved ReserveStatus = "reserved"
	StatusDenied   ReserveStatus = "denied"
)

// ReserveResult is the business outcome of a reserve call.
type ReserveResult struct {
	Status ReserveStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Book   *Book         `json:"book,omitempty"`
}

// Mutation is one compare-and-set against a book plus the reservation change it implies.
// Book carries the new counts and, in Version, the version the writer read.
type Mutation struct {
	Book        Book
	Reservation Reservation
}
