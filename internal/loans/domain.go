// internal/loans/domain.go
package loans

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"libranexus/internal/apperr"
)

var (
	ErrLoanNotFound = errors.New("loan not found")
	// ErrStaleStatus means the stored loan left the expected status before the update landed.
	ErrStaleStatus = errors.New("loan status changed concurrently")
)

type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusReturned  Status = "returned"
	StatusFailed    Status = "failed"
)

// transitions lists every legal move. Returned and Failed are terminal.
var transitions = map[Status][]Status{
	StatusRequested: {StatusActive, StatusFailed},
	StatusActive:    {StatusReturned},
}

// CanTransition reports whether a loan may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusActive, StatusReturned, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusReturned || s == StatusFailed
}

// Loan is one user's borrowing of one book.
type Loan struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	BookID        string     `json:"book_id" db:"book_id"`
	BookTitle     string     `json:"book_title,omitempty" db:"book_title"`
	Status        Status     `json:"status" db:"status"`
	Sequence      int        `json:"sequence" db:"sequence"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	DueAt         *time.Time `json:"due_at,omitempty" db:"due_at"`
	ReturnedAt    *time.Time `json:"returned_at,omitempty" db:"returned_at"`
}

// transition moves the loan forward or fails with an invalid_transition error.
func (l *Loan) transition(to Status, at time.Time) error {
	if !CanTransition(l.Status, to) {
		return apperr.New(apperr.KindInvalidTransition, "loan %s cannot move from %s to %s", l.ID, l.Status, to)
	}
	l.Status = to
	l.UpdatedAt = at
	return nil
}

// Filter narrows ListLoans. Zero values match everything.
type Filter struct {
	UserID string
	Status Status
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	maxIDLength      = 128
)

func (f *Filter) normalize() error {
	if f.Status != "" && !f.Status.Valid() {
		return apperr.New(apperr.KindValidation, "unknown status %q", f.Status)
	}
	switch {
	case f.Limit < 0:
		return apperr.New(apperr.KindValidation, "limit must not be negative")
	case f.Limit == 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return nil
}

// validateID checks a caller-supplied identifier and returns it trimmed.
func validateID(field, value string) (string, error) {
	v := strings.TrimSpace(value)
	switch {
	case v == "":
		return "", apperr.New(apperr.KindValidation, "%s is required", field)
	case len(v) > maxIDLength:
		return "", apperr.New(apperr.KindValidation, "%s must be at most %d characters", field, maxIDLength)
	case strings.Contains(v, "/"):
		return "", apperr.New(apperr.KindValidation, "%s must not contain '/'", field)
	}
	return v, nil
}
