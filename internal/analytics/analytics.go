// internal/analytics/analytics.go
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"libranexus/internal/events"
)

const Name = "analytics"

// KPI names.
const (
	TotalLoans   = "total_loans"
	ActiveLoans  = "active_loans"
	TotalReturns = "total_returns"
)

var ErrUserNotFound = errors.New("no metrics for user")

// Delta is a signed change to one KPI. Deltas commute, so events of
// unrelated loans may be applied in any order.
type Delta struct {
	Metric string
	Value  int64
}

// UserDelta is the per-user share of an event.
type UserDelta struct {
	UserID        string
	LoansTaken    int64
	LoansReturned int64
}

// Summary is the current value of every KPI.
type Summary struct {
	TotalLoans   int64     `json:"total_loans"`
	ActiveLoans  int64     `json:"active_loans"`
	TotalReturns int64     `json:"total_returns"`
	LastEventID  string    `json:"last_event_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type UserMetric struct {
	UserID        string    `json:"user_id"`
	LoansTaken    int64     `json:"loans_taken"`
	LoansReturned int64     `json:"loans_returned"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store applies deltas together with the dedupe record of the event that caused them.
type Store interface {
	Apply(ctx context.Context, evt events.LoanEvent, deltas []Delta, user UserDelta) (bool, error)
	Summary(ctx context.Context) (Summary, error)
	User(ctx context.Context, userID string) (UserMetric, error)
}

// DeltasFor maps an event to its KPI and per-user deltas.
func DeltasFor(evt events.LoanEvent) ([]Delta, UserDelta, error) {
	user := UserDelta{UserID: evt.UserID}
	switch evt.Type {
	case events.TypeLoanCreated:
		user.LoansTaken = 1
		return []Delta{{TotalLoans, 1}, {ActiveLoans, 1}}, user, nil
	case events.TypeLoanReturned:
		user.LoansReturned = 1
		return []Delta{{TotalReturns, 1}, {ActiveLoans, -1}}, user, nil
	default:
		return nil, user, fmt.Errorf("unsupported event type %q", evt.Type)
	}
}

// Projection maintains the KPI aggregates.
type Projection struct {
	store Store
	log   zerolog.Logger
}

func NewProjection(store Store, log zerolog.Logger) *Projection {
	return &Projection{store: store, log: log}
}

func (p *Projection) Name() string { return Name }

func (p *Projection) Apply(ctx context.Context, evt events.LoanEvent) (bool, error) {
	deltas, user, err := DeltasFor(evt)
	if err != nil {
		return false, err
	}
	applied, err := p.store.Apply(ctx, evt, deltas, user)
	if err != nil {
		return false, fmt.Errorf("apply kpi deltas: %w", err)
	}
	if applied {
		p.log.Debug().Str("event_id", evt.EventID).Str("type", evt.Type).Msg("kpis updated")
	}
	return applied, nil
}

type kpi struct {
	name        string
	value       int64
	lastEventID string
	updatedAt   time.Time
}

// add folds one KPI row into the summary; the newest row names the last event.
func (s *Summary) add(k kpi) {
	switch k.name {
	case TotalLoans:
		s.TotalLoans = k.value
	case ActiveLoans:
		s.ActiveLoans = k.value
	case TotalReturns:
		s.TotalReturns = k.value
	}
	if k.updatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = k.updatedAt
		s.LastEventID = k.lastEventID
	}
}
