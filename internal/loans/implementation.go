// internal/loans/implementation.go
package loans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libranexus/internal/apperr"
	"libranexus/internal/clients"
	"libranexus/internal/events"
	"libranexus/internal/outbox"
	"libranexus/internal/telemetry"
)

var (
	loanRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loans_requests_total",
		Help: "Loan lifecycle requests by operation and outcome.",
	}, []string{"op", "outcome"})
	compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loans_compensations_total",
		Help: "Compensating releases issued after a failed loan write.",
	}, []string{"outcome"})
)

// Options tunes the coordinator.
type Options struct {
	// LoanPeriod sets due_at relative to creation.
	LoanPeriod time.Duration
	// CompensationTimeout bounds a compensating release, which runs even if the caller gave up.
	CompensationTimeout time.Duration
}

// service implements the Service interface.
type service struct {
	repo    Repository
	catalog Catalog
	opts    Options
	log     zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService creates a new loan coordinator.
func NewService(repo Repository, catalog Catalog, opts Options, log zerolog.Logger) Service {
	if opts.LoanPeriod <= 0 {
		opts.LoanPeriod = 14 * 24 * time.Hour
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = 10 * time.Second
	}
	return &service{
		repo:    repo,
		catalog: catalog,
		opts:    opts,
		log:     log,
		tracer:  otel.Tracer("libranexus/loans"),
		now:     time.Now,
	}
}

// CreateLoan orchestrates the checkout saga: reserve a copy, then commit the
// loan with its loan.created event. A failed commit releases the copy again.
func (s *service) CreateLoan(ctx context.Context, userID, bookID string) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "loans.create",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("book.id", bookID),
		),
	)
	defer span.End()

	loan, err := s.createLoan(ctx, userID, bookID)
	if err != nil {
		loanRequests.WithLabelValues("create", string(apperr.KindOf(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	loanRequests.WithLabelValues("create", "ok").Inc()
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	return loan, nil
}

func (s *service) createLoan(ctx context.Context, userID, bookID string) (*Loan, error) {
	userID, err := validateID("user_id", userID)
	if err != nil {
		return nil, err
	}
	bookID, err = validateID("book_id", bookID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	loan := &Loan{
		ID:        uuid.New(),
		UserID:    userID,
		BookID:    bookID,
		Status:    StatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	log := s.log.With().Str("loan_id", loan.ID.String()).Str("user_id", userID).Str("book_id", bookID).Logger()

	// Step 1: reserve a copy under the loan id
	res, err := s.catalog.Reserve(ctx, bookID, loan.ID.String())
	if err != nil {
		// A reserve that timed out may still have committed in the catalog.
		log.Warn().Err(err).Msg("reservation failed, releasing any copy it held")
		s.compensate(ctx, log, loan)
		return nil, apperr.Wrap(apperr.KindCatalogUnavailable, err, "catalog service unavailable")
	}

	if res.Outcome != clients.OutcomeReserved {
		return nil, s.recordDenial(ctx, log, loan, res)
	}

	// Step 2: commit the loan and its event together
	if err := loan.transition(StatusActive, now); err != nil {
		return nil, err
	}
	due := now.Add(s.opts.LoanPeriod)
	loan.DueAt = &due
	loan.Sequence = events.SequenceCreated
	if res.Book != nil {
		loan.BookTitle = res.Book.Title
	}

	evt, err := s.newEvent(ctx, loan, events.TypeLoanCreated)
	if err == nil {
		err = s.repo.Insert(ctx, loan, evt)
	}
	if err != nil {
		log.Error().Err(err).Msg("loan write failed after reservation, compensating")
		s.compensate(ctx, log, loan)
		return nil, apperr.Wrap(apperr.KindInternal, err, "could not record loan")
	}

	log.Info().Time("due_at", due).Msg("loan created")
	return loan, nil
}

// recordDenial keeps a failed loan for audit and returns the denial to the caller.
func (s *service) recordDenial(ctx context.Context, log zerolog.Logger, loan *Loan, res *clients.Reservation) error {
	reason := res.Reason
	if reason == "" {
		reason = "no copies available"
	}
	if res.Book != nil {
		loan.BookTitle = res.Book.Title
	}
	if err := loan.transition(StatusFailed, loan.CreatedAt); err != nil {
		return err
	}
	loan.FailureReason = reason

	if err := s.repo.Insert(ctx, loan); err != nil {
		// Nothing is held in the catalog, so the denial still stands.
		log.Error().Err(err).Msg("could not record denied loan")
	}
	log.Info().Str("reason", reason).Msg("reservation denied")
	return apperr.New(apperr.KindReservationDenied, "book %s cannot be loaned: %s", loan.BookID, reason)
}

// compensate releases the reservation backing a loan that was never committed.
func (s *service) compensate(ctx context.Context, log zerolog.Logger, loan *Loan) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CompensationTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "loans.compensate",
		trace.WithAttributes(attribute.String("loan.id", loan.ID.String())),
	)
	defer span.End()

	if err := s.catalog.Release(ctx, loan.BookID, loan.ID.String()); err != nil {
		compensations.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Msg("compensating release failed, reservation is orphaned")
		return
	}
	compensations.WithLabelValues("ok").Inc()
	log.Info().Msg("reservation released by compensation")
}

// ReturnLoan releases the copy and then commits the return with its loan.returned event.
func (s *service) ReturnLoan(ctx context.Context, loanID uuid.UUID, userID string) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "loans.return",
		trace.WithAttributes(
			attribute.String("loan.id", loanID.String()),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	loan, err := s.returnLoan(ctx, loanID, userID)
	if err != nil {
		loanRequests.WithLabelValues("return", string(apperr.KindOf(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	loanRequests.WithLabelValues("return", "ok").Inc()
	return loan, nil
}

func (s *service) returnLoan(ctx context.Context, loanID uuid.UUID, userID string) (*Loan, error) {
	userID, err := validateID("user_id", userID)
	if err != nil {
		return nil, err
	}

	// Step 1: find the loan and check ownership and status
	loan, err := s.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.UserID != userID {
		return nil, apperr.New(apperr.KindForbidden, "loan %s belongs to another user", loanID)
	}
	if !CanTransition(loan.Status, StatusReturned) {
		return nil, apperr.New(apperr.KindInvalidTransition, "loan %s is %s and cannot be returned", loanID, loan.Status)
	}
	log := s.log.With().Str("loan_id", loanID.String()).Str("book_id", loan.BookID).Logger()

	// Step 2: give the copy back
	if err := s.catalog.Release(ctx, loan.BookID, loanID.String()); err != nil {
		log.Warn().Err(err).Msg("release failed, loan stays active")
		return nil, apperr.Wrap(apperr.KindCatalogUnavailable, err, "catalog service unavailable")
	}

	// Step 3: commit the return and its event
	now := s.now().UTC()
	if err := loan.transition(StatusReturned, now); err != nil {
		return nil, err
	}
	loan.ReturnedAt = &now
	loan.Sequence = events.SequenceReturned

	evt, err := s.newEvent(ctx, loan, events.TypeLoanReturned)
	if err == nil {
		err = s.repo.Transition(ctx, loan, StatusActive, evt)
	}
	switch {
	case errors.Is(err, ErrStaleStatus):
		return nil, apperr.New(apperr.KindInvalidTransition, "loan %s was returned concurrently", loanID)
	case err != nil:
		// The release is idempotent, so retrying the return is safe.
		log.Error().Err(err).Msg("return write failed after release")
		return nil, apperr.Wrap(apperr.KindInternal, err, "could not record return")
	}

	log.Info().Msg("loan returned")
	return loan, nil
}

func (s *service) GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	loan, err := s.repo.Get(ctx, loanID)
	if errors.Is(err, ErrLoanNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "loan %s not found", loanID)
	}
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", err)
	}
	return loan, nil
}

// ListLoans returns loans newest first.
func (s *service) ListLoans(ctx context.Context, filter Filter) ([]*Loan, error) {
	if err := filter.normalize(); err != nil {
		return nil, err
	}
	loans, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

// LoanEvents returns the outbox history of a loan.
func (s *service) LoanEvents(ctx context.Context, loanID uuid.UUID) ([]outbox.Event, error) {
	if _, err := s.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	evts, err := s.repo.Events(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("load loan events: %w", err)
	}
	return evts, nil
}

// newEvent builds the outbox record for the loan's current sequence, capturing
// the trace context so the dispatcher can continue it.
func (s *service) newEvent(ctx context.Context, loan *Loan, typ string) (outbox.Event, error) {
	body := events.LoanEvent{
		EventID:    events.EventID(loan.ID, loan.Sequence),
		Type:       typ,
		LoanID:     loan.ID.String(),
		UserID:     loan.UserID,
		BookID:     loan.BookID,
		BookTitle:  loan.BookTitle,
		Sequence:   loan.Sequence,
		OccurredAt: loan.UpdatedAt,
		DueAt:      loan.DueAt,
	}
	payload, err := events.Encode(body)
	if err != nil {
		return outbox.Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}

	meta := outbox.Metadata{}
	telemetry.Inject(ctx, meta)
	return outbox.Event{
		EventID:     body.EventID,
		AggregateID: loan.ID,
		Type:        typ,
		Sequence:    loan.Sequence,
		Payload:     payload,
		Metadata:    meta,
		EmittedAt:   loan.UpdatedAt,
	}, nil
}
