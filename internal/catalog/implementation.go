// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libranexus/internal/apperr"
)

var (
	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_reservations_total",
		Help: "Reserve and release calls by outcome.",
	}, []string{"op", "outcome"})
	versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_version_conflicts_total",
		Help: "Optimistic concurrency conflicts observed by the ledger.",
	})
)

// Options tunes the ledger's conflict retry loop.
type Options struct {
	MaxAttempts uint
	BaseDelay   time.Duration
}

// service implements the Service interface.
type service struct {
	store  Store
	opts   Options
	log    zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new inventory ledger.
func NewService(store Store, opts Options, log zerolog.Logger) Service {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 5 * time.Millisecond
	}
	return &service{
		store:  store,
		opts:   opts,
		log:    log,
		tracer: otel.Tracer("libranexus/catalog"),
		now:    time.Now,
	}
}

// AddBook registers a title with all copies available.
func (s *service) AddBook(ctx context.Context, isbn, title, author string, totalCopies int) (*Book, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.New(apperr.KindValidation, "title is required")
	}
	if totalCopies < 0 {
		return nil, apperr.New(apperr.KindValidation, "total_copies must not be negative")
	}

	now := s.now().UTC()
	book := &Book{
		ID:              uuid.NewString(),
		ISBN:            strings.TrimSpace(isbn),
		Title:           title,
		Author:          strings.TrimSpace(author),
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateBook(ctx, book); err != nil {
		return nil, fmt.Errorf("create book: %w", err)
	}
	return book, nil
}

func (s *service) GetBook(ctx context.Context, id string) (*Book, error) {
	return s.store.GetBook(ctx, id)
}

func (s *service) ListBooks(ctx context.Context, query string, limit int) ([]*Book, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListBooks(ctx, strings.TrimSpace(query), limit)
}

// Reserve claims one copy of bookID for reservationID. Replaying a known reservationID
// returns the original outcome without touching the counts.
func (s *service) Reserve(ctx context.Context, bookID, reservationID string) (*ReserveResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.reserve",
		trace.WithAttributes(
			attribute.String("book.id", bookID),
			attribute.String("reservation.id", reservationID),
		),
	)
	defer span.End()

	if reservationID == "" {
		return nil, apperr.New(apperr.KindValidation, "reservation_id is required")
	}

	var result *ReserveResult
	attempts, err := s.retryOnConflict(ctx, func() error {
		book, err := s.store.GetBook(ctx, bookID)
		if err != nil {
			return err
		}

		existing, err := s.store.GetReservation(ctx, reservationID)
		switch {
		case err == nil:
			result = replayReserve(existing, book)
			return nil
		case !errors.Is(err, ErrReservationNotFound):
			return err
		}

		if book.AvailableCopies <= 0 {
			result = &ReserveResult{Status: StatusDenied, Reason: "no copies available", Book: book}
			return nil
		}

		next := *book
		next.AvailableCopies--
		next.ReservedCopies++
		if err := s.store.Apply(ctx, Mutation{
			Book: next,
			Reservation: Reservation{
				ID:        reservationID,
				BookID:    bookID,
				Status:    ReservationHeld,
				CreatedAt: s.now().UTC(),
			},
		}); err != nil {
			return err
		}

		next.Version++
		result = &ReserveResult{Status: StatusReserved, Book: &next}
		return nil
	})
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil {
		reservationsTotal.WithLabelValues("reserve", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	reservationsTotal.WithLabelValues("reserve", string(result.Status)).Inc()
	span.SetAttributes(attribute.String("reserve.status", string(result.Status)))
	return result, nil
}

func replayReserve(existing *Reservation, book *Book) *ReserveResult {
	if existing.BookID != book.ID {
		return &ReserveResult{Status: StatusDenied, Reason: "reservation id belongs to another book", Book: book}
	}
	if existing.Status == ReservationReleased {
		return &ReserveResult{Status: StatusDenied, Reason: "reservation already released", Book: book}
	}
	return &ReserveResult{Status: StatusReserved, Book: book}
}

// Release returns the copy held by reservationID. Releasing an unknown or
// already released reservation leaves the counts alone and succeeds.
func (s *service) Release(ctx context.Context, bookID, reservationID string) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.release",
		trace.WithAttributes(
			attribute.String("book.id", bookID),
			attribute.String("reservation.id", reservationID),
		),
	)
	defer span.End()

	if reservationID == "" {
		return nil, apperr.New(apperr.KindValidation, "reservation_id is required")
	}

	var out *Book
	outcome := "released"
	attempts, err := s.retryOnConflict(ctx, func() error {
		book, err := s.store.GetBook(ctx, bookID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		existing, err := s.store.GetReservation(ctx, reservationID)
		if errors.Is(err, ErrReservationNotFound) {
			// The reserve may still be in flight; leave a released record behind so it is denied.
			if err := s.store.Apply(ctx, Mutation{Book: *book, Reservation: Reservation{
				ID:         reservationID,
				BookID:     bookID,
				Status:     ReservationReleased,
				CreatedAt:  now,
				ReleasedAt: &now,
			}}); err != nil {
				return err
			}
			out, outcome = book, "noop"
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Status == ReservationReleased || existing.BookID != bookID {
			out, outcome = book, "noop"
			return nil
		}

		next := *book
		next.AvailableCopies++
		next.ReservedCopies--
		released := *existing
		released.Status = ReservationReleased
		released.ReleasedAt = &now
		if err := s.store.Apply(ctx, Mutation{Book: next, Reservation: released}); err != nil {
			return err
		}

		next.Version++
		out, outcome = &next, "released"
		return nil
	})
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil {
		reservationsTotal.WithLabelValues("release", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	reservationsTotal.WithLabelValues("release", outcome).Inc()
	return out, nil
}

// retryOnConflict re-runs fn with exponential backoff while it reports a version
// conflict, up to MaxAttempts. Any other error stops immediately.
func (s *service) retryOnConflict(ctx context.Context, fn func() error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BaseDelay
	b.RandomizationFactor = 0.3
	b.Multiplier = 2
	b.MaxInterval = 50 * s.opts.BaseDelay

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn()
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrVersionConflict):
			versionConflicts.Inc()
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.opts.MaxAttempts))

	if errors.Is(err, ErrVersionConflict) {
		s.log.Warn().Int("attempts", attempts).Msg("ledger retry budget exhausted")
		return attempts, fmt.Errorf("%w after %d attempts", ErrConflict, attempts)
	}
	return attempts, err
}
