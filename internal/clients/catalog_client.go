// internal/clients/catalog_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrCatalogUnavailable means the catalog could not be reached within the retry budget.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

var catalogCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_client_requests_total",
	Help: "Catalog client calls by operation and outcome.",
}, []string{"op", "outcome"})

type Outcome string

const (
	OutcomeReserved Outcome = "reserved"
	OutcomeDenied   Outcome = "denied"
)

// BookSnapshot is the part of the catalog's book record the loan service keeps.
type BookSnapshot struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	AvailableCopies int    `json:"available_copies"`
	ReservedCopies  int    `json:"reserved_copies"`
	Version         int64  `json:"version"`
}

// Reservation is the business result of a reserve call.
type Reservation struct {
	Outcome Outcome
	Reason  string
	Book    *BookSnapshot
}

// CatalogConfig bounds every call the client makes.
type CatalogConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      uint
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type CatalogClient struct {
	baseURL    string
	cfg        CatalogConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	tracer     trace.Tracer
	log        zerolog.Logger
}

func NewCatalogClient(cfg CatalogConfig, log zerolog.Logger) *CatalogClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 10 * cfg.InitialBackoff
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	c := &CatalogClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cfg:        cfg,
		httpClient: &http.Client{},
		tracer:     otel.Tracer("libranexus/clients/catalog"),
		log:        log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "catalog",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return c
}

type reservationBody struct {
	ReservationID string `json:"reservation_id"`
}

type reserveResponse struct {
	Status string        `json:"status"`
	Reason string        `json:"reason"`
	Book   *BookSnapshot `json:"book"`
}

// Reserve asks the catalog to hold one copy of bookID under reservationID.
// A denial is a result, not an error; the only error is ErrCatalogUnavailable.
func (c *CatalogClient) Reserve(ctx context.Context, bookID, reservationID string) (*Reservation, error) {
	ctx, span := c.tracer.Start(ctx, "catalog.reserve",
		trace.WithAttributes(
			attribute.String("book.id", bookID),
			attribute.String("reservation.id", reservationID),
		),
	)
	defer span.End()

	var out *Reservation
	err := c.call(ctx, "reserve", bookID, reservationID, func(status int, body []byte) error {
		switch status {
		case http.StatusOK, http.StatusConflict:
			var resp reserveResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return backoff.Permanent(fmt.Errorf("decode reserve response: %w", err))
			}
			if status == http.StatusOK && resp.Status == string(OutcomeReserved) {
				out = &Reservation{Outcome: OutcomeReserved, Book: resp.Book}
				return nil
			}
			out = &Reservation{Outcome: OutcomeDenied, Reason: resp.Reason, Book: resp.Book}
			return nil
		case http.StatusNotFound:
			out = &Reservation{Outcome: OutcomeDenied, Reason: "book not found"}
			return nil
		default:
			return statusError(status, body)
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("reserve.outcome", string(out.Outcome)))
	return out, nil
}

// Release returns the copy held under reservationID. The catalog treats unknown
// reservations as already released, so this only fails on transport.
func (c *CatalogClient) Release(ctx context.Context, bookID, reservationID string) error {
	ctx, span := c.tracer.Start(ctx, "catalog.release",
		trace.WithAttributes(
			attribute.String("book.id", bookID),
			attribute.String("reservation.id", reservationID),
		),
	)
	defer span.End()

	err := c.call(ctx, "release", bookID, reservationID, func(status int, body []byte) error {
		switch status {
		case http.StatusOK, http.StatusNotFound:
			return nil
		default:
			return statusError(status, body)
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// call posts to /books/{id}/{op} through the breaker, retrying transient failures.
// handle classifies each response: nil accepts it, a permanent error stops, anything else retries.
func (c *CatalogClient) call(ctx context.Context, op, bookID, reservationID string, handle func(int, []byte) error) error {
	payload, err := json.Marshal(reservationBody{ReservationID: reservationID})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	endpoint := fmt.Sprintf("%s/books/%s/%s", c.baseURL, url.PathEscape(bookID), op)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return backoff.Retry(ctx, func() (struct{}, error) {
			status, body, err := c.post(ctx, endpoint, payload)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, handle(status, body)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(c.cfg.MaxRetries+1),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.log.Debug().Err(err).Str("op", op).Dur("retry_in", next).Msg("catalog call failed, retrying")
			}),
		)
	})
	if err != nil {
		catalogCalls.WithLabelValues(op, "unavailable").Inc()
		return fmt.Errorf("%w: %s book %s: %v", ErrCatalogUnavailable, op, bookID, err)
	}
	catalogCalls.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *CatalogClient) post(ctx context.Context, endpoint string, payload []byte) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// statusError retries 5xx and 429; any other unexpected status is permanent.
func statusError(status int, body []byte) error {
	err := fmt.Errorf("unexpected status code: %d: %s", status, strings.TrimSpace(string(body)))
	if status >= 500 || status == http.StatusTooManyRequests {
		return err
	}
	return backoff.Permanent(err)
}
