// internal/consumer/consumer.go
package consumer

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libranexus/internal/apperr"
	"libranexus/internal/broker"
	"libranexus/internal/events"
	"libranexus/internal/telemetry"
)

// ErrOutOfOrder means an event arrived before its predecessor for the same
// loan was applied. It is recoverable: redelivery lets the predecessor land first.
var ErrOutOfOrder = errors.New("predecessor event not applied yet")

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_events_total",
	Help: "Consumed events by consumer and outcome.",
}, []string{"consumer", "outcome"})

// Projection applies events to a read model.
type Projection interface {
	Name() string
	// Apply records evt.EventID atomically with the side effect. It returns
	// false without side effects when the event was already applied.
	Apply(ctx context.Context, evt events.LoanEvent) (bool, error)
}

// SeenCache is a best-effort shortcut in front of a projection's own dedupe
// ledger. Errors from it are logged and otherwise ignored.
type SeenCache interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	Mark(ctx context.Context, consumer, eventID string) error
}

// Runner adapts a Projection to a broker subscription.
type Runner struct {
	projection Projection
	cache      SeenCache
	log        zerolog.Logger
	tracer     trace.Tracer
}

// NewRunner returns a Runner. cache may be nil.
func NewRunner(p Projection, cache SeenCache, log zerolog.Logger) *Runner {
	return &Runner{
		projection: p,
		cache:      cache,
		log:        log.With().Str("consumer", p.Name()).Logger(),
		tracer:     otel.Tracer("libranexus/consumer"),
	}
}

// Run consumes sub until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, s broker.Subscriber, sub broker.Subscription) error {
	return s.Subscribe(ctx, sub, r.Handle)
}

// Handle is a broker.Handler. Malformed bodies are permanent failures; apply
// failures are returned as they are so the broker redelivers them.
func (r *Runner) Handle(ctx context.Context, d broker.Delivery) error {
	name := r.projection.Name()
	ctx = telemetry.Extract(ctx, d.Headers)
	ctx, span := r.tracer.Start(ctx, "consumer.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("consumer", name),
			attribute.String("message.id", d.ID),
			attribute.String("routing.key", d.RoutingKey),
			attribute.Int("delivery.attempt", d.Attempt),
		),
	)
	defer span.End()

	evt, err := events.Decode(d.Body)
	if err != nil {
		eventsTotal.WithLabelValues(name, "malformed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error().Err(err).Str("message_id", d.ID).Msg("malformed event")
		return broker.Permanent(apperr.Wrap(apperr.KindValidation, err, "malformed event"))
	}
	log := r.log.With().Str("event_id", evt.EventID).Str("loan_id", evt.LoanID).Int("sequence", evt.Sequence).Logger()
	if d.ID != "" && d.ID != evt.EventID {
		log.Warn().Str("message_id", d.ID).Msg("message id differs from event id, deduplicating on event id")
	}

	if r.cache != nil {
		seen, err := r.cache.Seen(ctx, name, evt.EventID)
		if err != nil {
			log.Warn().Err(err).Msg("seen cache lookup failed")
		} else if seen {
			eventsTotal.WithLabelValues(name, "duplicate").Inc()
			log.Debug().Msg("duplicate event skipped by cache")
			return nil
		}
	}

	applied, err := r.projection.Apply(ctx, evt)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, ErrOutOfOrder) {
			outcome = "out_of_order"
		}
		eventsTotal.WithLabelValues(name, outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Int("attempt", d.Attempt).Msg("apply failed")
		return apperr.Wrap(apperr.KindConsumerApply, err, "apply %s", evt.Type)
	}

	if applied {
		eventsTotal.WithLabelValues(name, "applied").Inc()
		log.Info().Str("type", evt.Type).Msg("event applied")
	} else {
		eventsTotal.WithLabelValues(name, "duplicate").Inc()
		log.Debug().Msg("duplicate event ignored")
	}
	span.SetAttributes(attribute.Bool("event.applied", applied))

	if r.cache != nil {
		if err := r.cache.Mark(ctx, name, evt.EventID); err != nil {
			log.Warn().Err(err).Msg("seen cache update failed")
		}
	}
	return nil
}
