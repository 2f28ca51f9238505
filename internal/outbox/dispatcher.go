// internal/outbox/dispatcher.go
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libranexus/internal/broker"
	"libranexus/internal/telemetry"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox events acknowledged by the broker.",
	}, []string{"type"})
	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Failed outbox publish attempts.",
	}, []string{"type"})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending",
		Help: "Outbox events not yet acknowledged by the broker.",
	})
)

// Publisher is the part of a broker the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, msg broker.Message) error
}

type DispatcherConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	Lease          time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
}

// Dispatcher relays outbox events to the broker. Delivery is at least once:
// an event is marked dispatched only after the broker acknowledged it.
type Dispatcher struct {
	store     Store
	publisher Publisher
	cfg       DispatcherConfig
	tracer    trace.Tracer
	log       zerolog.Logger
}

func NewDispatcher(store Store, publisher Publisher, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		tracer:    otel.Tracer("libranexus/outbox/dispatcher"),
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run polls the outbox until ctx is cancelled. A full batch is followed by
// another pass immediately instead of waiting for the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.log.Info().Dur("poll_interval", d.cfg.PollInterval).Int("batch_size", d.cfg.BatchSize).Msg("dispatcher started")
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("dispatch pass failed")
		}
		if err == nil && n == d.cfg.BatchSize {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce claims one batch and publishes it in order. It returns the
// number of events claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.store.Claim(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, err
	}

	for _, e := range events {
		if ctx.Err() != nil {
			return len(events), ctx.Err()
		}
		d.dispatch(ctx, e)
	}

	if pending, err := d.store.Pending(ctx); err == nil {
		pendingGauge.Set(float64(pending))
	}
	return len(events), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e Event) {
	ctx = telemetry.Extract(ctx, e.Metadata)
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", e.EventID),
			attribute.String("event.type", e.Type),
			attribute.String("loan.id", e.AggregateID.String()),
			attribute.Int("event.sequence", e.Sequence),
			attribute.Int("event.attempts", e.Attempts),
		),
	)
	defer span.End()

	headers := make(map[string]string, len(e.Metadata)+2)
	for k, v := range e.Metadata {
		headers[k] = v
	}
	telemetry.Inject(ctx, headers)
	headers[broker.HeaderEventType] = e.Type
	headers[broker.HeaderMessageID] = e.EventID

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	err := d.publisher.Publish(pubCtx, broker.Message{
		ID:         e.EventID,
		RoutingKey: e.Type,
		Key:        e.AggregateID.String(),
		Body:       e.Payload,
		Headers:    headers,
	})
	cancel()

	log := d.log.With().Str("event_id", e.EventID).Str("loan_id", e.AggregateID.String()).Logger()
	if err != nil {
		delay := d.retryDelay(e.Attempts + 1)
		publishFailures.WithLabelValues(e.Type).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Int("attempts", e.Attempts+1).Dur("retry_in", delay).Msg("publish failed")

		if markErr := d.store.MarkFailed(context.WithoutCancel(ctx), e.EventID, delay, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("record publish failure")
		}
		return
	}

	// A failure here only causes a redundant publish once the lease expires.
	if err := d.store.MarkDispatched(context.WithoutCancel(ctx), e.EventID); err != nil {
		log.Error().Err(err).Msg("mark event dispatched")
		return
	}
	publishedTotal.WithLabelValues(e.Type).Inc()
	log.Debug().Str("type", e.Type).Msg("event published")
}

// retryDelay is the wait before the given failed attempt is retried. It grows
// exponentially with jitter up to MaxBackoff.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempts && i < 32; i++ {
		delay = b.NextBackOff()
	}
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	return delay
}
