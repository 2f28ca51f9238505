// internal/broker/amqp.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	deadLetterSuffix = ".dlx"
	deliveryCountKey = "x-delivery-count"
	deliveryLimitArg = "x-delivery-limit"
)

// AMQP publishes to a durable topic exchange with publisher confirms and
// consumes from quorum queues that dead-letter into <exchange>.dlx.
type AMQP struct {
	url      string
	exchange string
	log      zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(url, exchange string, log zerolog.Logger) *AMQP {
	return &AMQP{
		url:      url,
		exchange: exchange,
		log:      log.With().Str("component", "amqp").Logger(),
	}
}

func (a *AMQP) deadLetterExchange() string { return a.exchange + deadLetterSuffix }

// declareTopology declares the event exchange and the dead-letter exchange.
func (a *AMQP) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(a.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", a.exchange, err)
	}
	if err := ch.ExchangeDeclare(a.deadLetterExchange(), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", a.deadLetterExchange(), err)
	}
	return nil
}

// channel returns the publishing channel, reconnecting if the last one died.
// Callers hold a.mu.
func (a *AMQP) channel() (*amqp.Channel, error) {
	if a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}
	a.resetLocked()

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := a.declareTopology(ch); err != nil {
		conn.Close()
		return nil, err
	}

	a.conn, a.ch = conn, ch
	a.log.Info().Str("exchange", a.exchange).Msg("publisher connected")
	return ch, nil
}

func (a *AMQP) resetLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil && !a.conn.IsClosed() {
		_ = a.conn.Close()
	}
	a.conn, a.ch = nil, nil
}

// Publish returns only after the broker confirmed the message.
func (a *AMQP) Publish(ctx context.Context, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, err := a.channel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Type:         msg.RoutingKey,
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		a.resetLocked()
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, msg.ID, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		a.resetLocked()
		return fmt.Errorf("%w: confirm %s: %v", ErrUnavailable, msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked %s", ErrUnavailable, msg.ID)
	}
	return nil
}

// Subscribe consumes sub until ctx is cancelled, reconnecting with backoff
// whenever the connection drops.
func (a *AMQP) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	log := a.log.With().Str("queue", sub.Queue).Logger()
	for {
		err := a.consume(ctx, sub, h, b.Reset)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("consumer disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (a *AMQP) consume(ctx context.Context, sub Subscription, h Handler, connected func()) error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := a.declareQueue(ch, sub); err != nil {
		return err
	}
	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, sub.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.Queue, err)
	}
	connected()
	a.log.Info().Str("queue", sub.Queue).Strs("bindings", sub.Bindings).Msg("consumer started")

	for d := range deliveries {
		if err := a.handle(ctx, sub, h, d); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("delivery channel closed")
}

// declareQueue declares a quorum queue bound to the exchange whose rejected
// messages go to <queue>.dlq through the dead-letter exchange.
func (a *AMQP) declareQueue(ch *amqp.Channel, sub Subscription) error {
	if err := a.declareTopology(ch); err != nil {
		return err
	}

	dlq := sub.DeadLetterQueue()
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, amqp.Table{
		amqp.QueueTypeArg: amqp.QueueTypeQuorum,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, sub.Queue, a.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}

	args := amqp.Table{
		amqp.QueueTypeArg:           amqp.QueueTypeQuorum,
		"x-dead-letter-exchange":    a.deadLetterExchange(),
		"x-dead-letter-routing-key": sub.Queue,
	}
	if sub.MaxDeliveries > 0 {
		args[deliveryLimitArg] = int32(sub.MaxDeliveries)
	}
	if _, err := ch.QueueDeclare(sub.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	for _, key := range sub.Bindings {
		if err := ch.QueueBind(sub.Queue, key, a.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", sub.Queue, key, err)
		}
	}
	return nil
}

func (a *AMQP) handle(ctx context.Context, sub Subscription, h Handler, d amqp.Delivery) error {
	attempt := deliveryAttempt(d)
	msg := Message{
		ID:         d.MessageId,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Headers:    make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		}
	}
	if msg.ID == "" {
		msg.ID = msg.Headers[HeaderMessageID]
	}

	err := h(ctx, Delivery{Message: msg, Attempt: attempt})
	switch {
	case err == nil:
		return d.Ack(false)
	case ctx.Err() != nil:
		// Shutting down; the message goes back to the queue.
		return d.Nack(false, true)
	case IsPermanent(err) || (sub.MaxDeliveries > 0 && attempt >= sub.MaxDeliveries):
		a.log.Error().Err(err).Str("queue", sub.Queue).Str("message_id", msg.ID).Int("attempt", attempt).Msg("dead-lettering message")
		return d.Reject(false)
	default:
		a.log.Warn().Err(err).Str("queue", sub.Queue).Str("message_id", msg.ID).Int("attempt", attempt).Msg("requeueing message")
		return d.Nack(false, true)
	}
}

// deliveryAttempt reads the quorum queue delivery counter; the first delivery carries none.
func deliveryAttempt(d amqp.Delivery) int {
	switch n := d.Headers[deliveryCountKey].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	return nil
}
