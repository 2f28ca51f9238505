// internal/broker/kafka.go
package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderRoutingKey = "x-routing-key"

	headerOriginalTopic     = "x-original-topic"
	headerOriginalPartition = "x-original-partition"
	headerOriginalOffset    = "x-original-offset"
	headerError             = "x-error"
)

// Kafka publishes every event to one topic keyed by loan id, so the events
// of a loan share a partition and keep their order. Subscriptions are
// consumer groups that filter on the routing key header.
type Kafka struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	log     zerolog.Logger
	// retryInterval is the first pause between handler attempts and dead-letter writes.
	retryInterval time.Duration
}

// messageWriter is the part of a kafka.Writer the consumer needs for dead letters.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafka(brokers []string, topic string, log zerolog.Logger) *Kafka {
	return &Kafka{
		brokers: brokers,
		topic:   topic,
		writer:  newWriter(brokers, topic),
		log:     log.With().Str("component", "kafka").Logger(),

		retryInterval: 200 * time.Millisecond,
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// Publish writes synchronously and returns once all in-sync replicas have the message.
func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	headers := make(map[string]string, len(msg.Headers)+2)
	for key, v := range msg.Headers {
		headers[key] = v
	}
	headers[HeaderRoutingKey] = msg.RoutingKey
	headers[HeaderMessageID] = msg.ID

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: toKafkaHeaders(headers),
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, msg.ID, err)
	}
	return nil
}

// Subscribe joins the consumer group named after sub.Queue. Failed messages are
// retried in place up to sub.MaxDeliveries, then written to <queue>.dlq; the
// offset is committed only after one of the two happened, so a message that
// could not be settled stops the consumer rather than being skipped.
func (k *Kafka) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.brokers,
		GroupID:        sub.Queue,
		Topic:          k.topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	defer reader.Close()

	dlq := newWriter(k.brokers, sub.DeadLetterQueue())
	defer dlq.Close()

	log := k.log.With().Str("queue", sub.Queue).Logger()
	log.Info().Strs("bindings", sub.Bindings).Msg("consumer started")

	fetchBackoff := backoff.NewExponentialBackOff()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := fetchBackoff.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		fetchBackoff.Reset()

		if err := k.process(ctx, sub, h, dlq, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Committing a later offset of this partition would skip m.
			return fmt.Errorf("settle offset %d of partition %d: %w", m.Offset, m.Partition, err)
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("offset", m.Offset).Msg("commit failed")
		}
	}
}

func (k *Kafka) process(ctx context.Context, sub Subscription, h Handler, dlq messageWriter, m kafka.Message) error {
	msg := Message{
		Key:     string(m.Key),
		Body:    m.Value,
		Headers: make(map[string]string, len(m.Headers)),
	}
	for _, hdr := range m.Headers {
		msg.Headers[hdr.Key] = string(hdr.Value)
	}
	msg.ID = msg.Headers[HeaderMessageID]
	msg.RoutingKey = msg.Headers[HeaderRoutingKey]

	if !sub.Bound(msg.RoutingKey) {
		return nil
	}

	maxDeliveries := sub.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = k.retryInterval
	retry.MaxInterval = 5 * time.Second

	var err error
	for attempt := 1; attempt <= maxDeliveries; attempt++ {
		err = h(ctx, Delivery{Message: msg, Attempt: attempt})
		if err == nil || IsPermanent(err) || ctx.Err() != nil {
			break
		}
		if attempt < maxDeliveries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.NextBackOff()):
			}
		}
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	k.log.Error().Err(err).Str("queue", sub.Queue).Str("message_id", msg.ID).Msg("dead-lettering message")
	headers := append(append([]kafka.Header(nil), m.Headers...),
		kafka.Header{Key: headerOriginalTopic, Value: []byte(m.Topic)},
		kafka.Header{Key: headerOriginalPartition, Value: []byte(strconv.Itoa(m.Partition))},
		kafka.Header{Key: headerOriginalOffset, Value: []byte(strconv.FormatInt(m.Offset, 10))},
		kafka.Header{Key: headerError, Value: []byte(err.Error())},
	)
	dlqBackoff := backoff.NewExponentialBackOff()
	dlqBackoff.InitialInterval = k.retryInterval
	dlqBackoff.MaxInterval = 30 * time.Second

	// The offset may only move once the dead letter is written, so keep trying until shutdown.
	_, dlqErr := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, dlq.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: m.Value, Headers: headers})
	},
		backoff.WithBackOff(dlqBackoff),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			k.log.Warn().Err(err).Str("message_id", msg.ID).Dur("retry_in", next).Msg("dead letter write failed")
		}),
	)
	if dlqErr != nil {
		return fmt.Errorf("write dead letter %s: %w", msg.ID, dlqErr)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
