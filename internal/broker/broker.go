// internal/broker/broker.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"libranexus/internal/config"
)

var (
	// ErrUnavailable wraps every publish failure caused by the broker or the connection to it.
	ErrUnavailable = errors.New("broker unavailable")
	ErrClosed      = errors.New("broker closed")
)

// Header names carried on every message in addition to trace context.
const (
	HeaderEventType = "x-event-type"
	HeaderMessageID = "x-message-id"
)

// Message is a broker-agnostic envelope.
type Message struct {
	// ID is the deduplication identifier (the event id).
	ID string
	// RoutingKey selects subscribers, e.g. "loan.created".
	RoutingKey string
	// Key groups messages that must stay ordered; the loan id.
	Key     string
	Body    []byte
	Headers map[string]string
}

// Delivery is a message handed to a subscriber. Attempt starts at 1.
type Delivery struct {
	Message
	Attempt int
}

// Handler processes one delivery. Returning nil acknowledges it; a Permanent
// error dead-letters it immediately; any other error requests redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Subscription describes a durable queue bound to the exchange.
type Subscription struct {
	Queue         string
	Bindings      []string
	MaxDeliveries int
	Prefetch      int
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Subscriber interface {
	// Subscribe consumes until ctx is cancelled.
	Subscribe(ctx context.Context, sub Subscription, h Handler) error
	Close() error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Matches reports whether routingKey matches an AMQP topic binding pattern,
// where "*" matches exactly one word and "#" matches zero or more words.
func Matches(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// Bound reports whether routingKey matches any of the subscription's bindings.
func (s Subscription) Bound(routingKey string) bool {
	for _, b := range s.Bindings {
		if Matches(b, routingKey) {
			return true
		}
	}
	return false
}

// DeadLetterQueue names the queue holding messages that exhausted their deliveries.
func (s Subscription) DeadLetterQueue() string {
	return s.Queue + ".dlq"
}

// Broker is a backend that both publishes and subscribes.
type Broker interface {
	Publisher
	Subscriber
}

// Open returns the backend selected by cfg.Kind. Connections are established lazily.
func Open(cfg config.Broker, log zerolog.Logger) (Broker, error) {
	switch cfg.Kind {
	case "amqp":
		return NewAMQP(cfg.URL, cfg.Exchange, log), nil
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.Exchange, log), nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}
