// internal/broker/memory.go
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memQueue struct {
	sub    Subscription
	items  []Message
	notify chan struct{}
}

// Memory is an in-process broker with topic routing, redelivery and dead
// lettering. Queues exist from Declare or Subscribe onwards; messages routed
// before then are dropped, as with an unbound exchange.
type Memory struct {
	mu        sync.Mutex
	down      bool
	closed    bool
	queues    map[string]*memQueue
	dead      map[string][]Delivery
	published []Message
	// RedeliveryDelay is the pause before a failed delivery is retried.
	RedeliveryDelay time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		queues:          make(map[string]*memQueue),
		dead:            make(map[string][]Delivery),
		RedeliveryDelay: 5 * time.Millisecond,
	}
}

// SetDown simulates a broker outage: publishes fail until it is brought back.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// Declare creates the queue for sub if it does not exist yet.
func (m *Memory) Declare(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declareLocked(sub)
}

func (m *Memory) declareLocked(sub Subscription) *memQueue {
	q, ok := m.queues[sub.Queue]
	if !ok {
		q = &memQueue{sub: sub, notify: make(chan struct{}, 1)}
		m.queues[sub.Queue] = q
	}
	return q
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.down {
		return fmt.Errorf("%w: connection refused", ErrUnavailable)
	}

	m.published = append(m.published, msg)
	for _, q := range m.queues {
		if !q.sub.Bound(msg.RoutingKey) {
			continue
		}
		q.items = append(q.items, msg)
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe delivers messages one at a time in queue order until ctx is done.
// A failed delivery is retried in place, so later messages wait behind it.
func (m *Memory) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	q := m.declareLocked(sub)
	m.mu.Unlock()

	maxDeliveries := sub.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}

	for {
		msg, ok := m.next(q)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}

		for attempt := 1; ; attempt++ {
			err := h(ctx, Delivery{Message: msg, Attempt: attempt})
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			if IsPermanent(err) || attempt >= maxDeliveries {
				m.deadLetter(sub.DeadLetterQueue(), Delivery{Message: msg, Attempt: attempt})
				break
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.RedeliveryDelay):
			}
		}
		m.ack(q)
	}
}

func (m *Memory) next(q *memQueue) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	return q.items[0], true
}

func (m *Memory) ack(q *memQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.items = q.items[1:]
}

func (m *Memory) deadLetter(queue string, d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[queue] = append(m.dead[queue], d)
}

// DeadLetters returns what was dead-lettered into the named queue.
func (m *Memory) DeadLetters(queue string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.dead[queue]...)
}

// Published returns every message accepted by the broker, in order.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Depth is the number of messages waiting in, or being handled from, a queue.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
