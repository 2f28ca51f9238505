// internal/outbox/memory.go
package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process outbox used by tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event), now: time.Now}
}

// Append records events all-or-nothing.
func (m *MemoryStore) Append(events ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range events {
		if _, ok := m.events[e.EventID]; ok {
			return ErrConcurrencyConflict
		}
		for _, existing := range m.events {
			if existing.AggregateID == e.AggregateID && existing.Sequence == e.Sequence {
				return ErrConcurrencyConflict
			}
		}
		for _, other := range events[:i] {
			if other.EventID == e.EventID || (other.AggregateID == e.AggregateID && other.Sequence == e.Sequence) {
				return ErrConcurrencyConflict
			}
		}
	}
	for _, e := range events {
		e := e
		if e.Metadata == nil {
			e.Metadata = Metadata{}
		}
		e.NextAttemptAt = e.EmittedAt
		m.events[e.EventID] = &e
	}
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, limit int, lease time.Duration) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	head := make(map[uuid.UUID]*Event)
	for _, e := range m.events {
		if e.Dispatched {
			continue
		}
		if cur, ok := head[e.AggregateID]; !ok || e.Sequence < cur.Sequence {
			head[e.AggregateID] = e
		}
	}

	ready := make([]*Event, 0, len(head))
	for _, e := range head {
		if !e.NextAttemptAt.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].EmittedAt.Equal(ready[j].EmittedAt) {
			return ready[i].EmittedAt.Before(ready[j].EmittedAt)
		}
		return ready[i].Sequence < ready[j].Sequence
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]Event, 0, len(ready))
	for _, e := range ready {
		e.NextAttemptAt = now.Add(lease)
		out = append(out, *e)
	}
	return out, nil
}

func (m *MemoryStore) MarkDispatched(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	now := m.now()
	e.Dispatched = true
	e.DispatchedAt = &now
	e.LastError = ""
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, eventID string, retryIn time.Duration, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok || e.Dispatched {
		return nil
	}
	e.Attempts++
	e.NextAttemptAt = m.now().Add(retryIn)
	e.LastError = cause
	return nil
}

func (m *MemoryStore) Pending(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.events {
		if !e.Dispatched {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LoadEvents(_ context.Context, aggregateID uuid.UUID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.events {
		if e.AggregateID == aggregateID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// All returns a snapshot of every recorded event, oldest first.
func (m *MemoryStore) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EmittedAt.Equal(out[j].EmittedAt) {
			return out[i].EmittedAt.Before(out[j].EmittedAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// Expire makes every pending event immediately claimable again.
func (m *MemoryStore) Expire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, e := range m.events {
		if !e.Dispatched {
			e.NextAttemptAt = now
		}
	}
}
