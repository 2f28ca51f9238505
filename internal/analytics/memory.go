// internal/analytics/memory.go
package analytics

import (
	"context"
	"sync"
	"time"

	"libranexus/internal/consumer"
	"libranexus/internal/events"
)

type MemoryStore struct {
	mu     sync.Mutex
	ledger *consumer.MemoryLedger
	kpis   map[string]kpi
	users  map[string]UserMetric
	last   string
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledger: consumer.NewMemoryLedger(),
		kpis:   make(map[string]kpi),
		users:  make(map[string]UserMetric),
		now:    time.Now,
	}
}

func (s *MemoryStore) Apply(_ context.Context, evt events.LoanEvent, deltas []Delta, user UserDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.ledger.Claim(Name, evt)
	if err != nil || !ok {
		return false, err
	}

	now := s.now().UTC()
	for _, d := range deltas {
		k := s.kpis[d.Metric]
		k.name = d.Metric
		k.value += d.Value
		k.lastEventID = evt.EventID
		k.updatedAt = now
		s.kpis[d.Metric] = k
	}
	m := s.users[user.UserID]
	m.UserID = user.UserID
	m.LoansTaken += user.LoansTaken
	m.LoansReturned += user.LoansReturned
	m.UpdatedAt = now
	s.users[user.UserID] = m
	s.last = evt.EventID
	return true, nil
}

func (s *MemoryStore) Summary(context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	for _, k := range s.kpis {
		sum.add(k)
	}
	sum.LastEventID = s.last
	return sum, nil
}

func (s *MemoryStore) User(_ context.Context, userID string) (UserMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.users[userID]
	if !ok {
		return UserMetric{}, ErrUserNotFound
	}
	return m, nil
}
