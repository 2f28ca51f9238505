// internal/notification/memory.go
package notification

import (
	"context"
	"sort"
	"sync"

	"libranexus/internal/consumer"
	"libranexus/internal/events"
)

type MemoryStore struct {
	mu            sync.Mutex
	ledger        *consumer.MemoryLedger
	notifications []Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledger: consumer.NewMemoryLedger()}
}

func (s *MemoryStore) Insert(_ context.Context, evt events.LoanEvent, n Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.ledger.Claim(Name, evt)
	if err != nil || !ok {
		return false, err
	}
	s.notifications = append(s.notifications, n)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, userID string, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Notification{}
	for _, n := range s.notifications {
		if userID == "" || n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
