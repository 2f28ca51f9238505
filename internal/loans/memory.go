// internal/loans/memory.go
package loans

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"libranexus/internal/outbox"
)

// MemoryRepository keeps loans in a map and their events in an outbox.MemoryStore.
type MemoryRepository struct {
	mu     sync.Mutex
	loans  map[uuid.UUID]Loan
	outbox *outbox.MemoryStore
}

func NewMemoryRepository(store *outbox.MemoryStore) *MemoryRepository {
	return &MemoryRepository{loans: make(map[uuid.UUID]Loan), outbox: store}
}

func (r *MemoryRepository) Insert(_ context.Context, loan *Loan, events ...outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loans[loan.ID]; ok {
		return outbox.ErrConcurrencyConflict
	}
	if len(events) > 0 {
		if err := r.outbox.Append(events...); err != nil {
			return err
		}
	}
	r.loans[loan.ID] = *loan
	return nil
}

func (r *MemoryRepository) Transition(_ context.Context, loan *Loan, from Status, events ...outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.loans[loan.ID]
	if !ok {
		return ErrLoanNotFound
	}
	if stored.Status != from {
		return ErrStaleStatus
	}
	if len(events) > 0 {
		if err := r.outbox.Append(events...); err != nil {
			return err
		}
	}
	r.loans[loan.ID] = *loan
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loan, ok := r.loans[id]
	if !ok {
		return nil, ErrLoanNotFound
	}
	return &loan, nil
}

func (r *MemoryRepository) List(_ context.Context, filter Filter) ([]*Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*Loan{}
	for _, l := range r.loans {
		if filter.UserID != "" && l.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		l := l
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Events(ctx context.Context, id uuid.UUID) ([]outbox.Event, error) {
	return r.outbox.LoadEvents(ctx, id)
}
