// internal/catalog/memory.go
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps books and reservations in process. Used by tests and local runs.
type MemoryStore struct {
	mu           sync.Mutex
	books        map[string]Book
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:        make(map[string]Book),
		reservations: make(map[string]Reservation),
	}
}

func (m *MemoryStore) CreateBook(_ context.Context, book *Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.books[book.ID]; ok {
		return fmt.Errorf("book %s already exists", book.ID)
	}
	m.books[book.ID] = *book
	return nil
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	return &b, nil
}

func (m *MemoryStore) ListBooks(_ context.Context, query string, limit int) ([]*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(query)
	out := make([]*Book, 0, len(m.books))
	for _, b := range m.books {
		if q != "" && !strings.Contains(strings.ToLower(b.Title+" "+b.Author), q) {
			continue
		}
		b := b
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, id string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (m *MemoryStore) Apply(_ context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.books[mut.Book.ID]
	if !ok {
		return ErrBookNotFound
	}
	if current.Version != mut.Book.Version {
		return ErrVersionConflict
	}

	existing, held := m.reservations[mut.Reservation.ID]
	switch mut.Reservation.Status {
	case ReservationHeld:
		if held {
			return ErrVersionConflict
		}
	case ReservationReleased:
		// Releasing an unknown id records it as released so a late reserve is denied.
		if held && existing.Status != ReservationHeld {
			return ErrVersionConflict
		}
	}

	next := current
	next.AvailableCopies = mut.Book.AvailableCopies
	next.ReservedCopies = mut.Book.ReservedCopies
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	if err := next.CheckInvariant(); err != nil {
		return err
	}

	m.books[next.ID] = next
	m.reservations[mut.Reservation.ID] = mut.Reservation
	return nil
}

// HeldReservations counts reservations in the held state for bookID.
func (m *MemoryStore) HeldReservations(bookID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.reservations {
		if r.BookID == bookID && r.Status == ReservationHeld {
			n++
		}
	}
	return n
}
