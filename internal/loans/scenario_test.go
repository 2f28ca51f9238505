package loans_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/analytics"
	"libranexus/internal/apperr"
	"libranexus/internal/broker"
	"libranexus/internal/catalog"
	"libranexus/internal/clients"
	"libranexus/internal/consumer"
	"libranexus/internal/events"
	"libranexus/internal/loans"
	"libranexus/internal/notification"
	"libranexus/internal/outbox"
)

// system wires every service in process: the catalog behind a real HTTP
// client, the loan coordinator, the outbox dispatcher and both projections.
type system struct {
	catalog       catalog.Service
	loans         loans.Service
	outbox        *outbox.MemoryStore
	dispatcher    *outbox.Dispatcher
	broker        *broker.Memory
	notifications *notification.MemoryStore
	analytics     *analytics.MemoryStore
}

func newSystem(t *testing.T) *system {
	t.Helper()
	log := zerolog.Nop()

	catalogSvc := catalog.NewService(catalog.NewMemoryStore(), catalog.Options{MaxAttempts: 100, BaseDelay: time.Microsecond}, log)
	r := chi.NewRouter()
	catalog.NewHandler(catalogSvc).Routes(r)
	catalogSrv := httptest.NewServer(r)
	t.Cleanup(catalogSrv.Close)

	client := clients.NewCatalogClient(clients.CatalogConfig{
		BaseURL:        catalogSrv.URL,
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}, log)

	store := outbox.NewMemoryStore()
	bus := broker.NewMemory()
	bus.RedeliveryDelay = time.Millisecond
	t.Cleanup(func() { _ = bus.Close() })

	s := &system{
		catalog:       catalogSvc,
		loans:         loans.NewService(loans.NewMemoryRepository(store), client, loans.Options{}, log),
		outbox:        store,
		broker:        bus,
		notifications: notification.NewMemoryStore(),
		analytics:     analytics.NewMemoryStore(),
		dispatcher: outbox.NewDispatcher(store, bus, outbox.DispatcherConfig{
			BatchSize:      20,
			Lease:          time.Minute,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		}, log),
	}

	s.consume(t, notification.NewProjection(s.notifications, log))
	s.consume(t, analytics.NewProjection(s.analytics, log))
	return s
}

func (s *system) consume(t *testing.T, p consumer.Projection) {
	t.Helper()
	sub := broker.Subscription{Queue: p.Name(), Bindings: []string{"loan.*"}, MaxDeliveries: 10}
	s.broker.Declare(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.NewRunner(p, nil, zerolog.Nop()).Run(ctx, s.broker, sub)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (s *system) drain(t *testing.T) {
	t.Helper()
	for {
		n, err := s.dispatcher.DispatchOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func (s *system) summary(t *testing.T) analytics.Summary {
	t.Helper()
	sum, err := s.analytics.Summary(context.Background())
	require.NoError(t, err)
	return sum
}

func TestConcurrentRequestsForTheLastCopy(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()
	book, err := s.catalog.AddBook(ctx, "978-0441013593", "Dune", "Frank Herbert", 1)
	require.NoError(t, err)

	const users = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*loans.Loan
		denied  int
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loan, err := s.loans.CreateLoan(ctx, fmt.Sprintf("user-%d", i), book.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted = append(granted, loan)
			case apperr.IsKind(err, apperr.KindReservationDenied):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, granted, 1)
	assert.Equal(t, users-1, denied)

	current, err := s.catalog.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Zero(t, current.AvailableCopies)
	assert.Equal(t, 1, current.ReservedCopies)
	require.NoError(t, current.CheckInvariant())

	failed, err := s.loans.ListLoans(ctx, loans.Filter{Status: loans.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, users-1)

	s.drain(t)
	assert.Eventually(t, func() bool { return s.summary(t).TotalLoans == 1 }, time.Second, time.Millisecond)
}

func TestReturnRestoresAvailabilityAndCountsOnce(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()
	book, err := s.catalog.AddBook(ctx, "978-0", "Dune", "Frank Herbert", 1)
	require.NoError(t, err)

	loan, err := s.loans.CreateLoan(ctx, "u1", book.ID)
	require.NoError(t, err)
	_, err = s.loans.ReturnLoan(ctx, loan.ID, "u1")
	require.NoError(t, err)

	current, err := s.catalog.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.AvailableCopies)
	assert.Zero(t, current.ReservedCopies)

	// One pass publishes only the head event per loan.
	n, err := s.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.drain(t)

	assert.Eventually(t, func() bool { return s.summary(t).TotalReturns == 1 }, time.Second, time.Millisecond)
	sum := s.summary(t)
	assert.EqualValues(t, 1, sum.TotalLoans)
	assert.Zero(t, sum.ActiveLoans)

	user, err := s.analytics.User(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, user.LoansTaken)
	assert.EqualValues(t, 1, user.LoansReturned)

	assert.Eventually(t, func() bool {
		list, err := s.notifications.List(ctx, "u1", 10)
		return err == nil && len(list) == 2
	}, time.Second, time.Millisecond)

	next, err := s.loans.CreateLoan(ctx, "u2", book.ID)
	require.NoError(t, err)
	assert.Equal(t, loans.StatusActive, next.Status)
}

func TestBrokerOutageDelaysButNeverLosesEvents(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()
	book, err := s.catalog.AddBook(ctx, "978-0", "Dune", "Frank Herbert", 3)
	require.NoError(t, err)

	s.broker.SetDown(true)
	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := s.loans.CreateLoan(ctx, user, book.ID)
		require.NoError(t, err, "loan requests must not depend on the broker")
	}

	n, err := s.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, s.broker.Published())

	pending, err := s.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
	for _, e := range s.outbox.All() {
		assert.Equal(t, 1, e.Attempts)
		assert.NotEmpty(t, e.LastError)
	}

	s.broker.SetDown(false)
	s.outbox.Expire()
	s.drain(t)

	pending, err = s.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Len(t, s.broker.Published(), 3)
	assert.Eventually(t, func() bool { return s.summary(t).ActiveLoans == 3 }, time.Second, time.Millisecond)
}

func TestDuplicateDeliveryIsAppliedOnce(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()
	book, err := s.catalog.AddBook(ctx, "978-0", "Dune", "Frank Herbert", 1)
	require.NoError(t, err)

	loan, err := s.loans.CreateLoan(ctx, "u1", book.ID)
	require.NoError(t, err)
	s.drain(t)

	published := s.broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, events.EventID(loan.ID, events.SequenceCreated), published[0].ID)

	// A publisher that lost the ack would send the same message again.
	require.NoError(t, s.broker.Publish(ctx, published[0]))
	require.NoError(t, s.broker.Publish(ctx, published[0]))

	assert.Eventually(t, func() bool {
		return s.broker.Depth(notification.Name) == 0 && s.broker.Depth(analytics.Name) == 0
	}, time.Second, time.Millisecond)

	sum := s.summary(t)
	assert.EqualValues(t, 1, sum.TotalLoans)
	assert.EqualValues(t, 1, sum.ActiveLoans)

	list, err := s.notifications.List(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTimedOutReserveDoesNotStrandTheCopy(t *testing.T) {
	log := zerolog.Nop()
	ctx := context.Background()

	ledger := catalog.NewMemoryStore()
	catalogSvc := catalog.NewService(ledger, catalog.Options{MaxAttempts: 10, BaseDelay: time.Microsecond}, log)
	book, err := catalogSvc.AddBook(ctx, "978-0553283686", "Hyperion", "Dan Simmons", 1)
	require.NoError(t, err)

	r := chi.NewRouter()
	catalog.NewHandler(catalogSvc).Routes(r)
	// the reserve commits, but its response arrives after the client gave up
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if strings.HasSuffix(req.URL.Path, "/reserve") {
			time.Sleep(150 * time.Millisecond)
		}
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
	}))
	t.Cleanup(slow.Close)

	client := clients.NewCatalogClient(clients.CatalogConfig{
		BaseURL:        slow.URL,
		Timeout:        50 * time.Millisecond,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
	}, log)
	svc := loans.NewService(loans.NewMemoryRepository(outbox.NewMemoryStore()), client, loans.Options{}, log)

	_, err = svc.CreateLoan(ctx, "u1", book.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindCatalogUnavailable))

	after, err := catalogSvc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.AvailableCopies)
	assert.Equal(t, 0, after.ReservedCopies)
	assert.Zero(t, ledger.HeldReservations(book.ID))

	all, err := svc.ListLoans(ctx, loans.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
