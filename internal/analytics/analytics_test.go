package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/consumer"
	"libranexus/internal/events"
	"libranexus/internal/postgres"
)

func loanEvent(loanID uuid.UUID, seq int, typ, user string) events.LoanEvent {
	return events.LoanEvent{
		EventID:    events.EventID(loanID, seq),
		Type:       typ,
		LoanID:     loanID.String(),
		UserID:     user,
		BookID:     "b1",
		Sequence:   seq,
		OccurredAt: time.Now().UTC(),
	}
}

func TestDeltasFor(t *testing.T) {
	loanID := uuid.New()

	deltas, user, err := DeltasFor(loanEvent(loanID, 1, events.TypeLoanCreated, "u1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []Delta{{TotalLoans, 1}, {ActiveLoans, 1}}, deltas)
	assert.Equal(t, UserDelta{UserID: "u1", LoansTaken: 1}, user)

	deltas, user, err = DeltasFor(loanEvent(loanID, 2, events.TypeLoanReturned, "u1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []Delta{{TotalReturns, 1}, {ActiveLoans, -1}}, deltas)
	assert.Equal(t, UserDelta{UserID: "u1", LoansReturned: 1}, user)

	_, _, err = DeltasFor(loanEvent(loanID, 3, "loan.lost", "u1"))
	assert.Error(t, err)
}

func TestProjectionAppliesEachEventOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewProjection(store, zerolog.Nop())

	first, second := uuid.New(), uuid.New()
	steps := []events.LoanEvent{
		loanEvent(first, 1, events.TypeLoanCreated, "u1"),
		loanEvent(first, 1, events.TypeLoanCreated, "u1"),
		loanEvent(second, 1, events.TypeLoanCreated, "u2"),
		loanEvent(first, 2, events.TypeLoanReturned, "u1"),
		loanEvent(first, 2, events.TypeLoanReturned, "u1"),
	}
	applied := 0
	for _, evt := range steps {
		ok, err := p.Apply(ctx, evt)
		require.NoError(t, err)
		if ok {
			applied++
		}
	}
	assert.Equal(t, 3, applied)

	sum, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum.TotalLoans)
	assert.EqualValues(t, 1, sum.ActiveLoans)
	assert.EqualValues(t, 1, sum.TotalReturns)
	assert.Equal(t, events.EventID(first, 2), sum.LastEventID)

	u1, err := store.User(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, u1.LoansTaken)
	assert.EqualValues(t, 1, u1.LoansReturned)

	_, err = store.User(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestProjectionRejectsReturnBeforeCreate(t *testing.T) {
	store := NewMemoryStore()
	p := NewProjection(store, zerolog.Nop())

	_, err := p.Apply(context.Background(), loanEvent(uuid.New(), 2, events.TypeLoanReturned, "u1"))
	assert.ErrorIs(t, err, consumer.ErrOutOfOrder)

	sum, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.ActiveLoans)
}

func TestHandler(t *testing.T) {
	store := NewMemoryStore()
	p := NewProjection(store, zerolog.Nop())
	_, err := p.Apply(context.Background(), loanEvent(uuid.New(), 1, events.TypeLoanCreated, "u1"))
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(store).Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics/summary")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.EqualValues(t, 1, sum.ActiveLoans)

	resp, err = http.Get(srv.URL + "/metrics/users/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m UserMetric
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.EqualValues(t, 1, m.LoansTaken)

	missing, err := http.Get(srv.URL + "/metrics/users/u9")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))
	p := NewProjection(store, zerolog.Nop())

	before, err := store.Summary(ctx)
	require.NoError(t, err)

	loanID := uuid.New()
	user := "user-" + loanID.String()
	for i := 0; i < 2; i++ {
		_, err = p.Apply(ctx, loanEvent(loanID, 1, events.TypeLoanCreated, user))
		require.NoError(t, err)
	}
	ok, err := p.Apply(ctx, loanEvent(loanID, 2, events.TypeLoanReturned, user))
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.TotalLoans+1, after.TotalLoans)
	assert.Equal(t, before.TotalReturns+1, after.TotalReturns)
	assert.Equal(t, before.ActiveLoans, after.ActiveLoans)

	m, err := store.User(ctx, user)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.LoansTaken)
	assert.EqualValues(t, 1, m.LoansReturned)
}
