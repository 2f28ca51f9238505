package outbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/postgres"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(ctx, Schema)
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func TestPostgresAppendClaimAndDispatch(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	loanID := uuid.New()
	base := time.Now().Add(-time.Minute).UTC()

	tx, err := store.db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, tx,
		newEvent(loanID, 1, "loan.created", base),
		newEvent(loanID, 2, "loan.returned", base.Add(time.Second)),
	))
	require.NoError(t, tx.Commit())

	claimed, err := store.Claim(ctx, 100, time.Minute)
	require.NoError(t, err)

	var mine []Event
	for _, e := range claimed {
		if e.AggregateID == loanID {
			mine = append(mine, e)
		}
	}
	require.Len(t, mine, 1)
	assert.Equal(t, 1, mine[0].Sequence)
	assert.NotEmpty(t, mine[0].Metadata["traceparent"])
	assert.JSONEq(t, `{"loan_id":"`+loanID.String()+`"}`, string(mine[0].Payload))

	require.NoError(t, store.MarkDispatched(ctx, mine[0].EventID))

	events, err := store.LoadEvents(ctx, loanID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Dispatched)
	assert.False(t, events[1].Dispatched)
}

func TestPostgresAppendRejectsDuplicateSequence(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	loanID := uuid.New()

	require.NoError(t, store.Append(ctx, store.db, newEvent(loanID, 1, "loan.created", time.Now())))

	dup := newEvent(loanID, 1, "loan.created", time.Now())
	dup.EventID = uuid.NewString()
	assert.ErrorIs(t, store.Append(ctx, store.db, dup), ErrConcurrencyConflict)
}

func TestPostgresMarkFailedDefersEvent(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	loanID := uuid.New()

	require.NoError(t, store.Append(ctx, store.db, newEvent(loanID, 1, "loan.created", time.Now().Add(-time.Second))))
	require.NoError(t, store.MarkFailed(ctx, loanID.String()+"/loan.created", time.Hour, "broker unavailable"))

	claimed, err := store.Claim(ctx, 100, time.Minute)
	require.NoError(t, err)
	for _, e := range claimed {
		assert.NotEqual(t, loanID, e.AggregateID)
	}

	events, err := store.LoadEvents(ctx, loanID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Attempts)
	assert.Equal(t, "broker unavailable", events[0].LastError)
}
