package consumer

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/apperr"
	"libranexus/internal/broker"
	"libranexus/internal/events"
)

type countingProjection struct {
	ledger  *MemoryLedger
	applied []string
	failing error
}

func (p *countingProjection) Name() string { return "test" }

func (p *countingProjection) Apply(_ context.Context, evt events.LoanEvent) (bool, error) {
	if p.failing != nil {
		return false, p.failing
	}
	ok, err := p.ledger.Claim(p.Name(), evt)
	if err != nil || !ok {
		return ok, err
	}
	p.applied = append(p.applied, evt.EventID)
	return true, nil
}

type mapCache struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (c *mapCache) Seen(_ context.Context, consumer, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[consumer+eventID], c.err
}

func (c *mapCache) Mark(_ context.Context, consumer, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[consumer+eventID] = true
	return c.err
}

func delivery(t *testing.T, loanID uuid.UUID, seq int, typ string) broker.Delivery {
	t.Helper()
	evt := events.LoanEvent{
		EventID:    events.EventID(loanID, seq),
		Type:       typ,
		LoanID:     loanID.String(),
		UserID:     "u1",
		BookID:     "b1",
		Sequence:   seq,
		OccurredAt: time.Now().UTC(),
	}
	body, err := events.Encode(evt)
	require.NoError(t, err)
	return broker.Delivery{
		Message: broker.Message{ID: evt.EventID, RoutingKey: typ, Body: body},
		Attempt: 1,
	}
}

func TestHandleAppliesOnceUnderRedelivery(t *testing.T) {
	p := &countingProjection{ledger: NewMemoryLedger()}
	r := NewRunner(p, nil, zerolog.Nop())
	d := delivery(t, uuid.New(), events.SequenceCreated, events.TypeLoanCreated)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Handle(context.Background(), d))
	}
	assert.Len(t, p.applied, 1)
}

func TestHandleMalformedBodyIsPermanent(t *testing.T) {
	r := NewRunner(&countingProjection{ledger: NewMemoryLedger()}, nil, zerolog.Nop())

	err := r.Handle(context.Background(), broker.Delivery{Message: broker.Message{ID: "x", Body: []byte("{")}})

	assert.True(t, broker.IsPermanent(err))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestHandleOutOfOrderIsRecoverable(t *testing.T) {
	p := &countingProjection{ledger: NewMemoryLedger()}
	r := NewRunner(p, nil, zerolog.Nop())
	loanID := uuid.New()

	err := r.Handle(context.Background(), delivery(t, loanID, events.SequenceReturned, events.TypeLoanReturned))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.False(t, broker.IsPermanent(err))

	require.NoError(t, r.Handle(context.Background(), delivery(t, loanID, events.SequenceCreated, events.TypeLoanCreated)))
	require.NoError(t, r.Handle(context.Background(), delivery(t, loanID, events.SequenceReturned, events.TypeLoanReturned)))
	assert.Equal(t, []string{events.EventID(loanID, 1), events.EventID(loanID, 2)}, p.applied)
}

func TestHandleApplyFailureIsRetried(t *testing.T) {
	p := &countingProjection{ledger: NewMemoryLedger(), failing: errors.New("connection reset")}
	r := NewRunner(p, nil, zerolog.Nop())

	err := r.Handle(context.Background(), delivery(t, uuid.New(), 1, events.TypeLoanCreated))

	assert.True(t, apperr.IsKind(err, apperr.KindConsumerApply))
	assert.False(t, broker.IsPermanent(err))
}

func TestHandleUsesSeenCacheAsFastPath(t *testing.T) {
	p := &countingProjection{ledger: NewMemoryLedger()}
	cache := &mapCache{seen: map[string]bool{}}
	r := NewRunner(p, cache, zerolog.Nop())
	d := delivery(t, uuid.New(), 1, events.TypeLoanCreated)

	require.NoError(t, r.Handle(context.Background(), d))
	assert.True(t, cache.seen["test"+d.ID])

	// with a fresh ledger only the cache can stop a second apply
	p.ledger = NewMemoryLedger()
	require.NoError(t, r.Handle(context.Background(), d))
	assert.Len(t, p.applied, 1)
}

func TestHandleIgnoresCacheErrors(t *testing.T) {
	p := &countingProjection{ledger: NewMemoryLedger()}
	r := NewRunner(p, &mapCache{seen: map[string]bool{}, err: errors.New("redis down")}, zerolog.Nop())

	require.NoError(t, r.Handle(context.Background(), delivery(t, uuid.New(), 1, events.TypeLoanCreated)))
	assert.Len(t, p.applied, 1)
}

func TestRunnerConsumesFromMemoryBroker(t *testing.T) {
	b := broker.NewMemory()
	p := &countingProjection{ledger: NewMemoryLedger()}
	r := NewRunner(p, nil, zerolog.Nop())
	sub := broker.Subscription{Queue: "test", Bindings: []string{"loan.*"}, MaxDeliveries: 3}
	b.Declare(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, b, sub) }()

	d := delivery(t, uuid.New(), 1, events.TypeLoanCreated)
	require.NoError(t, b.Publish(ctx, d.Message))
	require.NoError(t, b.Publish(ctx, d.Message))
	require.NoError(t, b.Publish(ctx, broker.Message{ID: "junk", RoutingKey: "loan.created", Body: []byte("junk")}))

	assert.Eventually(t, func() bool { return len(b.DeadLetters("test.dlq")) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, p.ledger.Processed("test"))
}

func TestMemoryLedgerClaim(t *testing.T) {
	l := NewMemoryLedger()
	loanID := uuid.New()
	created := events.LoanEvent{EventID: events.EventID(loanID, 1), LoanID: loanID.String(), Sequence: 1}
	returned := events.LoanEvent{EventID: events.EventID(loanID, 2), LoanID: loanID.String(), Sequence: 2}

	_, err := l.Claim("a", returned)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	ok, err := l.Claim("a", created)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Claim("a", created)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Claim("b", created)
	require.NoError(t, err)
	assert.True(t, ok, "consumers dedupe independently")

	ok, err = l.Claim("a", returned)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisSeenCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	cache := NewRedisSeenCache(client, time.Minute)
	ctx := context.Background()
	id := uuid.NewString()

	seen, err := cache.Seen(ctx, "test", id)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, cache.Mark(ctx, "test", id))
	seen, err = cache.Seen(ctx, "test", id)
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := client.TTL(ctx, "dedup:test:"+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
