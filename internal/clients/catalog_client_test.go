package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) CatalogConfig {
	return CatalogConfig{
		BaseURL:         url,
		Timeout:         200 * time.Millisecond,
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BreakerFailures: 100,
		BreakerTimeout:  time.Second,
	}
}

func TestReserveReturnsReserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/books/b-1/reserve", r.URL.Path)
		var body reservationBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "loan-1", body.ReservationID)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"reserved","book":{"id":"b-1","title":"Dune","available_copies":0}}`))
	}))
	defer srv.Close()

	res, err := NewCatalogClient(testConfig(srv.URL), zerolog.Nop()).Reserve(context.Background(), "b-1", "loan-1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeReserved, res.Outcome)
	assert.Equal(t, "Dune", res.Book.Title)
}

func TestReserveDenialIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"status":"denied","reason":"no copies available"}`))
	}))
	defer srv.Close()

	res, err := NewCatalogClient(testConfig(srv.URL), zerolog.Nop()).Reserve(context.Background(), "b-1", "loan-1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, "no copies available", res.Reason)
	assert.EqualValues(t, 1, calls.Load())
}

func TestReserveUnknownBookIsDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	}))
	defer srv.Close()

	res, err := NewCatalogClient(testConfig(srv.URL), zerolog.Nop()).Reserve(context.Background(), "b-1", "loan-1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
}

func TestReserveRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"reserved"}`))
	}))
	defer srv.Close()

	res, err := NewCatalogClient(testConfig(srv.URL), zerolog.Nop()).Reserve(context.Background(), "b-1", "loan-1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeReserved, res.Outcome)
	assert.EqualValues(t, 3, calls.Load())
}

func TestReserveGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewCatalogClient(testConfig(srv.URL), zerolog.Nop()).Reserve(context.Background(), "b-1", "loan-1")

	assert.ErrorIs(t, err, ErrCatalogUnavailable)
	assert.EqualValues(t, 3, calls.Load(), "one attempt plus two retries")
}

func TestReserveTimesOutSlowCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 0

	start := time.Now()
	_, err := NewCatalogClient(cfg, zerolog.Nop()).Reserve(context.Background(), "b-1", "loan-1")

	assert.ErrorIs(t, err, ErrCatalogUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestReserveUnreachableCatalog(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewCatalogClient(testConfig(url), zerolog.Nop()).Reserve(context.Background(), "b-1", "loan-1")

	assert.ErrorIs(t, err, ErrCatalogUnavailable)
}

func TestReleaseTreatsNotFoundAsReleased(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/books/b-1/release", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewCatalogClient(testConfig(srv.URL), zerolog.Nop()).Release(context.Background(), "b-1", "loan-1")
	assert.NoError(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	client := NewCatalogClient(cfg, zerolog.Nop())

	for i := 0; i < 4; i++ {
		err := client.Release(context.Background(), "b-1", "loan-1")
		assert.ErrorIs(t, err, ErrCatalogUnavailable)
	}
	assert.EqualValues(t, 2, calls.Load(), "open breaker must short-circuit")
}
