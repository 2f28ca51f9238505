package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"libranexus/internal/apperr"
)

func TestHealthEndpoint(t *testing.T) {
	r := NewRouter(zerolog.Nop(), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestRateLimitReturns429(t *testing.T) {
	r := NewRouter(zerolog.Nop(), rate.NewLimiter(rate.Limit(0.0001), 1))

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestWriteErrorUsesKindAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperr.New(apperr.KindForbidden, "loan belongs to another user"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperr.KindForbidden, body.Error)
	assert.Equal(t, "loan belongs to another user", body.Message)
}

func TestDecodeJSONRejectsEmptyAndUnknownFields(t *testing.T) {
	var dst struct {
		UserID string `json:"user_id"`
	}

	err := DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader("")), &dst)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	err = DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"user":"u1"}`)), &dst)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	require.NoError(t, DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"user_id":"u1"}`)), &dst))
	assert.Equal(t, "u1", dst.UserID)
}
