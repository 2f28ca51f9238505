package loans

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/apperr"
	"libranexus/internal/httpx"
)

func newServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(f.svc).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) apperr.Kind {
	t.Helper()
	var body httpx.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestHandleLoanLifecycle(t *testing.T) {
	f := newFixture(t, 1)
	srv := newServer(t, f)

	resp := post(t, srv.URL+"/loans/", `{"user_id":"u1","book_id":"b1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var loan Loan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loan))
	assert.Equal(t, StatusActive, loan.Status)

	resp = get(t, srv.URL+"/loans/"+loan.ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv.URL+"/loans/"+loan.ID.String()+"/return", `{"user_id":"u2"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, apperr.KindForbidden, decodeError(t, resp))

	resp = post(t, srv.URL+"/loans/"+loan.ID.String()+"/return", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var returned Loan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&returned))
	assert.Equal(t, StatusReturned, returned.Status)

	resp = post(t, srv.URL+"/loans/"+loan.ID.String()+"/return", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperr.KindInvalidTransition, decodeError(t, resp))

	resp = get(t, srv.URL+"/loans/"+loan.ID.String()+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evts []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evts))
	require.Len(t, evts, 2)
	assert.Equal(t, "loan.returned", evts[1]["type"])
}

func TestHandleCreateErrors(t *testing.T) {
	f := newFixture(t, 0)
	srv := newServer(t, f)

	resp := post(t, srv.URL+"/loans/", `{"user_id":"u1","book_id":"b1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperr.KindReservationDenied, decodeError(t, resp))

	resp = post(t, srv.URL+"/loans/", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/loans/", `{"user_id":"u1","book_id":"b1","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.catalog.setDown(true)
	resp = post(t, srv.URL+"/loans/", `{"user_id":"u1","book_id":"b1"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, apperr.KindCatalogUnavailable, decodeError(t, resp))
}

func TestHandleGetAndList(t *testing.T) {
	f := newFixture(t, 2)
	srv := newServer(t, f)
	post(t, srv.URL+"/loans/", `{"user_id":"u1","book_id":"b1"}`)
	post(t, srv.URL+"/loans/", `{"user_id":"u2","book_id":"b1"}`)

	resp := get(t, srv.URL+"/loans/?user_id=u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []Loan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "u1", list[0].UserID)

	resp = get(t, srv.URL+"/loans/?limit=ten")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv.URL+"/loans/?status=lost")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv.URL+"/loans/not-a-uuid")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, srv.URL+"/loans/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
