// internal/analytics/handler.go
package analytics

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"libranexus/internal/apperr"
	"libranexus/internal/httpx"
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Routes registers the read endpoints. They are mounted one by one because
// /metrics itself belongs to the Prometheus handler.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/metrics/summary", h.HandleSummary)
	r.Get("/metrics/users/{id}", h.HandleUser)
}

func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.store.Summary(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) HandleUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.store.User(r.Context(), id)
	if errors.Is(err, ErrUserNotFound) {
		httpx.WriteError(w, apperr.Wrap(apperr.KindNotFound, err, "no metrics for user %s", id))
		return
	}
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}
