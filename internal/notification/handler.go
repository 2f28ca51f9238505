// internal/notification/handler.go
package notification

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"libranexus/internal/apperr"
	"libranexus/internal/httpx"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/notifications", h.HandleList)
	r.Get("/notifications/", h.HandleList)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			httpx.WriteError(w, apperr.New(apperr.KindValidation, "limit must be between 1 and %d", maxLimit))
			return
		}
		limit = n
	}

	list, err := h.store.List(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}
