// internal/catalog/handler.go
package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"libranexus/internal/apperr"
	"libranexus/internal/httpx"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the catalog endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/books", func(r chi.Router) {
		r.Post("/", h.HandleAddBook)
		r.Get("/", h.HandleListBooks)
		r.Get("/{id}", h.HandleGetBook)
		r.Post("/{id}/reserve", h.HandleReserve)
		r.Post("/{id}/release", h.HandleRelease)
	})
}

type reservationRequest struct {
	ReservationID string `json:"reservation_id"`
	// Count is accepted for compatibility with older clients; only single copies are reserved.
	Count int `json:"count,omitempty"`
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ISBN        string `json:"isbn"`
		Title       string `json:"title"`
		Author      string `json:"author"`
		TotalCopies int    `json:"total_copies"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	book, err := h.service.AddBook(r.Context(), req.ISBN, req.Title, req.Author, req.TotalCopies)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, apperr.New(apperr.KindValidation, "limit must be an integer"))
			return
		}
		limit = n
	}

	books, err := h.service.ListBooks(r.Context(), q.Get("q"), limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if books == nil {
		books = []*Book{}
	}
	httpx.WriteJSON(w, http.StatusOK, books)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.service.GetBook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, mapError(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

// HandleReserve answers 200 when a copy is held for the reservation and 409 when it is denied.
func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Count > 1 {
		httpx.WriteError(w, apperr.New(apperr.KindValidation, "only one copy can be reserved per reservation"))
		return
	}

	result, err := h.service.Reserve(r.Context(), chi.URLParam(r, "id"), req.ReservationID)
	if err != nil {
		httpx.WriteError(w, mapError(err))
		return
	}
	if result.Status == StatusDenied {
		httpx.WriteJSON(w, http.StatusConflict, result)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	book, err := h.service.Release(r.Context(), chi.URLParam(r, "id"), req.ReservationID)
	if err != nil {
		httpx.WriteError(w, mapError(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "released", "book": book})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrBookNotFound):
		return apperr.Wrap(apperr.KindNotFound, err, "book not found")
	case errors.Is(err, ErrConflict):
		return apperr.Wrap(apperr.KindConflict, err, "inventory is contended, retry later")
	default:
		return err
	}
}
