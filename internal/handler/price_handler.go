package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/service"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

type PriceHandler struct {
	service PriceServiceInterface
}

func NewPriceHandler(service PriceServiceInterface) *PriceHandler {
	return &PriceHandler{service: service}
}

// Routes mounts the handler under /api/prices. Callers must apply
// AuthMiddleware first.
func (h *PriceHandler) Routes(r chi.Router) {
	r.With(AdminOnly).Post("/", h.Record)
	r.Get("/latest", h.Latest)
	r.Get("/recent", h.Recent)
}

// Record stores a market price observation.
func (h *PriceHandler) Record(w http.ResponseWriter, r *http.Request) {
	var input service.PriceInput
	if err := decodeJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	point, err := h.service.Record(r.Context(), input)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, point)
}

// Latest returns the price the engine would evaluate right now.
// location defaults to All.
func (h *PriceHandler) Latest(w http.ResponseWriter, r *http.Request) {
	crop, location := cropAndLocation(r)

	point, err := h.service.Latest(r.Context(), crop, location)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, point)
}

func (h *PriceHandler) Recent(w http.ResponseWriter, r *http.Request) {
	crop, location := cropAndLocation(r)

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	points, err := h.service.Recent(r.Context(), crop, location, limit)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	respondJSON(w, http.StatusOK, points)
}

func cropAndLocation(r *http.Request) (string, string) {
	q := r.URL.Query()
	location := q.Get("location")
	if location == "" {
		location = model.LocationAll
	}
	return q.Get("crop"), location
}
