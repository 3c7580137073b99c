package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"listing-sync/internal/config"
	"listing-sync/internal/lifecycle"
	"listing-sync/internal/models"
	"listing-sync/internal/store"
	"listing-sync/internal/telemetry"
)

// Server wires HTTP handlers for the listing-sync surface. The core stays a
// library; this is the thin layer the surrounding application talks to.
type Server struct {
	cfg   config.Config
	store store.SyncStore
	orch  *lifecycle.Orchestrator
}

func New(cfg config.Config, st store.SyncStore, orch *lifecycle.Orchestrator) *Server {
	return &Server{cfg: cfg, store: st, orch: orch}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/listings", s.handleCreate)
	r.Get("/listings/{id}", s.handleGet)
	r.Post("/listings/{id}/sold", s.handleSold)
	r.Get("/listings/{id}/platforms", s.handlePlatforms)
	r.Get("/listings/{id}/log", s.handleLog)
	return r
}

type createRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Condition   string   `json:"condition"`
	Quantity    int      `json:"quantity"`
	Photos      []string `json:"photos"`
	Platforms   []string `json:"platforms"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if len(req.Platforms) == 0 {
		http.Error(w, "platforms is required", http.StatusBadRequest)
		return
	}

	summary, err := s.orch.CreateAndPublish(r.Context(), lifecycle.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		Condition:   req.Condition,
		Quantity:    req.Quantity,
		Photos:      req.Photos,
	}, req.Platforms)
	if err != nil {
		writeError(w, err)
		return
	}
	// Partial failure still returns the summary; callers read per-platform outcomes.
	writeJSON(w, http.StatusCreated, summary)
}

type soldRequest struct {
	Platform string  `json:"platform"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

func (s *Server) handleSold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req soldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Platform == "" {
		http.Error(w, "platform is required", http.StatusBadRequest)
		return
	}

	outcome, err := s.orch.MarkSold(r.Context(), id, req.Platform, req.Price, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type listingResponse struct {
	Listing   models.Listing           `json:"listing"`
	Platforms []models.PlatformListing `json:"platforms"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	listing, err := s.store.GetListing(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	platforms, err := s.store.ListPlatformListings(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse{Listing: listing, Platforms: platforms})
}

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.orch.PlatformStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.store.SyncLog(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "listing not found", http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrNoPlatforms):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lifecycle.ErrListingNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
