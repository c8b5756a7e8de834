package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"github.com/quibble-ai/quibble/internal/service"
	"github.com/quibble-ai/quibble/internal/store"
)

type MemoryHandler struct {
	svc *service.MemoryService
}

func NewMemoryHandler(svc *service.MemoryService) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

type createMemoryRequest struct {
	Text       string   `json:"text"`
	Lane       string   `json:"lane,omitempty"`
	Source     string   `json:"source,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func (req *createMemoryRequest) applyDefaults() {
	if req.Lane == "" {
		req.Lane = string(domain.LaneBelief)
	}
	if req.Source == "" {
		req.Source = string(domain.SourceUser)
	}
	if req.Confidence == nil {
		c := 0.8
		req.Confidence = &c
	}
}

func (h *MemoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.applyDefaults()

	memory, err := h.svc.Store(r.Context(), req.Text, req.Lane, req.Source, *req.Confidence)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTextEmpty),
			errors.Is(err, service.ErrInvalidLane),
			errors.Is(err, service.ErrInvalidSource),
			errors.Is(err, store.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrEmbeddingFailed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to create memory")
		}
		return
	}

	writeJSON(w, http.StatusCreated, memory)
}

func (h *MemoryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	memory, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get memory")
		return
	}

	writeJSON(w, http.StatusOK, memory)
}

type deprecateRequest struct {
	Reason string `json:"reason"`
}

func (h *MemoryHandler) Deprecate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	var req deprecateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual deprecation"
	}

	if err := h.svc.Deprecate(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to deprecate memory")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *MemoryHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.applyDefaults()

	result, err := h.svc.Ingest(r.Context(), req.Text, req.Lane, req.Source, *req.Confidence)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTextEmpty),
			errors.Is(err, service.ErrInvalidLane),
			errors.Is(err, service.ErrInvalidSource),
			errors.Is(err, store.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrEmbeddingFailed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to ingest statement")
		}
		return
	}

	writeJSON(w, http.StatusCreated, result)
}
