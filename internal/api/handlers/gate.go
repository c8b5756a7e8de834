package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"github.com/quibble-ai/quibble/internal/service"
	"github.com/quibble-ai/quibble/internal/store"
	"go.uber.org/zap"
)

type GateHandler struct {
	gate      *service.GateService
	retrieval *service.RetrievalService
	learning  *service.ActiveLearningService
	answer    *service.AnswerService
	embedder  domain.EmbeddingClient
	logger    *zap.Logger

	embeddingTimeout time.Duration
}

func NewGateHandler(
	gate *service.GateService,
	retrieval *service.RetrievalService,
	learning *service.ActiveLearningService,
	answer *service.AnswerService,
	embedder domain.EmbeddingClient,
	embeddingTimeout time.Duration,
	logger *zap.Logger,
) *GateHandler {
	return &GateHandler{
		gate:             gate,
		retrieval:        retrieval,
		learning:         learning,
		answer:           answer,
		embedder:         embedder,
		logger:           logger,
		embeddingTimeout: embeddingTimeout,
	}
}

type evaluateRequest struct {
	Query string `json:"query"`
	Draft string `json:"draft"`
}

// Evaluate gates an externally produced draft against retrieved context.
// The draft is judged only; nothing is stored regardless of verdict.
func (h *GateHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" || req.Draft == "" {
		writeError(w, http.StatusBadRequest, "query and draft are required")
		return
	}

	embedCtx, cancel := context.WithTimeout(r.Context(), h.embeddingTimeout)
	queryVec, err := h.embedder.Embed(embedCtx, req.Query)
	cancel()
	if err != nil {
		h.logger.Warn("query embedding failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "embedding service unavailable")
		return
	}

	retrievalContext, err := h.retrieval.Retrieve(r.Context(), queryVec, service.ExtractSlot(req.Query), 0, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve context")
		return
	}

	decision, err := h.gate.Evaluate(r.Context(), req.Draft, req.Query, retrievalContext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to evaluate draft")
		return
	}

	event, err := h.learning.LogEvent(r.Context(), req.Query, req.Draft, decision)
	if err != nil {
		h.logger.Warn("gate event logging failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"decision": decision,
		"event":    event,
	})
}

func (h *GateHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	event, err := h.learning.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "gate event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get gate event")
		return
	}

	writeJSON(w, http.StatusOK, event)
}

type correctionRequest struct {
	ResponseType string `json:"response_type"`
}

// SubmitCorrection records the operator's corrected response type for a
// logged gate event. Corrections feed the next retraining cycle.
func (h *GateHandler) SubmitCorrection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !domain.ValidResponseType(req.ResponseType) {
		writeError(w, http.StatusBadRequest, "invalid response_type")
		return
	}

	if err := h.learning.SubmitCorrection(r.Context(), id, domain.ResponseType(req.ResponseType)); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "gate event not found")
		case errors.Is(err, store.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to submit correction")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type askRequest struct {
	Query string `json:"query"`
}

// Ask runs the full question path: retrieve, draft, gate, store per
// verdict, log.
func (h *GateHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := h.answer.Ask(r.Context(), req.Query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to answer query")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
