package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quibble-ai/quibble/internal/domain"
	"github.com/quibble-ai/quibble/internal/service"
	"go.uber.org/zap"
)

type RetrieveHandler struct {
	retrieval *service.RetrievalService
	embedder  domain.EmbeddingClient
	logger    *zap.Logger

	embeddingTimeout time.Duration
}

func NewRetrieveHandler(retrieval *service.RetrievalService, embedder domain.EmbeddingClient, embeddingTimeout time.Duration, logger *zap.Logger) *RetrieveHandler {
	return &RetrieveHandler{
		retrieval:        retrieval,
		embedder:         embedder,
		logger:           logger,
		embeddingTimeout: embeddingTimeout,
	}
}

type retrieveRequest struct {
	Query             string `json:"query"`
	TopK              int    `json:"top_k,omitempty"`
	IncludeDeprecated bool   `json:"include_deprecated,omitempty"`
}

type retrieveResponse struct {
	Memories []domain.RankedMemory `json:"memories"`
	Query    string                `json:"query"`
	Count    int                   `json:"count"`
}

func (h *RetrieveHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
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

	memories, err := h.retrieval.Retrieve(r.Context(), queryVec, service.ExtractSlot(req.Query), req.TopK, req.IncludeDeprecated)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve memories")
		return
	}
	if memories == nil {
		memories = []domain.RankedMemory{}
	}

	writeJSON(w, http.StatusOK, retrieveResponse{
		Memories: memories,
		Query:    req.Query,
		Count:    len(memories),
	})
}
