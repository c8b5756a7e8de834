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

type ContradictionHandler struct {
	detector  *service.DetectorService
	ledgerSvc *service.LedgerService
	ledger    domain.LedgerStore
	embedder  domain.EmbeddingClient
	logger    *zap.Logger

	embeddingTimeout time.Duration
}

func NewContradictionHandler(
	detector *service.DetectorService,
	ledgerSvc *service.LedgerService,
	ledger domain.LedgerStore,
	embedder domain.EmbeddingClient,
	embeddingTimeout time.Duration,
	logger *zap.Logger,
) *ContradictionHandler {
	return &ContradictionHandler{
		detector:         detector,
		ledgerSvc:        ledgerSvc,
		ledger:           ledger,
		embedder:         embedder,
		logger:           logger,
		embeddingTimeout: embeddingTimeout,
	}
}

type detectRequest struct {
	Text       string   `json:"text"`
	Source     string   `json:"source,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Against    []string `json:"against,omitempty"`
}

type detectResponse struct {
	Detections []domain.DetectionResult `json:"detections"`
	Count      int                      `json:"count"`
}

// Detect runs contradiction detection for a statement without storing it.
// When "against" lists memory IDs the candidate is classified against
// exactly those; otherwise all same-slot priors are checked.
func (h *ContradictionHandler) Detect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Source == "" {
		req.Source = string(domain.SourceUser)
	}
	if !domain.ValidSource(req.Source) {
		writeError(w, http.StatusBadRequest, "invalid source")
		return
	}
	confidence := 0.8
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if confidence < 0 || confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be within [0,1]")
		return
	}

	against := make([]uuid.UUID, 0, len(req.Against))
	for _, raw := range req.Against {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid memory id in against")
			return
		}
		against = append(against, id)
	}

	embedCtx, cancel := context.WithTimeout(r.Context(), h.embeddingTimeout)
	vec, err := h.embedder.Embed(embedCtx, req.Text)
	cancel()
	if err != nil {
		h.logger.Warn("candidate embedding failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "embedding service unavailable")
		return
	}

	cand := service.Candidate{
		Text:       req.Text,
		Embedding:  vec,
		Confidence: confidence,
		Trust:      domain.Source(req.Source).InitialTrust(),
	}

	var detections []domain.DetectionResult
	if len(against) > 0 {
		detections, err = h.detector.DetectAgainst(r.Context(), cand, against)
	} else {
		detections, err = h.detector.DetectForCandidate(r.Context(), cand)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to run detection")
		return
	}
	if detections == nil {
		detections = []domain.DetectionResult{}
	}

	writeJSON(w, http.StatusOK, detectResponse{Detections: detections, Count: len(detections)})
}

type recordRequest struct {
	OldMemoryID     string  `json:"old_memory_id"`
	NewMemoryID     string  `json:"new_memory_id"`
	Category        string  `json:"category"`
	SuggestedPolicy string  `json:"suggested_policy"`
	Drift           float64 `json:"drift,omitempty"`
	ConfidenceDelta float64 `json:"confidence_delta,omitempty"`
	QueryContext    string  `json:"query_context,omitempty"`
}

// Record appends a ledger entry for an externally classified pair. The
// pair dedupe still applies: recording the same pair twice returns the
// existing entry.
func (h *ContradictionHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	oldID, err := uuid.Parse(req.OldMemoryID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid old_memory_id")
		return
	}
	newID, err := uuid.Parse(req.NewMemoryID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid new_memory_id")
		return
	}
	if !domain.ValidCategory(req.Category) {
		writeError(w, http.StatusBadRequest, "invalid category")
		return
	}
	if !domain.ValidPolicy(req.SuggestedPolicy) {
		writeError(w, http.StatusBadRequest, "invalid suggested_policy")
		return
	}

	det := domain.DetectionResult{
		OldMemoryID:     oldID,
		IsContradiction: true,
		Category:        domain.Category(req.Category),
		SuggestedPolicy: domain.Policy(req.SuggestedPolicy),
		Drift:           req.Drift,
		ConfidenceDelta: req.ConfidenceDelta,
	}
	entry, err := h.ledgerSvc.Record(r.Context(), oldID, newID, det, req.QueryContext)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record contradiction")
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

type listLedgerResponse struct {
	Entries []domain.ContradictionLedgerEntry `json:"entries"`
	Count   int                               `json:"count"`
}

func (h *ContradictionHandler) ListUnresolved(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.ListUnresolved(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list contradictions")
		return
	}
	if entries == nil {
		entries = []domain.ContradictionLedgerEntry{}
	}

	writeJSON(w, http.StatusOK, listLedgerResponse{Entries: entries, Count: len(entries)})
}

func (h *ContradictionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ledger id")
		return
	}

	entry, err := h.ledger.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ledger entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get ledger entry")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

type resolveRequest struct {
	Method      string `json:"method,omitempty"`
	ApplyPolicy bool   `json:"apply_policy,omitempty"`
}

// Resolve closes a ledger entry, either by recording an explicit
// resolution method or by applying the entry's suggested policy.
func (h *ContradictionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ledger id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ApplyPolicy {
		err = h.ledgerSvc.ApplyPolicy(r.Context(), id)
	} else {
		if req.Method == "" {
			req.Method = "user_confirmed"
		}
		err = h.ledgerSvc.Resolve(r.Context(), id, req.Method)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "ledger entry not found")
		case errors.Is(err, service.ErrLedgerResolved):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrDegradedOverride):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to resolve ledger entry")
		}
		return
	}

	entry, err := h.ledger.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load resolved entry")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}
