package handlers

import (
	"net/http"

	"github.com/quibble-ai/quibble/internal/service"
	"go.uber.org/zap"
)

type LearningHandler struct {
	learning *service.ActiveLearningService
	model    *service.ModelHandle
	logger   *zap.Logger
}

func NewLearningHandler(learning *service.ActiveLearningService, model *service.ModelHandle, logger *zap.Logger) *LearningHandler {
	return &LearningHandler{learning: learning, model: model, logger: logger}
}

type retrainResponse struct {
	Retrained       bool `json:"retrained"`
	PromotedVersion *int `json:"promoted_version,omitempty"`
	CurrentVersion  int  `json:"current_version"`
}

// Retrain forces a retraining check outside the background schedule.
// Promotion still requires enough corrections and a strict accuracy
// improvement on holdout.
func (h *LearningHandler) Retrain(w http.ResponseWriter, r *http.Request) {
	promoted, err := h.learning.RetrainIfDue(r.Context())
	if err != nil {
		h.logger.Error("retrain failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrain model")
		return
	}

	writeJSON(w, http.StatusOK, retrainResponse{
		Retrained:       promoted != nil,
		PromotedVersion: promoted,
		CurrentVersion:  h.model.CurrentVersion(),
	})
}

type modelResponse struct {
	Version    int      `json:"version"`
	Classes    []string `json:"classes,omitempty"`
	FeatureDim int      `json:"feature_dim,omitempty"`
	Accuracy   float64  `json:"accuracy,omitempty"`
	Loaded     bool     `json:"loaded"`
}

// Model reports the response-type classifier currently serving the gate.
// Version 0 with loaded=false means the gate is running heuristics only.
func (h *LearningHandler) Model(w http.ResponseWriter, r *http.Request) {
	m := h.model.Current()
	if m == nil {
		writeJSON(w, http.StatusOK, modelResponse{Version: 0, Loaded: false})
		return
	}

	writeJSON(w, http.StatusOK, modelResponse{
		Version:    m.Version,
		Classes:    m.Classes,
		FeatureDim: m.FeatureDim,
		Accuracy:   m.Accuracy,
		Loaded:     true,
	})
}
